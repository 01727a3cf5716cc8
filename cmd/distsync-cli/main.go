/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
distsync-cli - interactive client for a running distsync node

Connects to a node's loopback control endpoint and issues acquire/release/
enqueue/dequeue/get/put/status commands. It is purely a client of the
node's public control API: it never touches Raft, transport, or manager
state directly.

Usage:

    distsync-cli --addr 127.0.0.1:7100
*/
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"distsync/internal/control"
	"distsync/internal/queue"
	"distsync/pkg/cli"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7100", "Address of the node's control endpoint")
	cmdline := flag.String("exec", "", "Run a single command non-interactively and exit")
	flag.Parse()

	client := control.NewClient(*addr)
	if err := client.Dial(); err != nil {
		cli.PrintError("could not connect to %s: %v", *addr, err)
		os.Exit(1)
	}
	defer client.Close()

	if *cmdline != "" {
		if err := runLine(client, *cmdline); err != nil {
			cli.PrintError("%v", err)
			os.Exit(1)
		}
		return
	}

	runREPL(client, *addr)
}

func runREPL(client *control.Client, addr string) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          cli.Highlight("distsync> "),
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		cli.PrintError("failed to start input reader: %v", err)
		os.Exit(1)
	}
	defer rl.Close()

	cli.PrintInfo("connected to %s", addr)
	fmt.Println(cli.Dimmed("Type \\h for help, \\q to quit."))

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "\\q" || line == "quit" || line == "exit" {
			return
		}
		if line == "\\h" || line == "help" {
			printHelp()
			continue
		}
		if err := runLine(client, line); err != nil {
			cli.PrintError("%v", err)
		}
	}
}

func printHelp() {
	fmt.Println()
	fmt.Println(cli.Highlight("COMMANDS"))
	fmt.Println("  acquire <resource> [shared|exclusive] [timeout_ms]")
	fmt.Println("  release <resource>")
	fmt.Println("  enqueue <queue> <json-payload>")
	fmt.Println("  dequeue <queue> [timeout_ms]")
	fmt.Println("  get <key>")
	fmt.Println("  put <key> <json-value>")
	fmt.Println("  status")
	fmt.Println("  \\q                 quit")
	fmt.Println()
}

func runLine(client *control.Client, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "acquire":
		return doAcquire(client, args)
	case "release":
		return doRelease(client, args)
	case "enqueue":
		return doEnqueue(client, args)
	case "dequeue":
		return doDequeue(client, args)
	case "get":
		return doGet(client, args)
	case "put":
		return doPut(client, args)
	case "status":
		return doStatus(client)
	default:
		return fmt.Errorf("unknown command %q (try \\h for help)", verb)
	}
}

func doAcquire(client *control.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: acquire <resource> [shared|exclusive] [timeout_ms]")
	}
	mode := "exclusive"
	if len(args) >= 2 {
		mode = args[1]
	}
	timeoutMS := 5000
	if len(args) >= 3 {
		if v, err := strconv.Atoi(args[2]); err == nil {
			timeoutMS = v
		}
	}
	resp, err := client.Call(control.Request{Op: control.OpAcquire, Resource: args[0], Mode: mode, TimeoutMS: timeoutMS})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if resp.Granted {
		cli.PrintSuccess("lock %q granted (%s)", args[0], mode)
	} else {
		cli.PrintWarning("lock %q not granted within timeout", args[0])
	}
	return nil
}

func doRelease(client *control.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: release <resource>")
	}
	resp, err := client.Call(control.Request{Op: control.OpRelease, Resource: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	cli.PrintSuccess("lock %q released", args[0])
	return nil
}

func doEnqueue(client *control.Client, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: enqueue <queue> <json-payload>")
	}
	payload := strings.Join(args[1:], " ")
	if !json.Valid([]byte(payload)) {
		payload = strconv.Quote(payload)
	}
	resp, err := client.Call(control.Request{Op: control.OpEnqueue, Queue: args[0], Value: json.RawMessage(payload)})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	cli.PrintSuccess("enqueued onto %q, msg_id=%s", args[0], string(resp.Value))
	return nil
}

func doDequeue(client *control.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: dequeue <queue> [timeout_ms]")
	}
	timeoutMS := 5000
	if len(args) >= 2 {
		if v, err := strconv.Atoi(args[1]); err == nil {
			timeoutMS = v
		}
	}
	resp, err := client.Call(control.Request{Op: control.OpDequeue, Queue: args[0], TimeoutMS: timeoutMS})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if !resp.Found {
		cli.PrintInfo("queue %q empty within timeout", args[0])
		return nil
	}
	cli.PrintSuccess("dequeued from %q: %s", args[0], string(resp.Value))
	return nil
}

func doGet(client *control.Client, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: get <key>")
	}
	resp, err := client.Call(control.Request{Op: control.OpGet, Key: args[0]})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	if !resp.Found {
		cli.PrintInfo("key %q not found", args[0])
		return nil
	}
	fmt.Println(string(resp.Value))
	return nil
}

func doPut(client *control.Client, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: put <key> <json-value>")
	}
	value := strings.Join(args[1:], " ")
	if !json.Valid([]byte(value)) {
		value = strconv.Quote(value)
	}
	resp, err := client.Call(control.Request{Op: control.OpPut, Key: args[0], Value: json.RawMessage(value)})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	cli.PrintSuccess("put %q", args[0])
	return nil
}

func doStatus(client *control.Client) error {
	resp, err := client.Call(control.Request{Op: control.OpStatus})
	if err != nil {
		return err
	}
	if !resp.OK {
		return errors.New(resp.Error)
	}
	s := resp.Status
	cli.KeyValue("Node", s.NodeID, 14)
	cli.KeyValue("Raft state", fmt.Sprintf("%s (term %d)", s.RaftState, s.RaftTerm), 14)
	cli.KeyValue("Leader", s.Leader, 14)
	cli.KeyValue("Peers", strings.Join(s.Peers, ", "), 14)
	if len(s.FencedPeer) > 0 {
		cli.KeyValue("Fenced", strings.Join(s.FencedPeer, ", "), 14)
	}
	cli.KeyValue("Locks held", strconv.Itoa(s.LockStats.TotalLocks), 14)
	cli.KeyValue("Queue depth", strconv.Itoa(totalQueueDepth(s.QueueStats)), 14)
	cli.KeyValue("Cache size", fmt.Sprintf("%d/%d", s.CacheStats.Size, s.CacheStats.Capacity), 14)
	return nil
}

func totalQueueDepth(s queue.Stats) int {
	total := 0
	for _, n := range s.QueueSizes {
		total += n
	}
	return total
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".distsync_cli_history"
	}
	return home + "/.distsync_cli_history"
}
