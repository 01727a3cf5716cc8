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
distsyncd - distsync node daemon

Starts one cluster participant: transport, peer discovery, the failure
detector, Raft, and the lock/queue/cache coordination services, then blocks
until SIGINT/SIGTERM.

Usage:

    distsyncd                      # configure entirely from the environment
    distsyncd --config node.toml   # load a TOML file first, env still wins
    distsyncd --version
*/
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"distsync/internal/config"
	"distsync/internal/logging"
	"distsync/internal/node"
	"distsync/pkg/cli"
)

const version = "1.0.0"

func main() {
	configFile := flag.String("config", "", "Path to a TOML configuration file (environment variables still override it)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information")
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	mgr := config.Global()
	if *configFile != "" {
		if err := mgr.LoadFromFile(*configFile); err != nil {
			cli.PrintError("failed to load config file: %v", err)
			os.Exit(1)
		}
	}
	mgr.LoadFromEnv()
	cfg := mgr.Get()

	if err := cfg.Validate(); err != nil {
		cli.PrintError("invalid configuration: %v", err)
		os.Exit(1)
	}

	printBanner(cfg)

	n, err := node.New(cfg)
	if err != nil {
		cli.PrintError("failed to construct node: %v", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		cli.PrintError("failed to start node: %v", err)
		os.Exit(1)
	}
	cli.PrintSuccess("node %s listening on %s:%d (control endpoint on 127.0.0.1:%d)",
		cfg.NodeID, cfg.Host, cfg.Port, cfg.ControlPort)

	log := logging.NewLogger(cfg.NodeID)
	waitForShutdown(log)

	log.Info("shutting down", "node_id", cfg.NodeID)
	n.Stop()
	cli.PrintInfo("node %s stopped", cfg.NodeID)
}

func waitForShutdown(log *logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig.String())
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println(cli.Highlight("  distsyncd"))
	fmt.Printf("  %s\n", cli.Dimmed("distributed lock / queue / cache coordination daemon v"+version))
	fmt.Println()
	cli.KeyValue("Node ID", cfg.NodeID, 16)
	cli.KeyValue("Listen", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), 16)
	cli.KeyValue("Discovery", cfg.DiscoveryMode, 16)
	cli.KeyValue("Compression", cfg.CompressionCodec, 16)
	fmt.Println()
}

func printVersion() {
	fmt.Printf("distsyncd version %s\n", version)
}
