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

package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"distsync/internal/logging"
)

func mustFreePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	addrA := mustFreePort(t)
	addrB := mustFreePort(t)

	a := New("node-a", addrA, nil, logging.NewLogger("transport-a"))
	b := New("node-b", addrB, nil, logging.NewLogger("transport-b"))

	received := make(chan *Message, 1)
	b.RegisterHandler(MsgPing, func(msg *Message) (interface{}, error) {
		received <- msg
		return map[string]string{"status": "pong"}, nil
	})

	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	defer b.Stop()

	if err := a.AddPeer("node-b", addrB); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	msg, err := NewMessage(MsgPing, "node-a", map[string]string{"hello": "world"}, "")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := a.Send(ctx, "node-b", msg, true, time.Second)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var payload map[string]string
	if err := resp.Unmarshal(&payload); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if payload["status"] != "pong" {
		t.Errorf("response payload = %+v, want status=pong", payload)
	}

	select {
	case got := <-received:
		if got.MsgType != MsgPing {
			t.Errorf("handler saw MsgType %v, want %v", got.MsgType, MsgPing)
		}
	default:
		t.Error("handler was never invoked")
	}
}

func TestSendTimesOutWhenNoResponse(t *testing.T) {
	addrA := mustFreePort(t)
	addrB := mustFreePort(t)

	a := New("node-a", addrA, nil, logging.NewLogger("transport-a"))
	b := New("node-b", addrB, nil, logging.NewLogger("transport-b"))

	// b registers no handler, so a's wait should time out.
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	defer a.Stop()
	if err := b.Start(); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	defer b.Stop()

	if err := a.AddPeer("node-b", addrB); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	msg, err := NewMessage(MsgPing, "node-a", map[string]string{}, "")
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = a.Send(ctx, "node-b", msg, true, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestSendToUnknownPeerFails(t *testing.T) {
	addrA := mustFreePort(t)
	a := New("node-a", addrA, nil, logging.NewLogger("transport-a"))
	if err := a.Start(); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	defer a.Stop()

	msg, _ := NewMessage(MsgPing, "node-a", map[string]string{}, "")
	if _, err := a.Send(context.Background(), "ghost", msg, false, time.Second); err == nil {
		t.Error("expected an error sending to an unregistered peer")
	}
}

func TestBroadcastReachesAllPeersExceptExcluded(t *testing.T) {
	addrA := mustFreePort(t)
	addrB := mustFreePort(t)
	addrC := mustFreePort(t)

	a := New("node-a", addrA, nil, logging.NewLogger("transport-a"))
	b := New("node-b", addrB, nil, logging.NewLogger("transport-b"))
	c := New("node-c", addrC, nil, logging.NewLogger("transport-c"))

	bGot := make(chan struct{}, 1)
	cGot := make(chan struct{}, 1)
	b.RegisterHandler(MsgHeartbeat, func(msg *Message) (interface{}, error) {
		bGot <- struct{}{}
		return nil, nil
	})
	c.RegisterHandler(MsgHeartbeat, func(msg *Message) (interface{}, error) {
		cGot <- struct{}{}
		return nil, nil
	})

	for _, tr := range []*Transport{a, b, c} {
		if err := tr.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer tr.Stop()
	}

	if err := a.AddPeer("node-b", addrB); err != nil {
		t.Fatalf("AddPeer b: %v", err)
	}
	if err := a.AddPeer("node-c", addrC); err != nil {
		t.Fatalf("AddPeer c: %v", err)
	}

	msg, _ := NewMessage(MsgHeartbeat, "node-a", map[string]string{}, "")
	a.Broadcast(context.Background(), msg, "node-c")

	select {
	case <-bGot:
	case <-time.After(time.Second):
		t.Error("node-b never received the broadcast heartbeat")
	}

	select {
	case <-cGot:
		t.Error("node-c received the heartbeat despite being excluded")
	case <-time.After(200 * time.Millisecond):
	}
}
