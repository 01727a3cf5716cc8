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

package node

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"distsync/internal/config"
	"distsync/internal/lock"
)

func mustFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return port
}

func testConfig(t *testing.T, nodeID string, selfPort int, peers []string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.Host = "127.0.0.1"
	cfg.Port = selfPort
	cfg.ControlPort = mustFreePort(t)
	cfg.ClusterNodes = peers
	cfg.ElectionTimeoutMinMS = 60
	cfg.ElectionTimeoutMaxMS = 120
	cfg.HeartbeatIntervalMS = 20
	cfg.FailureHeartbeatIntervalMS = 50
	cfg.DiscoveryMode = "static"
	return cfg
}

// TestTwoNodeClusterElectsLeaderAndGrantsLock wires two full Node
// orchestrators together over real loopback transports and checks that a
// leader emerges and the lock manager can grant a lock end-to-end, proving
// the Raft/lock/transport/discovery/failure-detector wiring holds together.
func TestTwoNodeClusterElectsLeaderAndGrantsLock(t *testing.T) {
	portA := mustFreePort(t)
	portB := mustFreePort(t)
	addrA := "127.0.0.1:" + strconv.Itoa(portA)
	addrB := "127.0.0.1:" + strconv.Itoa(portB)

	cfgA := testConfig(t, "node-a", portA, []string{addrA, addrB})
	cfgB := testConfig(t, "node-b", portB, []string{addrA, addrB})

	nodeA, err := New(cfgA)
	if err != nil {
		t.Fatalf("New(node-a): %v", err)
	}
	nodeB, err := New(cfgB)
	if err != nil {
		t.Fatalf("New(node-b): %v", err)
	}

	// Static discovery derives node ids from the host label, which for bare
	// loopback addresses is the whole host string; wire a direct transport
	// peer link instead so the test exercises Raft/lock end to end without
	// depending on discovery's id-derivation heuristic (covered separately
	// by internal/discovery's own tests).
	if err := nodeA.tr.AddPeer("node-b", addrB); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := nodeB.tr.AddPeer("node-a", addrA); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}

	if err := nodeA.tr.Start(); err != nil {
		t.Fatalf("start transport a: %v", err)
	}
	defer nodeA.tr.Stop()
	if err := nodeB.tr.Start(); err != nil {
		t.Fatalf("start transport b: %v", err)
	}
	defer nodeB.tr.Stop()

	nodeA.fd.RegisterPeer("node-b")
	nodeB.fd.RegisterPeer("node-a")
	nodeA.fd.Start()
	defer nodeA.fd.Stop()
	nodeB.fd.Start()
	defer nodeB.fd.Stop()

	nodeA.raft.Start()
	defer nodeA.raft.Stop()
	nodeB.raft.Start()
	defer nodeB.raft.Stop()

	nodeA.locks.Start()
	defer nodeA.locks.Stop()
	nodeB.locks.Start()
	defer nodeB.locks.Stop()

	deadline := time.Now().Add(3 * time.Second)
	var leader *Node
	for time.Now().Before(deadline) {
		if nodeA.raft.IsLeader() {
			leader = nodeA
		} else if nodeB.raft.IsLeader() {
			leader = nodeB
		}
		if leader != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if leader == nil {
		t.Fatal("no leader elected within the deadline")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	granted, err := leader.locks.AcquireLock(ctx, "resource-1", lock.Exclusive, time.Second)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if !granted {
		t.Fatal("expected the leader's own lock acquire to be granted")
	}

	status := leader.GetStatus()
	if status.RaftState != "LEADER" {
		t.Errorf("GetStatus().RaftState = %q, want LEADER", status.RaftState)
	}
}
