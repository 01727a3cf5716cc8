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

package raft

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"distsync/internal/compression"
	"distsync/internal/logging"
	"distsync/internal/transport"
)

func newTestNode(id string) *Node {
	tr := transport.New(id, "127.0.0.1:0", nil, logging.NewLogger(id))
	return New(id, tr, DefaultConfig(), logging.NewLogger(id), nil)
}

func TestHandleRequestVoteGrantsWhenLogUpToDate(t *testing.T) {
	n := newTestNode("node-a")
	reply := n.handleRequestVote(requestVoteArgs{
		Term:         1,
		CandidateID:  "node-b",
		LastLogIndex: 0,
		LastLogTerm:  0,
	})
	if !reply.VoteGranted {
		t.Fatal("expected vote to be granted for an equally up-to-date candidate on a higher term")
	}
	if n.GetTerm() != 1 {
		t.Errorf("term = %d, want 1", n.GetTerm())
	}
}

func TestHandleRequestVoteRejectsStaleTerm(t *testing.T) {
	n := newTestNode("node-a")
	n.mu.Lock()
	n.currentTerm = 5
	n.mu.Unlock()

	reply := n.handleRequestVote(requestVoteArgs{Term: 3, CandidateID: "node-b"})
	if reply.VoteGranted {
		t.Fatal("expected vote to be rejected for a stale term")
	}
	if reply.Term != 5 {
		t.Errorf("reply term = %d, want 5", reply.Term)
	}
}

func TestHandleRequestVoteRejectsSecondCandidateSameTerm(t *testing.T) {
	n := newTestNode("node-a")
	first := n.handleRequestVote(requestVoteArgs{Term: 1, CandidateID: "node-b"})
	if !first.VoteGranted {
		t.Fatal("expected first vote to be granted")
	}
	second := n.handleRequestVote(requestVoteArgs{Term: 1, CandidateID: "node-c"})
	if second.VoteGranted {
		t.Fatal("expected second candidate in the same term to be rejected (split-vote boundary)")
	}
}

func TestHandleAppendEntriesSameTermHeartbeatDoesNotClearVote(t *testing.T) {
	n := newTestNode("node-a")
	vote := n.handleRequestVote(requestVoteArgs{Term: 1, CandidateID: "node-b"})
	if !vote.VoteGranted {
		t.Fatal("expected vote for node-b to be granted")
	}

	heartbeat := n.handleAppendEntries(appendEntriesArgs{Term: 1, LeaderID: "node-b"})
	if !heartbeat.Success {
		t.Fatal("expected same-term heartbeat from the elected leader to succeed")
	}

	second := n.handleRequestVote(requestVoteArgs{Term: 1, CandidateID: "node-c"})
	if second.VoteGranted {
		t.Fatal("a same-term heartbeat must not clear votedFor and allow a second grant in term 1")
	}
}

func TestHandleRequestVoteRejectsStaleLog(t *testing.T) {
	n := newTestNode("node-a")
	n.mu.Lock()
	n.entries = append(n.entries, LogEntry{Term: 3, Index: 1})
	n.mu.Unlock()

	reply := n.handleRequestVote(requestVoteArgs{
		Term:         4,
		CandidateID:  "node-b",
		LastLogIndex: 0,
		LastLogTerm:  1,
	})
	if reply.VoteGranted {
		t.Fatal("expected vote to be rejected when candidate's log is behind ours")
	}
}

func TestHandleAppendEntriesBaseCaseAtPrevLogIndexZero(t *testing.T) {
	n := newTestNode("node-a")
	reply := n.handleAppendEntries(appendEntriesArgs{
		Term:         1,
		LeaderID:     "node-b",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []LogEntry{{Term: 1, Index: 1, Command: "set x 1"}},
	})
	if !reply.Success {
		t.Fatal("expected success appending against the seeded no-op base entry")
	}
	if got := n.lastLogIndexLocked(); got != 1 {
		t.Errorf("lastLogIndex = %d, want 1", got)
	}
}

func TestHandleAppendEntriesRejectsTermMismatch(t *testing.T) {
	n := newTestNode("node-a")
	n.mu.Lock()
	n.entries = append(n.entries, LogEntry{Term: 2, Index: 1})
	n.mu.Unlock()

	reply := n.handleAppendEntries(appendEntriesArgs{
		Term:         3,
		LeaderID:     "node-b",
		PrevLogIndex: 1,
		PrevLogTerm:  5,
	})
	if reply.Success {
		t.Fatal("expected failure on prevLogTerm mismatch")
	}
	if reply.ConflictTerm != 2 {
		t.Errorf("ConflictTerm = %d, want 2", reply.ConflictTerm)
	}
}

func TestHandleAppendEntriesRejectsLowerTerm(t *testing.T) {
	n := newTestNode("node-a")
	n.mu.Lock()
	n.currentTerm = 9
	n.mu.Unlock()

	reply := n.handleAppendEntries(appendEntriesArgs{Term: 2, LeaderID: "node-b"})
	if reply.Success {
		t.Fatal("expected append from a stale-term leader to be rejected")
	}
	if reply.Term != 9 {
		t.Errorf("reply term = %d, want 9", reply.Term)
	}
}

// fakeFencer reports a fixed set of peers as fenced, standing in for the
// failure detector's Monitor in tests.
type fakeFencer map[string]bool

func (f fakeFencer) IsFenced(peer string) bool { return f[peer] }

func TestHandleRequestVoteRejectsFencedCandidate(t *testing.T) {
	n := newTestNode("node-a")
	n.SetFencer(fakeFencer{"node-b": true})

	reply := n.handleRequestVote(requestVoteArgs{Term: 1, CandidateID: "node-b"})
	if reply.VoteGranted {
		t.Fatal("expected vote to be rejected for a fenced candidate")
	}
	if n.GetTerm() != 0 {
		t.Errorf("term = %d, want 0 (fenced request must not even be examined)", n.GetTerm())
	}
}

func TestHandleAppendEntriesRejectsFencedLeader(t *testing.T) {
	n := newTestNode("node-a")
	n.SetFencer(fakeFencer{"node-b": true})

	reply := n.handleAppendEntries(appendEntriesArgs{Term: 1, LeaderID: "node-b"})
	if reply.Success {
		t.Fatal("expected append from a fenced leader to be rejected")
	}
	if n.GetTerm() != 0 {
		t.Errorf("term = %d, want 0 (fenced append must not advance our term)", n.GetTerm())
	}
}

func TestHandleAppendEntriesAdoptsLeaderCommitBoundedByLastLogIndex(t *testing.T) {
	n := newTestNode("node-a")
	reply := n.handleAppendEntries(appendEntriesArgs{
		Term:         1,
		LeaderID:     "node-b",
		PrevLogIndex: 0,
		PrevLogTerm:  0,
		Entries:      []LogEntry{{Term: 1, Index: 1}},
		LeaderCommit: 99,
	})
	if !reply.Success {
		t.Fatal("expected success")
	}
	n.mu.Lock()
	commit := n.commitIndex
	n.mu.Unlock()
	if commit != 1 {
		t.Errorf("commitIndex = %d, want 1 (bounded by lastLogIndex)", commit)
	}
}

// TestHandleAppendEntriesDecompressesEntriesBatch compresses a batch of
// entries with the leader's compressor, sends it as EntriesCompressed, and
// checks that handleAppendEntries transparently recovers the original
// entries.
func TestHandleAppendEntriesDecompressesEntriesBatch(t *testing.T) {
	leader := newTestNode("node-a")
	leader.SetCompressor(compression.NewCompressor(compression.Config{Algorithm: compression.AlgorithmSnappy, MinSize: 1}), 16)

	var big []LogEntry
	for i := 1; i <= 50; i++ {
		big = append(big, LogEntry{Term: 1, Index: i, Command: "payload-for-entry-number-padding-out-the-batch"})
	}
	raw, err := json.Marshal(big)
	if err != nil {
		t.Fatalf("marshal entries: %v", err)
	}
	packed, err := leader.compressor.Compress(raw)
	if err != nil {
		t.Fatalf("compress entries: %v", err)
	}

	follower := newTestNode("node-b")
	reply := follower.handleAppendEntries(appendEntriesArgs{
		Term:              1,
		LeaderID:          "node-a",
		PrevLogIndex:      0,
		PrevLogTerm:       0,
		EntriesCompressed: packed,
	})
	if !reply.Success {
		t.Fatal("expected success applying a compressed entries batch")
	}
	if got := follower.lastLogIndexLocked(); got != 50 {
		t.Errorf("lastLogIndex = %d, want 50 after decompressing the batch", got)
	}
}

func mustFreeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// TestThreeNodeClusterElectsLeaderAndReplicates wires three raft.Node over
// real transports, waits for a leader to emerge, submits a command, and
// checks every node eventually applies it.
func TestThreeNodeClusterElectsLeaderAndReplicates(t *testing.T) {
	ids := []string{"node-a", "node-b", "node-c"}
	addrs := map[string]string{}
	for _, id := range ids {
		addrs[id] = mustFreeAddr(t)
	}

	var mu sync.Mutex
	applied := map[string][]interface{}{}

	trs := map[string]*transport.Transport{}
	nodes := map[string]*Node{}
	cfg := Config{
		ElectionTimeoutMin: 60 * time.Millisecond,
		ElectionTimeoutMax: 120 * time.Millisecond,
		HeartbeatInterval:  20 * time.Millisecond,
	}

	for _, id := range ids {
		id := id
		tr := transport.New(id, addrs[id], nil, logging.NewLogger(id))
		onCommit := func(cmd interface{}) {
			mu.Lock()
			applied[id] = append(applied[id], cmd)
			mu.Unlock()
		}
		n := New(id, tr, cfg, logging.NewLogger(id), onCommit)
		trs[id] = tr
		nodes[id] = n
	}

	for _, id := range ids {
		if err := trs[id].Start(); err != nil {
			t.Fatalf("transport start %s: %v", id, err)
		}
		defer trs[id].Stop()
	}
	for _, id := range ids {
		for _, peer := range ids {
			if peer == id {
				continue
			}
			if err := trs[id].AddPeer(peer, addrs[peer]); err != nil {
				t.Fatalf("AddPeer %s->%s: %v", id, peer, err)
			}
		}
	}

	for _, id := range ids {
		nodes[id].Start()
		defer nodes[id].Stop()
	}

	deadline := time.Now().Add(3 * time.Second)
	var leader *Node
	for time.Now().Before(deadline) {
		for _, id := range ids {
			if nodes[id].IsLeader() {
				leader = nodes[id]
				break
			}
		}
		if leader != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if leader == nil {
		t.Fatal("no leader elected within the deadline")
	}

	if !leader.SubmitCommand("set x 42") {
		t.Fatal("expected the leader to accept a submitted command")
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		allApplied := true
		for _, id := range ids {
			if len(applied[id]) == 0 {
				allApplied = false
			}
		}
		mu.Unlock()
		if allApplied {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	t.Fatalf("not all nodes applied the committed command within the deadline: %+v", applied)
}
