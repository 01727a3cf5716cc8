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
Package raft implements the consensus engine: leader election, log
replication, and commit advancement, riding on internal/transport for RPC
instead of owning a socket. A Node is handed a *transport.Transport already
bound to peers and registers handlers for the two Raft RPCs
(request_vote and append_entries), whose replies come back as correlated
responses; SubmitCommand/onCommit are the only points where the rest of the system
touches consensus. SetCompressor lets a large AppendEntries batch travel
compressed instead of as raw JSON.
*/
package raft

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"distsync/internal/compression"
	derrors "distsync/internal/errors"
	"distsync/internal/logging"
	"distsync/internal/transport"
)

// State is a node's role in the Raft state machine.
type State int32

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// LogEntry is one command accepted into the replicated log.
type LogEntry struct {
	Term      uint64      `json:"term"`
	Index     int         `json:"index"`
	Command   interface{} `json:"command"`
	Timestamp float64     `json:"timestamp"`
}

// Config controls election/heartbeat timing, matching SPEC_FULL defaults.
type Config struct {
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
}

// DefaultConfig returns the 150-300ms election range / 50ms heartbeat
// defaults named in the wire contract.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
	}
}

// requestVoteArgs/Reply and appendEntriesArgs/Reply are the JSON payloads
// carried inside transport.Message.Data for the four Raft message types.

type requestVoteArgs struct {
	Term         uint64 `json:"term"`
	CandidateID  string `json:"candidate_id"`
	LastLogIndex int    `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type requestVoteReply struct {
	Term        uint64 `json:"term"`
	VoteGranted bool   `json:"vote_granted"`
}

type appendEntriesArgs struct {
	Term         uint64     `json:"term"`
	LeaderID     string     `json:"leader_id"`
	PrevLogIndex int        `json:"prev_log_index"`
	PrevLogTerm  uint64     `json:"prev_log_term"`
	Entries      []LogEntry `json:"entries,omitempty"`
	LeaderCommit int        `json:"leader_commit"`

	// EntriesCompressed carries Entries as a compressed JSON blob instead,
	// set when the uncompressed encoding would exceed CompressionThreshold.
	EntriesCompressed *compression.CompressedEntry `json:"entries_compressed,omitempty"`
}

type appendEntriesReply struct {
	Term          uint64 `json:"term"`
	Success       bool   `json:"success"`
	ConflictIndex int    `json:"conflict_index"`
	ConflictTerm  uint64 `json:"conflict_term"`
}

// Node is one participant in the Raft cluster.
type Node struct {
	id     string
	tr     *transport.Transport
	cfg    Config
	log    *logging.Logger
	onCommit func(command interface{})

	mu          sync.Mutex
	state       State
	currentTerm uint64
	votedFor    string
	entries     []LogEntry // entries[0] is the seeded no-op at index 0
	commitIndex int
	lastApplied int
	leaderID    string

	nextIndex  map[string]int
	matchIndex map[string]int

	heartbeatCh chan struct{} // signals the election timer to reset
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	applyCh chan struct{}

	compressor           *compression.Compressor
	compressionThreshold int

	fencer Fencer
}

// Fencer reports whether a peer is currently fenced by the failure
// detector. A fenced peer is presumed partitioned and stale; its
// RequestVote and AppendEntries RPCs are rejected until a fresh heartbeat
// clears the fence.
type Fencer interface {
	IsFenced(peer string) bool
}

// SetFencer wires the failure detector's fencing table into the election
// and replication RPC handlers. Safe to call only before Start.
func (n *Node) SetFencer(f Fencer) {
	n.fencer = f
}

// defaultCompressionThreshold is the encoded-entries size, in bytes, above
// which replicateTo compresses the AppendEntries payload instead of sending
// it raw.
const defaultCompressionThreshold = 4096

// SetCompressor enables payload compression for AppendEntries batches whose
// JSON-encoded entries exceed thresholdBytes (0 keeps defaultCompressionThreshold).
// Safe to call only before Start, since it touches no mutex-guarded state.
func (n *Node) SetCompressor(c *compression.Compressor, thresholdBytes int) {
	n.compressor = c
	if thresholdBytes <= 0 {
		thresholdBytes = defaultCompressionThreshold
	}
	n.compressionThreshold = thresholdBytes
}

// New returns a Node bound to tr, which must already know this node's
// peers. onCommit is invoked in index order with each newly committed
// command; it must not block for long since it runs on the apply loop.
func New(nodeID string, tr *transport.Transport, cfg Config, log *logging.Logger, onCommit func(command interface{})) *Node {
	n := &Node{
		id:          nodeID,
		tr:          tr,
		cfg:         cfg,
		log:         log,
		onCommit:    onCommit,
		state:       Follower,
		entries:     []LogEntry{{Term: 0, Index: 0, Command: nil}},
		commitIndex: 0,
		lastApplied: 0,
		nextIndex:   make(map[string]int),
		matchIndex:  make(map[string]int),
		heartbeatCh: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		applyCh:     make(chan struct{}, 1),
	}
	tr.RegisterHandler(transport.MsgRequestVote, n.handleRequestVoteRPC)
	tr.RegisterHandler(transport.MsgAppendEntries, n.handleAppendEntriesRPC)
	return n
}

// Start launches the election timer and apply loop.
func (n *Node) Start() {
	n.wg.Add(2)
	go n.runElectionTimer()
	go n.runApplyLoop()
}

// Stop halts every background loop.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
}

// GetState returns the node's current role.
func (n *Node) GetState() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// GetTerm returns the node's current term.
func (n *Node) GetTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == Leader
}

// GetLeader returns the last known leader id, which may be stale or empty.
func (n *Node) GetLeader() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

// randomElectionTimeout returns a duration chosen uniformly within
// [ElectionTimeoutMin, ElectionTimeoutMax], strictly within the configured
// range rather than an unbounded jitter above a base.
func (n *Node) randomElectionTimeout() time.Duration {
	lo := n.cfg.ElectionTimeoutMin
	hi := n.cfg.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + time.Duration(rand.Int63n(int64(span)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.heartbeatCh <- struct{}{}:
	default:
	}
}

func (n *Node) runElectionTimer() {
	defer n.wg.Done()
	timer := time.NewTimer(n.randomElectionTimeout())
	defer timer.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.heartbeatCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(n.randomElectionTimeout())
		case <-timer.C:
			n.mu.Lock()
			isLeader := n.state == Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection()
			}
			timer.Reset(n.randomElectionTimeout())
		}
	}
}

// SubmitCommand appends command to the log if this node is leader,
// returning whether it was accepted. Replication happens on the next
// heartbeat tick.
func (n *Node) SubmitCommand(command interface{}) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader {
		return false
	}
	entry := LogEntry{
		Term:      n.currentTerm,
		Index:     len(n.entries),
		Command:   command,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}
	n.entries = append(n.entries, entry)
	return true
}

func (n *Node) lastLogIndexLocked() int {
	return len(n.entries) - 1
}

func (n *Node) lastLogTermLocked() uint64 {
	return n.entries[len(n.entries)-1].Term
}

// stepDownLocked transitions to follower for a newly observed term. Caller
// must hold n.mu.
func (n *Node) stepDownLocked(term uint64) {
	n.currentTerm = term
	n.state = Follower
	n.votedFor = ""
}

func (n *Node) startElection() {
	n.mu.Lock()
	if n.state == Leader {
		n.mu.Unlock()
		return
	}
	n.state = Candidate
	n.currentTerm++
	term := n.currentTerm
	n.votedFor = n.id
	lastIndex := n.lastLogIndexLocked()
	lastTerm := n.lastLogTermLocked()
	n.mu.Unlock()

	n.log.Info("starting election", "term", term)

	peers := n.tr.PeerIDs()
	votesNeeded := (len(peers)+1)/2 + 1
	votes := 1 // vote for self

	var mu sync.Mutex
	var wg sync.WaitGroup
	becameLeader := false

	for _, peerID := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			reply, ok := n.sendRequestVote(peer, term, lastIndex, lastTerm)
			if !ok {
				return
			}

			n.mu.Lock()
			if reply.Term > n.currentTerm {
				n.stepDownLocked(reply.Term)
				n.mu.Unlock()
				return
			}
			stillCandidate := n.state == Candidate && n.currentTerm == term
			n.mu.Unlock()
			if !stillCandidate || !reply.VoteGranted {
				return
			}

			mu.Lock()
			votes++
			if votes >= votesNeeded && !becameLeader {
				becameLeader = true
				mu.Unlock()
				n.becomeLeader(term)
				return
			}
			mu.Unlock()
		}(peerID)
	}
	wg.Wait()
}

func (n *Node) sendRequestVote(peer string, term uint64, lastIndex int, lastTerm uint64) (*requestVoteReply, bool) {
	args := requestVoteArgs{
		Term:         term,
		CandidateID:  n.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	msg, err := transport.NewMessage(transport.MsgRequestVote, n.id, args, "")
	if err != nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.ElectionTimeoutMin)
	defer cancel()
	resp, err := n.tr.Send(ctx, peer, msg, true, n.cfg.ElectionTimeoutMin)
	if err != nil {
		return nil, false
	}
	var reply requestVoteReply
	if err := resp.Unmarshal(&reply); err != nil {
		return nil, false
	}
	return &reply, true
}

func (n *Node) becomeLeader(term uint64) {
	n.mu.Lock()
	if n.state != Candidate || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	n.state = Leader
	n.leaderID = n.id
	// A no-op entry is appended so the current-term commit restriction
	// (see advanceCommitIndex) can still advance commitIndex past
	// entries inherited from prior leaders.
	n.entries = append(n.entries, LogEntry{Term: term, Index: len(n.entries), Command: nil})
	lastIndex := len(n.entries)
	for _, peer := range n.tr.PeerIDs() {
		n.nextIndex[peer] = lastIndex
		n.matchIndex[peer] = 0
	}
	n.mu.Unlock()

	n.log.Info("became leader", "term", term)
	n.wg.Add(1)
	go n.leaderLoop(term)
}

// leaderLoop issues AppendEntries to every peer every HeartbeatInterval
// until this node steps down from term.
func (n *Node) leaderLoop(term uint64) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.mu.Lock()
			stillLeader := n.state == Leader && n.currentTerm == term
			n.mu.Unlock()
			if !stillLeader {
				return
			}
			n.replicateToAll(term)
		}
	}
}

func (n *Node) replicateToAll(term uint64) {
	peers := n.tr.PeerIDs()
	var wg sync.WaitGroup
	for _, peerID := range peers {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			n.replicateTo(peer, term)
		}(peerID)
	}
	wg.Wait()
	n.advanceCommitIndex(term)
	n.signalApply()
}

func (n *Node) replicateTo(peer string, term uint64) {
	n.mu.Lock()
	if n.state != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer]
	if next < 1 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm := n.entries[prevIndex].Term
	entries := append([]LogEntry(nil), n.entries[next:]...)
	args := appendEntriesArgs{
		Term:         term,
		LeaderID:     n.id,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: n.commitIndex,
	}
	n.mu.Unlock()

	if n.compressor != nil && len(entries) > 0 {
		if raw, err := json.Marshal(entries); err == nil && len(raw) >= n.compressionThreshold {
			if packed, err := n.compressor.Compress(raw); err == nil {
				args.EntriesCompressed = packed
			} else {
				args.Entries = entries
			}
		} else {
			args.Entries = entries
		}
	} else {
		args.Entries = entries
	}

	msg, err := transport.NewMessage(transport.MsgAppendEntries, n.id, args, "")
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HeartbeatInterval*4)
	defer cancel()
	resp, err := n.tr.Send(ctx, peer, msg, true, n.cfg.HeartbeatInterval*4)
	if err != nil {
		return
	}
	var reply appendEntriesReply
	if err := resp.Unmarshal(&reply); err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if reply.Term > n.currentTerm {
		n.stepDownLocked(reply.Term)
		return
	}
	if n.state != Leader || n.currentTerm != term {
		return
	}
	if reply.Success {
		n.matchIndex[peer] = prevIndex + len(entries)
		n.nextIndex[peer] = n.matchIndex[peer] + 1
		return
	}

	// Fast backtrack using the follower's conflict hint.
	if reply.ConflictTerm == 0 {
		n.nextIndex[peer] = reply.ConflictIndex
		return
	}
	idx := prevIndex
	for idx > 0 && n.entries[idx].Term > reply.ConflictTerm {
		idx--
	}
	if idx > 0 && n.entries[idx].Term == reply.ConflictTerm {
		n.nextIndex[peer] = idx + 1
	} else {
		n.nextIndex[peer] = reply.ConflictIndex
	}
	if n.nextIndex[peer] < 1 {
		n.nextIndex[peer] = 1
	}
}

// advanceCommitIndex acquires its own lock and advances
// commitIndex to the highest N with a majority matchIndex >= N AND
// entries[N].Term == currentTerm, the mandatory current-term restriction.
func (n *Node) advanceCommitIndex(term uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader || n.currentTerm != term {
		return
	}
	peers := n.tr.PeerIDs()
	majority := (len(peers)+1)/2 + 1

	for N := len(n.entries) - 1; N > n.commitIndex; N-- {
		if n.entries[N].Term != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, peer := range peers {
			if n.matchIndex[peer] >= N {
				count++
			}
		}
		if count >= majority {
			n.commitIndex = N
			break
		}
	}
}

func (n *Node) signalApply() {
	select {
	case n.applyCh <- struct{}{}:
	default:
	}
}

func (n *Node) runApplyLoop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		case <-n.applyCh:
			n.applyCommitted()
		case <-time.After(20 * time.Millisecond):
			n.applyCommitted()
		}
	}
}

func (n *Node) applyCommitted() {
	for {
		n.mu.Lock()
		if n.lastApplied >= n.commitIndex {
			n.mu.Unlock()
			return
		}
		n.lastApplied++
		entry := n.entries[n.lastApplied]
		n.mu.Unlock()

		if entry.Command != nil && n.onCommit != nil {
			n.onCommit(entry.Command)
		}
	}
}

// handleRequestVote implements the RequestVote decision rule.
func (n *Node) handleRequestVote(req requestVoteArgs) requestVoteReply {
	if n.fencer != nil && n.fencer.IsFenced(req.CandidateID) {
		n.mu.Lock()
		term := n.currentTerm
		n.mu.Unlock()
		return requestVoteReply{Term: term, VoteGranted: false}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}
	if req.Term < n.currentTerm {
		return requestVoteReply{Term: n.currentTerm, VoteGranted: false}
	}

	upToDate := req.LastLogTerm > n.lastLogTermLocked() ||
		(req.LastLogTerm == n.lastLogTermLocked() && req.LastLogIndex >= n.lastLogIndexLocked())

	canVote := n.votedFor == "" || n.votedFor == req.CandidateID
	if canVote && upToDate {
		n.votedFor = req.CandidateID
		n.resetElectionTimer()
		return requestVoteReply{Term: n.currentTerm, VoteGranted: true}
	}
	return requestVoteReply{Term: n.currentTerm, VoteGranted: false}
}

// handleAppendEntries implements the AppendEntries decision rule: log
// consistency check, truncate-and-append, and commitIndex adoption.
func (n *Node) handleAppendEntries(req appendEntriesArgs) appendEntriesReply {
	if n.fencer != nil && n.fencer.IsFenced(req.LeaderID) {
		n.mu.Lock()
		term := n.currentTerm
		n.mu.Unlock()
		return appendEntriesReply{Term: term, Success: false}
	}

	if req.EntriesCompressed != nil {
		c := n.compressor
		if c == nil {
			c = compression.NewCompressor(compression.DefaultConfig())
		}
		raw, err := c.Decompress(req.EntriesCompressed)
		if err == nil {
			var entries []LogEntry
			if json.Unmarshal(raw, &entries) == nil {
				req.Entries = entries
			}
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return appendEntriesReply{Term: n.currentTerm, Success: false}
	}

	if req.Term > n.currentTerm {
		n.votedFor = ""
	}
	n.currentTerm = req.Term
	n.state = Follower
	n.leaderID = req.LeaderID
	n.resetElectionTimer()

	if req.PrevLogIndex >= 0 {
		if req.PrevLogIndex > n.lastLogIndexLocked() {
			return appendEntriesReply{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: len(n.entries),
				ConflictTerm:  0,
			}
		}
		if n.entries[req.PrevLogIndex].Term != req.PrevLogTerm {
			conflictTerm := n.entries[req.PrevLogIndex].Term
			idx := req.PrevLogIndex
			for idx > 0 && n.entries[idx-1].Term == conflictTerm {
				idx--
			}
			return appendEntriesReply{
				Term:          n.currentTerm,
				Success:       false,
				ConflictIndex: idx,
				ConflictTerm:  conflictTerm,
			}
		}
	}

	insertAt := req.PrevLogIndex + 1
	n.entries = append(n.entries[:insertAt:insertAt], req.Entries...)

	if req.LeaderCommit > n.commitIndex {
		newCommit := req.LeaderCommit
		if lastIdx := n.lastLogIndexLocked(); newCommit > lastIdx {
			newCommit = lastIdx
		}
		n.commitIndex = newCommit
	}

	return appendEntriesReply{Term: n.currentTerm, Success: true}
}

func (n *Node) handleRequestVoteRPC(msg *transport.Message) (interface{}, error) {
	var req requestVoteArgs
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	reply := n.handleRequestVote(req)
	return reply, nil
}

func (n *Node) handleAppendEntriesRPC(msg *transport.Message) (interface{}, error) {
	var req appendEntriesArgs
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	reply := n.handleAppendEntries(req)
	n.signalApply()
	return reply, nil
}
