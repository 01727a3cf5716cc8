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
Package lock implements the distributed lock manager: shared/exclusive
grants applied only on Raft commit, a wait-for graph fed by denied
requests, periodic DFS deadlock detection with youngest-waiter-abort
resolution, and an expiry reaper. Non-leader acquire/release calls are
forwarded to the current leader over the transport; the forwarded request
is advisory only, re-submitted through the leader's own Raft log exactly
as a local call would be.
*/
package lock

import (
	"context"
	"sort"
	"sync"
	"time"

	derrors "distsync/internal/errors"
	"distsync/internal/logging"
	"distsync/internal/raft"
	"distsync/internal/transport"
)

// Mode is a lock's acquisition mode.
type Mode string

const (
	Shared    Mode = "shared"
	Exclusive Mode = "exclusive"
)

// waiter is one pending acquire request.
type waiter struct {
	NodeID    string
	Mode      Mode
	EnqueueAt time.Time
}

// Lock is one named lock's live state.
type Lock struct {
	ID        string
	Mode      Mode
	Holders   map[string]bool
	Waiters   []waiter
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Manager owns the lock table, the wait-for graph, and the background
// deadlock/expiry sweeps. It is driven exclusively from raft.Node's
// onCommit callback; AcquireLock/ReleaseLock only submit commands and poll.
type Manager struct {
	nodeID            string
	tr                *transport.Transport
	raftNode          *raft.Node
	log               *logging.Logger
	lockTimeout       time.Duration
	deadlockInterval  time.Duration
	expiryInterval    time.Duration

	mu        sync.Mutex
	locks     map[string]*Lock
	nodeLocks map[string]map[string]bool
	waitFor   map[string]map[string]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager returns a Manager bound to tr/raftNode. RegisterHandler calls
// wire the direct lock_request/lock_release forwarding path; the caller
// must still register raftNode's onCommit to call ApplyCommand.
func NewManager(nodeID string, tr *transport.Transport, raftNode *raft.Node, log *logging.Logger, lockTimeout, deadlockInterval, expiryInterval time.Duration) *Manager {
	m := &Manager{
		nodeID:           nodeID,
		tr:               tr,
		raftNode:         raftNode,
		log:              log,
		lockTimeout:      lockTimeout,
		deadlockInterval: deadlockInterval,
		expiryInterval:   expiryInterval,
		locks:            make(map[string]*Lock),
		nodeLocks:        make(map[string]map[string]bool),
		waitFor:          make(map[string]map[string]bool),
		stopCh:           make(chan struct{}),
	}
	tr.RegisterHandler(transport.MsgLockRequest, m.handleLockRequestRPC)
	tr.RegisterHandler(transport.MsgLockRelease, m.handleLockReleaseRPC)
	return m
}

// Start launches the deadlock-detection and expiry-reaper background loops.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.deadlockLoop()
	go m.expiryLoop()
}

// Stop halts both background loops.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// ApplyCommand is raft's onCommit entry point: it must be the only path
// that mutates lock state, so grants are only ever visible after the
// command committed.
func (m *Manager) ApplyCommand(command interface{}) {
	fields, ok := command.(map[string]interface{})
	if !ok {
		return
	}
	op, _ := fields["op"].(string)
	switch op {
	case "acquire_lock":
		lockID, _ := fields["lock_id"].(string)
		nodeID, _ := fields["node_id"].(string)
		modeStr, _ := fields["mode"].(string)
		m.applyAcquire(lockID, nodeID, Mode(modeStr))
	case "release_lock":
		lockID, _ := fields["lock_id"].(string)
		nodeID, _ := fields["node_id"].(string)
		m.applyRelease(lockID, nodeID)
	}
}

// AcquireLock submits an acquire command through Raft (forwarding to the
// leader if this node isn't one) and polls the local mirror until this
// node holds the lock or timeout elapses.
func (m *Manager) AcquireLock(ctx context.Context, lockID string, mode Mode, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = m.lockTimeout
	}
	cmd := map[string]interface{}{
		"op":      "acquire_lock",
		"lock_id": lockID,
		"mode":    string(mode),
		"node_id": m.nodeID,
		"timeout": timeout.Seconds(),
	}

	if !m.raftNode.SubmitCommand(cmd) {
		granted, err := m.forwardAcquire(ctx, lockID, mode, timeout)
		if err != nil {
			return false, err
		}
		if !granted {
			return false, nil
		}
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		if m.holds(lockID, m.nodeID) {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
	return false, derrors.LockTimeout(lockID)
}

// ReleaseLock submits a release command through Raft, forwarding to the
// leader if necessary.
func (m *Manager) ReleaseLock(ctx context.Context, lockID string) error {
	cmd := map[string]interface{}{
		"op":      "release_lock",
		"lock_id": lockID,
		"node_id": m.nodeID,
	}
	if m.raftNode.SubmitCommand(cmd) {
		return nil
	}
	return m.forwardRelease(ctx, lockID)
}

func (m *Manager) holds(lockID, nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[lockID]
	if !ok {
		return false
	}
	return l.Holders[nodeID]
}

// forwardAcquire sends a direct lock_request to the believed leader. The
// receiving leader re-submits it through its own Raft log; this response
// is advisory only and never itself grants the lock.
func (m *Manager) forwardAcquire(ctx context.Context, lockID string, mode Mode, timeout time.Duration) (bool, error) {
	leader := m.raftNode.GetLeader()
	if leader == "" || leader == m.nodeID {
		return false, derrors.LockNotLeader()
	}
	payload := map[string]interface{}{
		"lock_id":   lockID,
		"lock_type": string(mode),
		"node_id":   m.nodeID,
		"timeout":   timeout.Seconds(),
	}
	msg, err := transport.NewMessage(transport.MsgLockRequest, m.nodeID, payload, "")
	if err != nil {
		return false, err
	}
	resp, err := m.tr.Send(ctx, leader, msg, true, timeout)
	if err != nil {
		return false, derrors.LockForwardFailed(lockID, err)
	}
	var reply struct {
		Granted bool `json:"granted"`
	}
	if err := resp.Unmarshal(&reply); err != nil {
		return false, derrors.LockForwardFailed(lockID, err)
	}
	return reply.Granted, nil
}

func (m *Manager) forwardRelease(ctx context.Context, lockID string) error {
	leader := m.raftNode.GetLeader()
	if leader == "" || leader == m.nodeID {
		return derrors.LockNotLeader()
	}
	payload := map[string]interface{}{"lock_id": lockID, "node_id": m.nodeID}
	msg, err := transport.NewMessage(transport.MsgLockRelease, m.nodeID, payload, "")
	if err != nil {
		return err
	}
	if _, err := m.tr.Send(ctx, leader, msg, true, m.lockTimeout); err != nil {
		return derrors.LockForwardFailed(lockID, err)
	}
	return nil
}

// handleLockRequestRPC is the receiving side of forwardAcquire: the leader
// re-submits the request through its own Raft log and reports whether it
// was accepted into the log (not whether it is granted yet).
func (m *Manager) handleLockRequestRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		LockID   string  `json:"lock_id"`
		LockType string  `json:"lock_type"`
		NodeID   string  `json:"node_id"`
		Timeout  float64 `json:"timeout"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	cmd := map[string]interface{}{
		"op":      "acquire_lock",
		"lock_id": req.LockID,
		"mode":    req.LockType,
		"node_id": req.NodeID,
		"timeout": req.Timeout,
	}
	accepted := m.raftNode.SubmitCommand(cmd)
	return map[string]interface{}{"granted": accepted, "lock_id": req.LockID}, nil
}

func (m *Manager) handleLockReleaseRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		LockID string `json:"lock_id"`
		NodeID string `json:"node_id"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	cmd := map[string]interface{}{"op": "release_lock", "lock_id": req.LockID, "node_id": req.NodeID}
	m.raftNode.SubmitCommand(cmd)
	return map[string]interface{}{"status": "released", "lock_id": req.LockID}, nil
}

// applyAcquire implements the grant rules from apply time: create-if-
// absent, grant if no holders, grant if both shared, else enqueue a
// waiter and update the wait-for graph.
func (m *Manager) applyAcquire(lockID, nodeID string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	l, ok := m.locks[lockID]
	if !ok {
		l = &Lock{
			ID:        lockID,
			Mode:      mode,
			Holders:   make(map[string]bool),
			CreatedAt: now,
			ExpiresAt: now.Add(m.lockTimeout),
		}
		m.locks[lockID] = l
	}

	switch {
	case len(l.Holders) == 0:
		l.Mode = mode
		l.Holders[nodeID] = true
		m.addNodeLock(nodeID, lockID)
		m.clearWaitFor(nodeID)
	case l.Mode == Shared && mode == Shared:
		l.Holders[nodeID] = true
		m.addNodeLock(nodeID, lockID)
		m.clearWaitFor(nodeID)
	default:
		l.Waiters = append(l.Waiters, waiter{NodeID: nodeID, Mode: mode, EnqueueAt: now})
		blocked := make(map[string]bool, len(l.Holders))
		for h := range l.Holders {
			blocked[h] = true
		}
		m.waitFor[nodeID] = blocked
	}
}

// applyRelease implements the release rules: drop the holder, promote the
// head waiter (and any trailing shared waiters if the head was shared),
// and drop the lock entirely once both holders and waiters are empty.
func (m *Manager) applyRelease(lockID, nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(lockID, nodeID)
}

func (m *Manager) releaseLocked(lockID, nodeID string) {
	l, ok := m.locks[lockID]
	if !ok {
		return
	}
	delete(l.Holders, nodeID)
	m.removeNodeLock(nodeID, lockID)

	if len(l.Holders) == 0 && len(l.Waiters) > 0 {
		head := l.Waiters[0]
		l.Waiters = l.Waiters[1:]
		l.Mode = head.Mode
		l.Holders[head.NodeID] = true
		m.addNodeLock(head.NodeID, lockID)
		m.clearWaitFor(head.NodeID)

		if head.Mode == Shared {
			remaining := l.Waiters[:0]
			for _, w := range l.Waiters {
				if w.Mode == Shared {
					l.Holders[w.NodeID] = true
					m.addNodeLock(w.NodeID, lockID)
					m.clearWaitFor(w.NodeID)
				} else {
					remaining = append(remaining, w)
				}
			}
			l.Waiters = remaining
		}
	}

	if len(l.Holders) == 0 && len(l.Waiters) == 0 {
		delete(m.locks, lockID)
	}
}

func (m *Manager) addNodeLock(nodeID, lockID string) {
	if m.nodeLocks[nodeID] == nil {
		m.nodeLocks[nodeID] = make(map[string]bool)
	}
	m.nodeLocks[nodeID][lockID] = true
}

func (m *Manager) removeNodeLock(nodeID, lockID string) {
	if set, ok := m.nodeLocks[nodeID]; ok {
		delete(set, lockID)
		if len(set) == 0 {
			delete(m.nodeLocks, nodeID)
		}
	}
}

func (m *Manager) clearWaitFor(nodeID string) {
	delete(m.waitFor, nodeID)
}

func (m *Manager) deadlockLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.deadlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.detectAndResolve()
		}
	}
}

// detectAndResolve runs DFS cycle detection over the wait-for graph and
// aborts the youngest waiter (largest earliest-wait timestamp) in each
// cycle found, breaking ties by NodeId.
func (m *Manager) detectAndResolve() {
	m.mu.Lock()
	defer m.mu.Unlock()

	graph := make(map[string]map[string]bool, len(m.waitFor))
	for k, v := range m.waitFor {
		graph[k] = v
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var cycles [][]string

	var dfs func(node string, path []string)
	dfs = func(node string, path []string) {
		visited[node] = true
		onStack[node] = true
		path = append(path, node)

		neighbors := make([]string, 0, len(graph[node]))
		for n := range graph[node] {
			neighbors = append(neighbors, n)
		}
		sort.Strings(neighbors)

		for _, neighbor := range neighbors {
			if !visited[neighbor] {
				dfs(neighbor, path)
			} else if onStack[neighbor] {
				for i, n := range path {
					if n == neighbor {
						cycle := append([]string(nil), path[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		onStack[node] = false
	}

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	for _, n := range nodes {
		if !visited[n] {
			dfs(n, nil)
		}
	}

	for _, cycle := range cycles {
		m.resolveCycleLocked(cycle)
	}
}

func (m *Manager) resolveCycleLocked(cycle []string) {
	var youngest string
	var youngestTime time.Time
	for _, node := range cycle {
		t, ok := m.earliestWaitLocked(node)
		if !ok {
			continue
		}
		switch {
		case youngest == "":
			youngest, youngestTime = node, t
		case t.After(youngestTime):
			youngest, youngestTime = node, t
		case t.Equal(youngestTime) && node > youngest:
			youngest = node
		}
	}
	if youngest == "" {
		return
	}
	m.log.Warn("deadlock detected, aborting youngest waiter", "node", youngest, "cycle", cycle)

	for lockID := range m.nodeLocks[youngest] {
		m.releaseLocked(lockID, youngest)
	}
	for _, l := range m.locks {
		kept := l.Waiters[:0]
		for _, w := range l.Waiters {
			if w.NodeID != youngest {
				kept = append(kept, w)
			}
		}
		l.Waiters = kept
	}
	m.clearWaitFor(youngest)
}

func (m *Manager) earliestWaitLocked(nodeID string) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, l := range m.locks {
		for _, w := range l.Waiters {
			if w.NodeID == nodeID && (!found || w.EnqueueAt.Before(earliest)) {
				earliest = w.EnqueueAt
				found = true
			}
		}
	}
	return earliest, found
}

func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.expiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

func (m *Manager) reapExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for lockID, l := range m.locks {
		if now.After(l.ExpiresAt) {
			m.log.Warn("lock expired, releasing", "lock_id", lockID)
			for holder := range l.Holders {
				m.removeNodeLock(holder, lockID)
			}
			delete(m.locks, lockID)
		}
	}
}

// Status reports a snapshot of lock-table occupancy, mirroring the
// teacher's status/introspection helpers.
type Status struct {
	TotalLocks int
	Locks      map[string]LockStatus
}

// LockStatus is one lock's externally visible snapshot.
type LockStatus struct {
	Mode    Mode
	Holders []string
	Waiters int
}

// GetStatus returns a point-in-time snapshot of every live lock.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Status{TotalLocks: len(m.locks), Locks: make(map[string]LockStatus, len(m.locks))}
	for id, l := range m.locks {
		holders := make([]string, 0, len(l.Holders))
		for h := range l.Holders {
			holders = append(holders, h)
		}
		sort.Strings(holders)
		s.Locks[id] = LockStatus{Mode: l.Mode, Holders: holders, Waiters: len(l.Waiters)}
	}
	return s
}
