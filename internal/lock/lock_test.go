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

package lock

import (
	"testing"
	"time"

	"distsync/internal/logging"
	"distsync/internal/raft"
	"distsync/internal/transport"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tr := transport.New("node-a", "127.0.0.1:0", nil, logging.NewLogger("lock-test"))
	rn := raft.New("node-a", tr, raft.DefaultConfig(), logging.NewLogger("lock-test"), nil)
	return NewManager("node-a", tr, rn, logging.NewLogger("lock-test"), 30*time.Second, 5*time.Second, 5*time.Second)
}

func TestApplyAcquireGrantsWhenNoHolders(t *testing.T) {
	m := newTestManager(t)
	m.applyAcquire("L", "node-a", Exclusive)
	if !m.holds("L", "node-a") {
		t.Fatal("expected first acquire on an unheld lock to grant immediately")
	}
}

func TestApplyAcquireExclusiveBlocksSecondRequester(t *testing.T) {
	m := newTestManager(t)
	m.applyAcquire("L", "node-a", Exclusive)
	m.applyAcquire("L", "node-b", Exclusive)

	if m.holds("L", "node-b") {
		t.Fatal("expected node-b to be queued, not granted, while node-a holds an exclusive lock")
	}
	status := m.GetStatus()
	if status.Locks["L"].Waiters != 1 {
		t.Errorf("waiters = %d, want 1", status.Locks["L"].Waiters)
	}
}

func TestApplySharedGrantsToMultipleHolders(t *testing.T) {
	m := newTestManager(t)
	m.applyAcquire("L", "node-a", Shared)
	m.applyAcquire("L", "node-b", Shared)

	if !m.holds("L", "node-a") || !m.holds("L", "node-b") {
		t.Fatal("expected both shared requesters to hold the lock simultaneously")
	}
}

// TestLockConflictEndToEnd mirrors spec's literal scenario 3: A holds
// exclusive L, B requests L exclusive and is queued, A releases, B is then
// granted.
func TestLockConflictEndToEnd(t *testing.T) {
	m := newTestManager(t)
	m.applyAcquire("L", "node-a", Exclusive)
	m.applyAcquire("L", "node-b", Exclusive)

	if m.holds("L", "node-b") {
		t.Fatal("node-b should not hold the lock while node-a does")
	}

	m.applyRelease("L", "node-a")

	if !m.holds("L", "node-b") {
		t.Fatal("expected node-b to be granted the lock once node-a released it")
	}
}

func TestReleaseRemovesLockWhenNoHoldersOrWaiters(t *testing.T) {
	m := newTestManager(t)
	m.applyAcquire("L", "node-a", Exclusive)
	m.applyRelease("L", "node-a")

	m.mu.Lock()
	_, exists := m.locks["L"]
	m.mu.Unlock()
	if exists {
		t.Fatal("expected the lock to be deleted once holders and waiters are both empty")
	}
}

func TestReleasePromotesAllTrailingSharedWaiters(t *testing.T) {
	m := newTestManager(t)
	m.applyAcquire("L", "node-a", Exclusive)
	m.applyAcquire("L", "node-b", Shared)
	m.applyAcquire("L", "node-c", Shared)

	m.applyRelease("L", "node-a")

	if !m.holds("L", "node-b") || !m.holds("L", "node-c") {
		t.Fatal("expected both trailing shared waiters to be promoted together")
	}
}

// TestDeadlockSweepDetectsThreeCycleAndReleasesOneParticipant mirrors
// spec's boundary behavior: a 3-cycle wait-for graph yields exactly one
// aborted participant.
func TestDeadlockSweepDetectsThreeCycleAndReleasesOneParticipant(t *testing.T) {
	m := newTestManager(t)

	// node-a holds X, waits on Y (held by node-b); node-b holds Y, waits on
	// Z (held by node-c); node-c holds Z, waits on X (held by node-a).
	m.applyAcquire("X", "node-a", Exclusive)
	m.applyAcquire("Y", "node-b", Exclusive)
	m.applyAcquire("Z", "node-c", Exclusive)

	m.applyAcquire("Y", "node-a", Exclusive) // a waits on b
	m.applyAcquire("Z", "node-b", Exclusive) // b waits on c
	m.applyAcquire("X", "node-c", Exclusive) // c waits on a, closing the cycle

	m.detectAndResolve()

	held := map[string]int{}
	for _, id := range []string{"node-a", "node-b", "node-c"} {
		m.mu.Lock()
		held[id] = len(m.nodeLocks[id])
		m.mu.Unlock()
	}

	abortedCount := 0
	for _, n := range held {
		if n == 0 {
			abortedCount++
		}
	}
	if abortedCount != 1 {
		t.Fatalf("expected exactly one participant to be aborted, got counts %+v", held)
	}
}

func TestExpiryReaperRemovesExpiredLock(t *testing.T) {
	m := newTestManager(t)
	m.lockTimeout = 10 * time.Millisecond
	m.applyAcquire("L", "node-a", Exclusive)

	time.Sleep(30 * time.Millisecond)
	m.reapExpired()

	m.mu.Lock()
	_, exists := m.locks["L"]
	m.mu.Unlock()
	if exists {
		t.Fatal("expected the expired lock to be reaped")
	}
}
