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

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"distsync/internal/logging"
	"distsync/internal/transport"
)

func newTestManager(t *testing.T, maxSize int) *Manager {
	t.Helper()
	tr := transport.New("node-a", "127.0.0.1:0", nil, logging.NewLogger("queue-test"))
	ring := NewConsistentHash([]string{"node-a"})
	return NewManager("node-a", tr, ring, logging.NewLogger("queue-test"), Config{
		MaxQueueSize: maxSize,
		Persist:      false,
	})
}

// TestQueueFIFOOrdering mirrors spec's literal scenario 4: three enqueues
// dequeue back out in the same order, absent any retries.
func TestQueueFIFOOrdering(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	for _, n := range []int{1, 2, 3} {
		if _, err := m.Enqueue(ctx, "q", map[string]int{"n": n}); err != nil {
			t.Fatalf("Enqueue(%d): %v", n, err)
		}
	}

	for _, want := range []int{1, 2, 3} {
		msg, err := m.Dequeue(ctx, "q", time.Second)
		if err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
		if msg == nil {
			t.Fatalf("Dequeue returned nil, want payload with n=%d", want)
		}
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.N != want {
			t.Errorf("dequeued n=%d, want %d (FIFO violated)", payload.N, want)
		}
	}
}

// TestEnqueueIntoFullQueueRejects mirrors spec's boundary behavior: enqueue
// into a full queue returns an error and never exceeds capacity.
func TestEnqueueIntoFullQueueRejects(t *testing.T) {
	m := newTestManager(t, 2)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "q", "a"); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if _, err := m.Enqueue(ctx, "q", "b"); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if _, err := m.Enqueue(ctx, "q", "c"); err == nil {
		t.Fatal("expected enqueue into a full queue to fail")
	}

	stats := m.GetStats()
	if stats.QueueSizes["q"] != 2 {
		t.Errorf("queue size = %d, want capacity 2 never exceeded", stats.QueueSizes["q"])
	}
}

func TestDequeueOnEmptyQueueTimesOutToNil(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	msg, err := m.Dequeue(ctx, "empty", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil on empty-queue timeout, got %+v", msg)
	}
}

func TestAcknowledgeRemovesFromInFlight(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "q", "payload"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := m.Dequeue(ctx, "q", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue: msg=%v err=%v", msg, err)
	}

	if !m.Acknowledge(msg.MsgID) {
		t.Fatal("expected Acknowledge to succeed for an in-flight message")
	}
	if m.Acknowledge(msg.MsgID) {
		t.Fatal("expected a second Acknowledge of the same msg_id to report false")
	}
}

// TestRetrySweepReEnqueuesOntoOriginalQueueName resolves Open Question 3:
// a timed-out in-flight message must be retried onto the queue name it was
// originally enqueued into, not an arbitrary one.
func TestRetrySweepReEnqueuesOntoOriginalQueueName(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "orders", "payload"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := m.Dequeue(ctx, "orders", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue: msg=%v err=%v", msg, err)
	}

	m.mu.Lock()
	m.inFlight[msg.MsgID].dequeueAt = time.Now().Add(-inFlightTimeout - time.Second)
	m.mu.Unlock()

	m.sweepInFlight()

	stats := m.GetStats()
	if stats.QueueSizes["orders"] != 1 {
		t.Fatalf("expected the retried message back on %q, stats=%+v", "orders", stats)
	}
}

func TestRetryExhaustionMovesToDeadLetterQueue(t *testing.T) {
	m := newTestManager(t, 10)
	ctx := context.Background()

	if _, err := m.Enqueue(ctx, "q", "payload"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	msg, err := m.Dequeue(ctx, "q", time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Dequeue: msg=%v err=%v", msg, err)
	}
	msg.Retries = msg.MaxRetries

	m.mu.Lock()
	m.inFlight[msg.MsgID].dequeueAt = time.Now().Add(-inFlightTimeout - time.Second)
	m.mu.Unlock()

	m.sweepInFlight()

	stats := m.GetStats()
	if stats.DLQCount != 1 {
		t.Errorf("DLQCount = %d, want 1 after retry exhaustion", stats.DLQCount)
	}
}
