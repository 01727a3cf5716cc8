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
Package queue implements the sharded persistent message queue: named
queues owned by consistent-hash assignment across the cluster, bounded
local deques, an in-flight set for at-least-once delivery, a retry sweep
that re-enqueues onto the message's original queue name, and a dead-letter
queue for retry-exhausted messages.
*/
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"distsync/internal/compression"
	derrors "distsync/internal/errors"
	"distsync/internal/logging"
	"distsync/internal/transport"
)

const (
	retrySweepInterval  = 10 * time.Second
	inFlightTimeout     = 30 * time.Second
	defaultMaxRetries   = 3
	dequeuePollInterval = 100 * time.Millisecond
)

// Message is one queued payload.
type Message struct {
	MsgID      string          `json:"msg_id"`
	QueueName  string          `json:"queue_name"`
	Data       json.RawMessage `json:"data"`
	Timestamp  float64         `json:"timestamp"`
	Retries    int             `json:"retries"`
	MaxRetries int             `json:"max_retries"`
}

// namedQueue is one queue's local bounded deque.
type namedQueue struct {
	messages []*Message
	capacity int
}

func (q *namedQueue) full() bool { return len(q.messages) >= q.capacity }

func (q *namedQueue) push(m *Message) { q.messages = append(q.messages, m) }

func (q *namedQueue) pop() (*Message, bool) {
	if len(q.messages) == 0 {
		return nil, false
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	return m, true
}

// Manager owns every locally-owned named queue, the in-flight set, and the
// dead-letter queue, and forwards enqueue/dequeue to the owning peer when
// this node is not responsible for a given queue name.
type Manager struct {
	nodeID      string
	tr          *transport.Transport
	ring        *ConsistentHash
	log         *logging.Logger
	compressor  *compression.Compressor
	dataDir     string
	persist     bool
	maxQueueLen int

	mu       sync.Mutex
	queues   map[string]*namedQueue
	inFlight map[string]*inFlightEntry
	dlq      map[string][]*Message

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type inFlightEntry struct {
	msg       *Message
	dequeueAt time.Time
}

// Config controls queue capacity, persistence, and compression.
type Config struct {
	MaxQueueSize int
	Persist      bool
	DataDir      string
	Compressor   *compression.Compressor
}

// NewManager returns a Manager bound to tr and ring.
func NewManager(nodeID string, tr *transport.Transport, ring *ConsistentHash, log *logging.Logger, cfg Config) *Manager {
	if cfg.Compressor == nil {
		cfg.Compressor = compression.NewCompressor(compression.DefaultConfig())
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	m := &Manager{
		nodeID:      nodeID,
		tr:          tr,
		ring:        ring,
		log:         log,
		compressor:  cfg.Compressor,
		dataDir:     cfg.DataDir,
		persist:     cfg.Persist,
		maxQueueLen: cfg.MaxQueueSize,
		queues:      make(map[string]*namedQueue),
		inFlight:    make(map[string]*inFlightEntry),
		dlq:         make(map[string][]*Message),
		stopCh:      make(chan struct{}),
	}
	tr.RegisterHandler(transport.MsgEnqueue, m.handleEnqueueRPC)
	tr.RegisterHandler(transport.MsgDequeue, m.handleDequeueRPC)
	tr.RegisterHandler(transport.MsgAcknowledge, m.handleAcknowledgeRPC)
	return m
}

// Start launches the retry-sweep background loop and, if persistence is
// enabled, loads any spilled messages left from a prior run.
func (m *Manager) Start() error {
	if m.persist {
		if err := m.loadPersisted(); err != nil {
			return err
		}
	}
	m.wg.Add(1)
	go m.retryLoop()
	return nil
}

// Stop halts the retry sweep.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Enqueue appends payload to queueName, routing to the owning node (local
// or forwarded) by consistent hash.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal queue payload: %w", err)
	}
	msg := &Message{
		MsgID:      fmt.Sprintf("%s_%d", m.nodeID, time.Now().UnixNano()),
		QueueName:  queueName,
		Data:       data,
		Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		MaxRetries: defaultMaxRetries,
	}

	owner := m.ring.GetNode(queueName)
	if owner == m.nodeID || owner == "" {
		ok, err := m.enqueueLocal(queueName, msg)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", derrors.QueueFull(queueName)
		}
		return msg.MsgID, nil
	}
	return m.forwardEnqueue(ctx, owner, queueName, msg)
}

func (m *Manager) enqueueLocal(queueName string, msg *Message) (bool, error) {
	m.mu.Lock()
	q, ok := m.queues[queueName]
	if !ok {
		q = &namedQueue{capacity: m.maxQueueLen}
		m.queues[queueName] = q
	}
	if q.full() {
		m.mu.Unlock()
		return false, nil
	}
	q.push(msg)
	m.mu.Unlock()

	if m.persist {
		if err := m.persistMessage(msg); err != nil {
			return false, derrors.PersistFailed(msg.MsgID, err)
		}
	}
	return true, nil
}

func (m *Manager) forwardEnqueue(ctx context.Context, owner, queueName string, msg *Message) (string, error) {
	payload := map[string]interface{}{
		"queue_name": queueName,
		"message":    msg,
	}
	out, err := transport.NewMessage(transport.MsgEnqueue, m.nodeID, payload, "")
	if err != nil {
		return "", err
	}
	resp, err := m.tr.Send(ctx, owner, out, true, 5*time.Second)
	if err != nil {
		return "", err
	}
	var reply struct {
		Success bool   `json:"success"`
		MsgID   string `json:"msg_id"`
	}
	if err := resp.Unmarshal(&reply); err != nil {
		return "", err
	}
	if !reply.Success {
		return "", derrors.QueueFull(queueName)
	}
	return reply.MsgID, nil
}

// Dequeue waits up to timeout for a head entry on queueName, routing to
// the owning node by consistent hash. Returns nil, nil on timeout.
func (m *Manager) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	owner := m.ring.GetNode(queueName)
	if owner == m.nodeID || owner == "" {
		return m.dequeueLocal(ctx, queueName, timeout), nil
	}
	return m.forwardDequeue(ctx, owner, queueName, timeout)
}

func (m *Manager) dequeueLocal(ctx context.Context, queueName string, timeout time.Duration) *Message {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(dequeuePollInterval)
	defer ticker.Stop()
	for {
		m.mu.Lock()
		q, ok := m.queues[queueName]
		if ok {
			if msg, popped := q.pop(); popped {
				m.inFlight[msg.MsgID] = &inFlightEntry{msg: msg, dequeueAt: time.Now()}
				m.mu.Unlock()
				return msg
			}
		}
		m.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Manager) forwardDequeue(ctx context.Context, owner, queueName string, timeout time.Duration) (*Message, error) {
	payload := map[string]interface{}{"queue_name": queueName, "timeout": timeout.Seconds()}
	out, err := transport.NewMessage(transport.MsgDequeue, m.nodeID, payload, "")
	if err != nil {
		return nil, err
	}
	// The forwarder's timeout must slightly exceed the downstream timeout.
	resp, err := m.tr.Send(ctx, owner, out, true, timeout+time.Second)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Message *Message `json:"message"`
	}
	if err := resp.Unmarshal(&reply); err != nil {
		return nil, err
	}
	return reply.Message, nil
}

// Acknowledge removes msgID from the in-flight set and deletes its
// persisted copy, if any.
func (m *Manager) Acknowledge(msgID string) bool {
	m.mu.Lock()
	entry, ok := m.inFlight[msgID]
	if ok {
		delete(m.inFlight, msgID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	if m.persist {
		m.removePersisted(entry.msg)
	}
	return true
}

func (m *Manager) handleEnqueueRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		QueueName string   `json:"queue_name"`
		Message   *Message `json:"message"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	ok, err := m.enqueueLocal(req.QueueName, req.Message)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": ok, "msg_id": req.Message.MsgID}, nil
}

func (m *Manager) handleDequeueRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		QueueName string  `json:"queue_name"`
		Timeout   float64 `json:"timeout"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	result := m.dequeueLocal(context.Background(), req.QueueName, timeout)
	return map[string]interface{}{"message": result}, nil
}

func (m *Manager) handleAcknowledgeRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		MsgID string `json:"msg_id"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	return map[string]interface{}{"success": m.Acknowledge(req.MsgID)}, nil
}

// retryLoop sweeps the in-flight set every retrySweepInterval, re-enqueuing
// timed-out entries onto their original queue name (never "whichever queue
// iterates first") or moving them to the DLQ once maxRetries is exceeded.
func (m *Manager) retryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(retrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepInFlight()
		}
	}
}

func (m *Manager) sweepInFlight() {
	now := time.Now()
	m.mu.Lock()
	var timedOut []*Message
	for msgID, entry := range m.inFlight {
		if now.Sub(entry.dequeueAt) > inFlightTimeout {
			timedOut = append(timedOut, entry.msg)
			delete(m.inFlight, msgID)
		}
	}
	m.mu.Unlock()

	for _, msg := range timedOut {
		if msg.Retries < msg.MaxRetries {
			msg.Retries++
			m.log.Info("retrying timed-out message", "msg_id", msg.MsgID, "attempt", msg.Retries)
			m.mu.Lock()
			q, ok := m.queues[msg.QueueName]
			if !ok {
				q = &namedQueue{capacity: m.maxQueueLen}
				m.queues[msg.QueueName] = q
			}
			q.push(msg)
			m.mu.Unlock()
		} else {
			m.log.Warn("moving message to dead-letter queue", "msg_id", msg.MsgID, "queue", msg.QueueName)
			m.mu.Lock()
			m.dlq[msg.QueueName] = append(m.dlq[msg.QueueName], msg)
			m.mu.Unlock()
		}
	}
}

func (m *Manager) spillPath(msg *Message) string {
	return filepath.Join(m.dataDir, fmt.Sprintf("queue_%s_%s.json", msg.QueueName, msg.MsgID))
}

func (m *Manager) persistMessage(msg *Message) error {
	if err := os.MkdirAll(m.dataDir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	entry, err := m.compressor.Compress(raw)
	if err != nil {
		return err
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return os.WriteFile(m.spillPath(msg), body, 0o644)
}

func (m *Manager) removePersisted(msg *Message) {
	if err := os.Remove(m.spillPath(msg)); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove persisted queue message", "msg_id", msg.MsgID, "error", err.Error())
	}
}

// loadPersisted replays every spilled message file found under dataDir on
// startup, decompressing by the codec tag recorded in each file so
// disabling compression later does not orphan already-spilled entries.
func (m *Manager) loadPersisted() error {
	entries, err := os.ReadDir(m.dataDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	loaded := 0
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		body, err := os.ReadFile(filepath.Join(m.dataDir, ent.Name()))
		if err != nil {
			m.log.Warn("failed to read spilled queue file", "file", ent.Name(), "error", err.Error())
			continue
		}
		var compressed compression.CompressedEntry
		if err := json.Unmarshal(body, &compressed); err != nil {
			m.log.Warn("failed to parse spilled queue file", "file", ent.Name(), "error", err.Error())
			continue
		}
		raw, err := m.compressor.Decompress(&compressed)
		if err != nil {
			m.log.Warn("failed to decompress spilled queue file", "file", ent.Name(), "error", err.Error())
			continue
		}
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			m.log.Warn("failed to decode spilled queue message", "file", ent.Name(), "error", err.Error())
			continue
		}
		m.mu.Lock()
		q, ok := m.queues[msg.QueueName]
		if !ok {
			q = &namedQueue{capacity: m.maxQueueLen}
			m.queues[msg.QueueName] = q
		}
		q.push(&msg)
		m.mu.Unlock()
		loaded++
	}
	m.log.Info("loaded persisted queue messages", "count", loaded)
	return nil
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	QueueSizes map[string]int
	InFlight   int
	DLQCount   int
}

// GetStats returns a snapshot of every locally-owned queue's occupancy.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{QueueSizes: make(map[string]int, len(m.queues)), InFlight: len(m.inFlight)}
	for name, q := range m.queues {
		s.QueueSizes[name] = len(q.messages)
	}
	for _, entries := range m.dlq {
		s.DLQCount += len(entries)
	}
	return s
}
