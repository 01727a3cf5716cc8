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
Package cache implements the write-invalidate distributed cache: an LRU of
MESI-tagged lines per node, CACHE_GET fan-out on miss, and a commit-then-
invalidate put path that closes the stale-read window a broadcast-then-
commit design leaves open (see the redesigned put ordering below).
*/
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"distsync/internal/compression"
	derrors "distsync/internal/errors"
	"distsync/internal/logging"
	"distsync/internal/raft"
	"distsync/internal/transport"
)

// State is a cache line's MESI-style coherence state.
type State string

const (
	Modified  State = "modified"
	Exclusive State = "exclusive"
	Shared    State = "shared"
	Invalid   State = "invalid"
)

// Line is one cached key/value pair.
type Line struct {
	Key         string
	Value       json.RawMessage
	State       State
	LastAccess  time.Time
	AccessCount int
}

type lru struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

func newLRU(capacity int) *lru {
	return &lru{capacity: capacity, ll: list.New(), items: make(map[string]*list.Element)}
}

func (c *lru) get(key string) *Line {
	el, ok := c.items[key]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	line := el.Value.(*Line)
	line.LastAccess = time.Now()
	line.AccessCount++
	return line
}

func (c *lru) put(line *Line) {
	if el, ok := c.items[line.Key]; ok {
		c.ll.MoveToFront(el)
		el.Value = line
		return
	}
	el := c.ll.PushFront(line)
	c.items[line.Key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*Line).Key)
		}
	}
}

func (c *lru) invalidate(key string) {
	if el, ok := c.items[key]; ok {
		el.Value.(*Line).State = Invalid
	}
}

func (c *lru) len() int { return c.ll.Len() }

// pendingPut tracks a put this node submitted, so the onCommit apply path
// knows to broadcast invalidation only for puts it originated, keyed by a
// per-command correlation id.
type pendingPut struct {
	key   string
	value json.RawMessage
}

// Manager owns the local LRU, the Raft-replicated key/value store used as
// ground truth on a cluster-wide miss, and the commit-then-invalidate
// write path.
type Manager struct {
	nodeID     string
	tr         *transport.Transport
	raftNode   *raft.Node
	log        *logging.Logger
	compressor *compression.Compressor

	mu    sync.Mutex
	cache *lru
	store map[string]json.RawMessage

	pendingMu sync.Mutex
	pending   map[string]pendingPut

	hits, misses, evictions int
}

// NewManager returns a Manager with the given LRU capacity.
func NewManager(nodeID string, tr *transport.Transport, raftNode *raft.Node, log *logging.Logger, capacity int, compressor *compression.Compressor) *Manager {
	if compressor == nil {
		compressor = compression.NewCompressor(compression.DefaultConfig())
	}
	m := &Manager{
		nodeID:     nodeID,
		tr:         tr,
		raftNode:   raftNode,
		log:        log,
		compressor: compressor,
		cache:      newLRU(capacity),
		store:      make(map[string]json.RawMessage),
		pending:    make(map[string]pendingPut),
	}
	tr.RegisterHandler(transport.MsgCacheGet, m.handleCacheGetRPC)
	tr.RegisterHandler(transport.MsgCachePut, m.handleCachePutRPC)
	tr.RegisterHandler(transport.MsgCacheInvalidate, m.handleCacheInvalidateRPC)
	return m
}

// ApplyCommand is raft's onCommit entry point for "set" commands. It
// writes the committed value into the ground-truth store and, only for a
// put this node itself originated, broadcasts CACHE_INVALIDATE now that
// the value is durably committed — this is the commit-then-invalidate
// ordering, not broadcast-then-commit.
func (m *Manager) ApplyCommand(command interface{}) {
	fields, ok := command.(map[string]interface{})
	if !ok {
		return
	}
	op, _ := fields["op"].(string)
	if op != "set" {
		return
	}
	key, _ := fields["key"].(string)
	correlation, _ := fields["correlation"].(string)

	valueBytes, err := json.Marshal(fields["value"])
	if err != nil {
		return
	}

	m.mu.Lock()
	m.store[key] = valueBytes
	m.mu.Unlock()

	if correlation == "" {
		return
	}
	m.pendingMu.Lock()
	_, mine := m.pending[correlation]
	delete(m.pending, correlation)
	m.pendingMu.Unlock()
	if mine {
		m.broadcastInvalidate(context.Background(), key)
	}
}

// Get returns the value for key, falling back to a cluster-wide CACHE_GET
// fan-out on a local miss or invalid line, and to the Raft-replicated
// store if no peer answers found.
func (m *Manager) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	line := m.cache.get(key)
	if line != nil && line.State != Invalid {
		if line.State == Exclusive {
			line.State = Shared
		}
		m.hits++
		value := line.Value
		m.mu.Unlock()
		return value, true, nil
	}
	m.misses++
	m.mu.Unlock()

	value, found, err := m.fetchFromCluster(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		m.mu.Lock()
		m.cache.put(&Line{Key: key, Value: value, State: Shared, LastAccess: time.Now()})
		m.mu.Unlock()
	}
	return value, found, nil
}

func (m *Manager) fetchFromCluster(ctx context.Context, key string) (json.RawMessage, bool, error) {
	for _, peer := range m.tr.PeerIDs() {
		msg, err := transport.NewMessage(transport.MsgCacheGet, m.nodeID, map[string]string{"key": key}, "")
		if err != nil {
			return nil, false, err
		}
		reqCtx, cancel := context.WithTimeout(ctx, time.Second)
		resp, err := m.tr.Send(reqCtx, peer, msg, true, time.Second)
		cancel()
		if err != nil {
			continue
		}
		var reply struct {
			Found bool                        `json:"found"`
			Value compression.CompressedEntry `json:"value"`
		}
		if err := resp.Unmarshal(&reply); err != nil {
			continue
		}
		if reply.Found {
			raw, err := m.compressor.Decompress(&reply.Value)
			if err != nil {
				continue
			}
			return raw, true, nil
		}
	}

	m.mu.Lock()
	value, ok := m.store[key]
	m.mu.Unlock()
	if !ok {
		return nil, false, derrors.CacheMissNoPeer(key)
	}
	return value, true, nil
}

// Put writes value through to Raft first and only broadcasts invalidation
// once the set command commits (from ApplyCommand), closing the
// broadcast-then-commit stale-read window the original design left open.
// Returns an error if this node is not the Raft leader, since puts are not
// forwarded the way lock requests are.
func (m *Manager) Put(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	correlation := fmt.Sprintf("%s_%d", m.nodeID, time.Now().UnixNano())
	m.pendingMu.Lock()
	m.pending[correlation] = pendingPut{key: key, value: raw}
	m.pendingMu.Unlock()

	m.mu.Lock()
	m.cache.put(&Line{Key: key, Value: raw, State: Modified, LastAccess: time.Now()})
	m.mu.Unlock()

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	cmd := map[string]interface{}{
		"op":          "set",
		"key":         key,
		"value":       decoded,
		"correlation": correlation,
	}
	if !m.raftNode.SubmitCommand(cmd) {
		m.pendingMu.Lock()
		delete(m.pending, correlation)
		m.pendingMu.Unlock()
		return derrors.NotLeader(m.raftNode.GetLeader())
	}
	return nil
}

// Invalidate marks key's local line invalid and broadcasts the
// invalidation immediately; unlike Put this has no Raft write-through
// since it doesn't change the ground-truth value.
func (m *Manager) Invalidate(ctx context.Context, key string) {
	m.mu.Lock()
	m.cache.invalidate(key)
	m.mu.Unlock()
	m.broadcastInvalidate(ctx, key)
}

func (m *Manager) broadcastInvalidate(ctx context.Context, key string) {
	msg, err := transport.NewMessage(transport.MsgCacheInvalidate, m.nodeID, map[string]string{"key": key}, "")
	if err != nil {
		m.log.Warn("failed to build invalidate broadcast", "key", key, "error", err.Error())
		return
	}
	m.tr.Broadcast(ctx, msg)
}

func (m *Manager) handleCacheGetRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		Key string `json:"key"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}

	m.mu.Lock()
	line := m.cache.get(req.Key)
	if line == nil || line.State == Invalid {
		m.mu.Unlock()
		return map[string]interface{}{"found": false}, nil
	}
	if line.State == Exclusive {
		line.State = Shared
	}
	value := line.Value
	state := line.State
	m.mu.Unlock()

	entry, err := m.compressor.Compress(value)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"found": true, "value": entry, "state": string(state)}, nil
}

func (m *Manager) handleCachePutRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		Key string `json:"key"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	m.mu.Lock()
	m.cache.invalidate(req.Key)
	m.mu.Unlock()
	return map[string]interface{}{"status": "invalidated"}, nil
}

func (m *Manager) handleCacheInvalidateRPC(msg *transport.Message) (interface{}, error) {
	var req struct {
		Key string `json:"key"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return nil, derrors.CorruptFrame(err.Error())
	}
	m.mu.Lock()
	m.cache.invalidate(req.Key)
	m.mu.Unlock()
	return map[string]interface{}{"status": "invalidated"}, nil
}

// Stats is a point-in-time snapshot of cache occupancy and hit rate.
type Stats struct {
	Size      int
	Capacity  int
	Hits      int
	Misses    int
	Evictions int
}

// GetStats returns a snapshot of the cache's current statistics.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Size:      m.cache.len(),
		Capacity:  m.cache.capacity,
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
	}
}
