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
	"bytes"
	"crypto/md5"
	"fmt"
	"sort"
	"sync"
)

// virtualNodesPerNode is the number of points each physical node gets on
// the 128-bit ring.
const virtualNodesPerNode = 150

// ConsistentHash assigns queue names to owning nodes over an MD5-hashed
// ring. A key maps to the first virtual node clockwise from its hash.
type ConsistentHash struct {
	mu    sync.RWMutex
	ring  map[[16]byte]string
	sortedKeys [][16]byte
}

// NewConsistentHash builds a ring seeded with nodes.
func NewConsistentHash(nodes []string) *ConsistentHash {
	c := &ConsistentHash{ring: make(map[[16]byte]string)}
	for _, n := range nodes {
		c.addNodeLocked(n)
	}
	c.resort()
	return c
}

func hashKey(key string) [16]byte {
	return md5.Sum([]byte(key))
}

func (c *ConsistentHash) addNodeLocked(node string) {
	for i := 0; i < virtualNodesPerNode; i++ {
		h := hashKey(fmt.Sprintf("%s:%d", node, i))
		c.ring[h] = node
	}
}

func (c *ConsistentHash) resort() {
	keys := make([][16]byte, 0, len(c.ring))
	for k := range c.ring {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	c.sortedKeys = keys
}

// AddNode adds a physical node's virtual points to the ring.
func (c *ConsistentHash) AddNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addNodeLocked(node)
	c.resort()
}

// RemoveNode drops a physical node's virtual points from the ring.
func (c *ConsistentHash) RemoveNode(node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < virtualNodesPerNode; i++ {
		h := hashKey(fmt.Sprintf("%s:%d", node, i))
		delete(c.ring, h)
	}
	c.resort()
}

// GetNode returns the node owning key, or "" if the ring is empty.
func (c *ConsistentHash) GetNode(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sortedKeys) == 0 {
		return ""
	}
	h := hashKey(key)
	idx := sort.Search(len(c.sortedKeys), func(i int) bool {
		return bytes.Compare(c.sortedKeys[i][:], h[:]) >= 0
	})
	if idx == len(c.sortedKeys) {
		idx = 0
	}
	return c.ring[c.sortedKeys[idx]]
}
