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

import "testing"

func TestGetNodeIsDeterministic(t *testing.T) {
	c := NewConsistentHash([]string{"node-a", "node-b", "node-c"})
	first := c.GetNode("orders")
	for i := 0; i < 20; i++ {
		if got := c.GetNode("orders"); got != first {
			t.Fatalf("GetNode(%q) = %q on call %d, want stable %q", "orders", got, i, first)
		}
	}
}

func TestGetNodeDistributesAcrossAllNodes(t *testing.T) {
	c := NewConsistentHash([]string{"node-a", "node-b", "node-c"})
	seen := map[string]bool{}
	for i := 0; i < 500; i++ {
		key := string(rune('a' + i%26))
		seen[c.GetNode(key)] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected keys to land on all 3 nodes across a sample, saw %v", seen)
	}
}

func TestGetNodeOnEmptyRingReturnsEmpty(t *testing.T) {
	c := NewConsistentHash(nil)
	if got := c.GetNode("anything"); got != "" {
		t.Errorf("GetNode on an empty ring = %q, want empty", got)
	}
}

func TestRemoveNodeStopsOwningKeys(t *testing.T) {
	c := NewConsistentHash([]string{"node-a", "node-b"})
	c.AddNode("node-c")

	owned := map[string]bool{}
	for i := 0; i < 200; i++ {
		owned[c.GetNode(string(rune('a'+i%26))+string(rune('A'+i%5)))] = true
	}

	c.RemoveNode("node-c")
	for i := 0; i < 200; i++ {
		if c.GetNode(string(rune('a'+i%26))+string(rune('A'+i%5))) == "node-c" {
			t.Fatal("expected node-c to no longer own any key after RemoveNode")
		}
	}
}
