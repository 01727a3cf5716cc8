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

package discovery

import (
	"testing"
	"time"

	"distsync/internal/logging"
	"distsync/internal/transport"
)

func TestResolveStaticExcludesSelfAndDerivesNodeIDFromHost(t *testing.T) {
	records, err := ResolveStatic("node-a", "node-a.internal:7000", []string{
		"node-a.internal:7000",
		"node-b.internal:7000",
		" node-c.internal:7000 ",
	})
	if err != nil {
		t.Fatalf("ResolveStatic: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 peers excluding self, got %d: %+v", len(records), records)
	}
	byID := map[string]PeerRecord{}
	for _, r := range records {
		byID[r.NodeID] = r
	}
	if _, ok := byID["node-b"]; !ok {
		t.Error("expected node-b to be derived from node-b.internal:7000")
	}
	if _, ok := byID["node-c"]; !ok {
		t.Error("expected node-c to be derived from a whitespace-padded entry")
	}
}

func TestResolveStaticRejectsMalformedAddress(t *testing.T) {
	if _, err := ResolveStatic("node-a", "node-a:7000", []string{"not-a-host-port"}); err == nil {
		t.Fatal("expected an error for an address with no port")
	}
}

func TestServiceStaticStartAddsPeersToTransport(t *testing.T) {
	tr := transport.New("node-a", "127.0.0.1:0", nil, logging.NewLogger("discovery-test"))
	cfg := Config{
		Mode:        ModeStatic,
		NodeID:      "node-a",
		SelfAddr:    "node-a.internal:7000",
		StaticPeers: []string{"node-a.internal:7000", "node-b.internal:7001"},
	}
	svc := New(cfg, tr, logging.NewLogger("discovery-test"))
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	peers := svc.Peers()
	if len(peers) != 1 || peers[0].NodeID != "node-b" {
		t.Fatalf("expected exactly node-b discovered, got %+v", peers)
	}
	if got := tr.PeerIDs(); len(got) != 1 || got[0] != "node-b" {
		t.Fatalf("expected transport to know about node-b, got %v", got)
	}
}

func TestReconcilePrunesPeersNoLongerReported(t *testing.T) {
	tr := transport.New("node-a", "127.0.0.1:0", nil, logging.NewLogger("discovery-test"))
	svc := New(Config{Mode: ModeMDNS, NodeID: "node-a"}, tr, logging.NewLogger("discovery-test"))

	now := time.Now()
	svc.reconcile([]PeerRecord{{NodeID: "node-b", Addr: "127.0.0.1:9001", Via: ModeMDNS, LastSeen: now}})
	if len(tr.PeerIDs()) != 1 {
		t.Fatalf("expected node-b added, got %v", tr.PeerIDs())
	}

	svc.reconcile(nil)
	if len(tr.PeerIDs()) != 0 {
		t.Fatalf("expected node-b removed once no longer reported, got %v", tr.PeerIDs())
	}
}
