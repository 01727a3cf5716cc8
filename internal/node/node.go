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
Package node wires every subsystem into one running process: transport,
discovery, the failure detector, Raft, and the three coordination services
(lock, queue, cache) that ride on top of it. It is the only place that
constructs all of them together; everything downstream only ever sees the
narrow interface it needs.
*/
package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"distsync/internal/cache"
	"distsync/internal/compression"
	"distsync/internal/config"
	"distsync/internal/control"
	"distsync/internal/discovery"
	derrors "distsync/internal/errors"
	"distsync/internal/failuredetector"
	"distsync/internal/lock"
	"distsync/internal/logging"
	"distsync/internal/queue"
	"distsync/internal/raft"
	dtls "distsync/internal/tls"
	"distsync/internal/transport"
)

// Node owns one running cluster participant: every subsystem manager plus
// the background services (transport, discovery, failure detection) they
// depend on.
type Node struct {
	cfg *config.Config
	log *logging.Logger

	tr   *transport.Transport
	disc *discovery.Service
	fd   *failuredetector.Monitor
	raft *raft.Node

	locks  *lock.Manager
	queues *queue.Manager
	cache  *cache.Manager

	ring *queue.ConsistentHash
	ctrl *control.Server

	started bool
}

// New constructs a Node from cfg without starting any background
// goroutine; call Start to bring it up.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	algo, err := compression.ParseAlgorithm(cfg.CompressionCodec)
	if err != nil {
		return nil, derrors.InvalidConfig(err.Error())
	}
	compressor := compression.NewCompressor(compression.Config{Algorithm: algo, MinSize: 256})

	log := logging.NewLogger(cfg.NodeID)
	selfAddr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))

	var tlsConfig *tls.Config
	if cfg.TLSEnabled {
		tc, err := loadNodeTLSConfig(cfg.NodeID)
		if err != nil {
			return nil, derrors.InvalidConfig("tls_enabled is set but certificates could not be prepared").WithCause(err)
		}
		tlsConfig = tc
	}

	tr := transport.New(cfg.NodeID, selfAddr, tlsConfig, log.With("component", "transport"))

	n := &Node{cfg: cfg, log: log, tr: tr}

	n.fd = failuredetector.NewMonitor(
		cfg.PhiThreshold,
		float64(cfg.FailureHeartbeatIntervalMS)*3,
		time.Duration(cfg.FailureHeartbeatIntervalMS)*time.Millisecond,
		log.With("component", "failuredetector"),
		n.sendHeartbeat,
		n.onPeerFailed,
		n.onPeerRecovered,
	)
	tr.RegisterHandler(transport.MsgHeartbeat, n.handleHeartbeatRPC)
	tr.RegisterHandler(transport.MsgPing, n.handlePingRPC)

	raftCfg := raft.Config{
		ElectionTimeoutMin: time.Duration(cfg.ElectionTimeoutMinMS) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(cfg.ElectionTimeoutMaxMS) * time.Millisecond,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
	}
	rn := raft.New(cfg.NodeID, tr, raftCfg, log.With("component", "raft"), n.applyCommitted)
	rn.SetCompressor(compressor, 4096)
	rn.SetFencer(n.fd)
	n.raft = rn

	n.locks = lock.NewManager(cfg.NodeID, tr, rn, log.With("component", "lock"),
		time.Duration(cfg.LockTimeoutSec)*time.Second,
		time.Duration(cfg.DeadlockDetectionIntervalS)*time.Second,
		30*time.Second,
	)

	allNodeIDs := []string{cfg.NodeID}
	for _, addr := range cfg.ClusterNodes {
		if addr == selfAddr {
			continue
		}
		if host, _, err := net.SplitHostPort(addr); err == nil {
			allNodeIDs = append(allNodeIDs, firstLabel(host))
		}
	}
	n.ring = queue.NewConsistentHash(allNodeIDs)
	n.queues = queue.NewManager(cfg.NodeID, tr, n.ring, log.With("component", "queue"), queue.Config{
		MaxQueueSize: cfg.QueueMaxSize,
		Persist:      true,
		DataDir:      "data",
		Compressor:   compressor,
	})

	n.cache = cache.NewManager(cfg.NodeID, tr, rn, log.With("component", "cache"), cfg.CacheSize, compressor)

	n.disc = discovery.New(discovery.Config{
		Mode:        discovery.Mode(cfg.DiscoveryMode),
		NodeID:      cfg.NodeID,
		SelfAddr:    selfAddr,
		StaticPeers: cfg.ClusterNodes,
		Domain:      cfg.DiscoveryDomain,
	}, tr, log.With("component", "discovery"))

	controlAddr := net.JoinHostPort("127.0.0.1", fmt.Sprint(cfg.ControlPort))
	n.ctrl = control.New(controlAddr, n, log.With("component", "control"))

	return n, nil
}

// loadNodeTLSConfig ensures a self-signed node certificate exists (generating
// one on first run) and loads it into a *tls.Config for the transport.
// Nodes dial each other without a shared CA, so the loaded config skips peer
// certificate verification; encryption, not peer identity, is what TLS buys
// here until a real CA is introduced.
func loadNodeTLSConfig(nodeID string) (*tls.Config, error) {
	_, certPath, keyPath := dtls.GetDefaultCertPaths()
	certCfg := dtls.DefaultCertConfig()
	certCfg.CommonName = nodeID
	if err := dtls.EnsureCertificates(certPath, keyPath, certCfg); err != nil {
		return nil, err
	}
	tc, err := dtls.LoadTLSConfig(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	tc.InsecureSkipVerify = true
	return tc, nil
}

func firstLabel(host string) string {
	for i := 0; i < len(host); i++ {
		if host[i] == '.' {
			return host[:i]
		}
	}
	return host
}

// applyCommitted is Raft's single onCommit entry point, fanning a
// committed command out to every subsystem built on top of consensus. Each
// subsystem's ApplyCommand ignores commands it doesn't recognize, so one
// shared log safely carries lock and cache commands side by side.
func (n *Node) applyCommitted(command interface{}) {
	n.locks.ApplyCommand(command)
	n.cache.ApplyCommand(command)
}

// Start brings up the transport, discovers peers, then starts the failure
// detector, Raft, and the coordination services, in that dependency order.
func (n *Node) Start() error {
	if err := n.tr.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	if err := n.disc.Start(); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	for _, peer := range n.tr.PeerIDs() {
		n.fd.RegisterPeer(peer)
	}

	n.fd.Start()
	n.raft.Start()
	n.locks.Start()
	if err := n.queues.Start(); err != nil {
		return fmt.Errorf("start queue manager: %w", err)
	}
	if err := n.ctrl.Start(); err != nil {
		return fmt.Errorf("start control endpoint: %w", err)
	}

	n.started = true
	n.log.Info("node started", "node_id", n.cfg.NodeID, "addr", net.JoinHostPort(n.cfg.Host, fmt.Sprint(n.cfg.Port)))
	return nil
}

// Stop halts every background service in reverse dependency order.
func (n *Node) Stop() {
	if !n.started {
		return
	}
	n.ctrl.Stop()
	n.queues.Stop()
	n.locks.Stop()
	n.raft.Stop()
	n.fd.Stop()
	n.disc.Stop()
	n.tr.Stop()
	n.started = false
}

func (n *Node) sendHeartbeat(peer string) {
	msg, err := transport.NewMessage(transport.MsgHeartbeat, n.cfg.NodeID, map[string]string{}, "")
	if err != nil {
		return
	}
	timeout := time.Duration(n.cfg.FailureHeartbeatIntervalMS) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n.tr.Send(ctx, peer, msg, true, timeout)
}

func (n *Node) handleHeartbeatRPC(msg *transport.Message) (interface{}, error) {
	n.fd.RecordActivity(msg.Sender)
	return map[string]string{"status": "ok"}, nil
}

func (n *Node) handlePingRPC(msg *transport.Message) (interface{}, error) {
	n.fd.RecordActivity(msg.Sender)
	return map[string]string{"status": "pong"}, nil
}

func (n *Node) onPeerFailed(peer string) {
	n.log.Warn("peer marked failed by the failure detector", "peer", peer)
}

func (n *Node) onPeerRecovered(peer string) {
	n.log.Info("peer recovered", "peer", peer)
}

// AcquireLock, ReleaseLock, Enqueue, Dequeue, CacheGet, and CachePut are
// thin delegations to the corresponding subsystem manager; they exist so
// *Node satisfies control.Backend without the control package reaching
// into the managers directly.

func (n *Node) AcquireLock(ctx context.Context, resource string, mode lock.Mode, timeout time.Duration) (bool, error) {
	return n.locks.AcquireLock(ctx, resource, mode, timeout)
}

func (n *Node) ReleaseLock(ctx context.Context, resource string) error {
	return n.locks.ReleaseLock(ctx, resource)
}

func (n *Node) Enqueue(ctx context.Context, queueName string, payload interface{}) (string, error) {
	return n.queues.Enqueue(ctx, queueName, payload)
}

func (n *Node) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Message, error) {
	return n.queues.Dequeue(ctx, queueName, timeout)
}

func (n *Node) CacheGet(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return n.cache.Get(ctx, key)
}

func (n *Node) CachePut(ctx context.Context, key string, value interface{}) error {
	return n.cache.Put(ctx, key, value)
}

// StatusView projects GetStatus into control.StatusView for the control
// endpoint's status command.
func (n *Node) StatusView() control.StatusView {
	s := n.GetStatus()
	return control.StatusView{
		NodeID:     s.NodeID,
		RaftState:  s.RaftState,
		RaftTerm:   s.RaftTerm,
		Leader:     s.Leader,
		Peers:      s.Peers,
		FencedPeer: s.FencedPeer,
		LockStats:  s.LockStats,
		QueueStats: s.QueueStats,
		CacheStats: s.CacheStats,
	}
}

// Locks returns the node's lock manager.
func (n *Node) Locks() *lock.Manager { return n.locks }

// Queues returns the node's queue manager.
func (n *Node) Queues() *queue.Manager { return n.queues }

// Cache returns the node's cache manager.
func (n *Node) Cache() *cache.Manager { return n.cache }

// Raft returns the node's Raft consensus engine.
func (n *Node) Raft() *raft.Node { return n.raft }

// Status is a point-in-time snapshot of the node's health, used by the
// status CLI command and any HTTP/metrics surface built on top.
type Status struct {
	NodeID     string
	RaftState  string
	RaftTerm   uint64
	Leader     string
	Peers      []string
	FencedPeer []string
	LockStats  lock.Status
	QueueStats queue.Stats
	CacheStats cache.Stats
}

// GetStatus assembles a Status snapshot across every subsystem.
func (n *Node) GetStatus() Status {
	var fenced []string
	for _, p := range n.tr.PeerIDs() {
		if n.fd.IsFenced(p) {
			fenced = append(fenced, p)
		}
	}
	return Status{
		NodeID:     n.cfg.NodeID,
		RaftState:  n.raft.GetState().String(),
		RaftTerm:   n.raft.GetTerm(),
		Leader:     n.raft.GetLeader(),
		Peers:      n.tr.PeerIDs(),
		FencedPeer: fenced,
		LockStats:  n.locks.GetStatus(),
		QueueStats: n.queues.GetStats(),
		CacheStats: n.cache.GetStats(),
	}
}
