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

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	derrors "distsync/internal/errors"
	"distsync/internal/logging"
)

// Handler processes an inbound Message and optionally returns a response
// payload. A non-nil error is reported to the sender as a CodedError.
type Handler func(msg *Message) (interface{}, error)

const (
	dialMaxAttempts = 5
	dialRetryDelay  = time.Second
	outboundQueueSize = 256
)

// peer tracks one outbound connection and its FIFO delivery queue. A
// single writer goroutine drains outbox, so messages to the same peer are
// always written to the wire in the order Send/Broadcast were called.
type peer struct {
	id      string
	addr    string
	conn    net.Conn
	outbox  chan *Message
	closeCh chan struct{}
	once    sync.Once
}

func (p *peer) close() {
	p.once.Do(func() {
		close(p.closeCh)
		p.conn.Close()
	})
}

// Transport is the node-to-node messaging layer: it accepts inbound
// connections, dials and maintains outbound ones, dispatches inbound
// frames to registered Handlers, and correlates request/response pairs by
// msg_id for callers using Send with waitResponse.
type Transport struct {
	nodeID    string
	bindAddr  string
	tlsConfig *tls.Config
	log       *logging.Logger

	listener net.Listener

	mu    sync.RWMutex
	peers map[string]*peer

	handlersMu sync.RWMutex
	handlers   map[MessageType]Handler

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New returns a Transport bound to nodeID and listening on bindAddr once
// Start is called. tlsConfig may be nil to run in plaintext.
func New(nodeID, bindAddr string, tlsConfig *tls.Config, log *logging.Logger) *Transport {
	return &Transport{
		nodeID:    nodeID,
		bindAddr:  bindAddr,
		tlsConfig: tlsConfig,
		log:       log,
		peers:     make(map[string]*peer),
		handlers:  make(map[MessageType]Handler),
		pending:   make(map[string]chan *Message),
		stopCh:    make(chan struct{}),
	}
}

// RegisterHandler installs the handler invoked for every inbound Message of
// msgType that isn't itself a correlated response.
func (t *Transport) RegisterHandler(msgType MessageType, h Handler) {
	t.handlersMu.Lock()
	defer t.handlersMu.Unlock()
	t.handlers[msgType] = h
	t.log.Debug("registered handler", "msg_type", string(msgType))
}

// Start begins accepting inbound connections. It returns once the listener
// is bound; the accept loop runs in the background until Stop is called.
func (t *Transport) Start() error {
	var ln net.Listener
	var err error
	if t.tlsConfig != nil {
		ln, err = tls.Listen("tcp", t.bindAddr, t.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", t.bindAddr)
	}
	if err != nil {
		return derrors.ConnectionDown(t.bindAddr, err)
	}
	t.listener = ln
	t.log.Info("transport listening", "addr", ln.Addr().String())

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener, every outbound connection and every accepted
// connection, then waits for the transport's goroutines to exit.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.listener != nil {
			t.listener.Close()
		}
		t.mu.Lock()
		for _, p := range t.peers {
			p.close()
		}
		t.mu.Unlock()
	})
	t.wg.Wait()
	t.log.Info("transport stopped")
}

func (t *Transport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stopCh:
				return
			default:
				t.log.Warn("accept error", "error", err.Error())
				return
			}
		}
		go func(c net.Conn) {
			<-t.stopCh
			c.Close()
		}(conn)
		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

// readLoop services one physical connection, whether inbound (accepted) or
// outbound (dialed by AddPeer), dispatching every frame it reads.
func (t *Transport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			t.log.Debug("connection closed", "remote", conn.RemoteAddr().String(), "error", err.Error())
			return
		}
		t.dispatch(conn, msg)
	}
}

func (t *Transport) dispatch(conn net.Conn, msg *Message) {
	t.pendingMu.Lock()
	ch, isResponse := t.pending[msg.MsgID]
	if isResponse {
		delete(t.pending, msg.MsgID)
	}
	t.pendingMu.Unlock()

	if isResponse {
		select {
		case ch <- msg:
		default:
		}
		return
	}

	t.handlersMu.RLock()
	h, ok := t.handlers[msg.MsgType]
	t.handlersMu.RUnlock()

	if !ok {
		t.log.Warn("no handler registered", "msg_type", string(msg.MsgType))
		return
	}

	result, err := h(msg)
	if err != nil {
		t.log.Error("handler returned an error", "msg_type", string(msg.MsgType), "error", err.Error())
		errPayload := map[string]string{"error": derrors.HandlerRaised(err).Error()}
		resp, buildErr := NewMessage(msg.MsgType, t.nodeID, errPayload, msg.MsgID)
		if buildErr == nil {
			WriteMessage(conn, resp)
		}
		return
	}
	if result == nil {
		return
	}
	resp, err := NewMessage(msg.MsgType, t.nodeID, result, msg.MsgID)
	if err != nil {
		t.log.Error("failed to build response", "error", err.Error())
		return
	}
	if err := WriteMessage(conn, resp); err != nil {
		t.log.Warn("failed to write response", "error", err.Error())
	}
}

// AddPeer dials addr and registers it under peerID, retrying the dial up
// to dialMaxAttempts times with dialRetryDelay between attempts. A
// dedicated writer goroutine drains the peer's outbox so messages to that
// peer are delivered in the order they were submitted.
func (t *Transport) AddPeer(peerID, addr string) error {
	var conn net.Conn
	var err error
	for attempt := 1; attempt <= dialMaxAttempts; attempt++ {
		if t.tlsConfig != nil {
			dialer := &tls.Dialer{Config: t.tlsConfig}
			conn, err = dialer.Dial("tcp", addr)
		} else {
			conn, err = net.Dial("tcp", addr)
		}
		if err == nil {
			break
		}
		t.log.Warn("dial failed", "peer", peerID, "addr", addr, "attempt", attempt, "error", err.Error())
		if attempt < dialMaxAttempts {
			time.Sleep(dialRetryDelay)
		}
	}
	if err != nil {
		return derrors.ConnectionDown(addr, err)
	}

	p := &peer{
		id:      peerID,
		addr:    addr,
		conn:    conn,
		outbox:  make(chan *Message, outboundQueueSize),
		closeCh: make(chan struct{}),
	}

	t.mu.Lock()
	if old, exists := t.peers[peerID]; exists {
		old.close()
	}
	t.peers[peerID] = p
	t.mu.Unlock()

	t.wg.Add(2)
	go t.readLoop(conn)
	go func() {
		defer t.wg.Done()
		t.writeLoop(p)
	}()

	t.log.Info("connected to peer", "peer", peerID, "addr", addr)
	return nil
}

func (t *Transport) writeLoop(p *peer) {
	for {
		select {
		case msg := <-p.outbox:
			if err := WriteMessage(p.conn, msg); err != nil {
				t.log.Warn("write failed, dropping peer", "peer", p.id, "error", err.Error())
				t.removePeerLocked(p.id, p)
				return
			}
		case <-p.closeCh:
			return
		}
	}
}

// RemovePeer closes and forgets the connection to peerID, if any.
func (t *Transport) RemovePeer(peerID string) {
	t.mu.Lock()
	p, ok := t.peers[peerID]
	if ok {
		delete(t.peers, peerID)
	}
	t.mu.Unlock()
	if ok {
		p.close()
	}
}

func (t *Transport) removePeerLocked(peerID string, expect *peer) {
	t.mu.Lock()
	if cur, ok := t.peers[peerID]; ok && cur == expect {
		delete(t.peers, peerID)
	}
	t.mu.Unlock()
	expect.close()
}

// Send delivers msg to targetID's outbox. When waitResponse is true, Send
// blocks until a reply carrying the same msg_id arrives, ctx is done, or
// timeout elapses, whichever comes first.
func (t *Transport) Send(ctx context.Context, targetID string, msg *Message, waitResponse bool, timeout time.Duration) (*Message, error) {
	t.mu.RLock()
	p, ok := t.peers[targetID]
	t.mu.RUnlock()
	if !ok {
		return nil, derrors.ConnectionDown(targetID, fmt.Errorf("no connection to peer %q", targetID))
	}

	var respCh chan *Message
	if waitResponse {
		respCh = make(chan *Message, 1)
		t.pendingMu.Lock()
		t.pending[msg.MsgID] = respCh
		t.pendingMu.Unlock()
	}

	select {
	case p.outbox <- msg:
	case <-p.closeCh:
		return nil, derrors.ConnectionDown(targetID, fmt.Errorf("peer connection closed"))
	}

	if !waitResponse {
		return nil, nil
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		t.forgetPending(msg.MsgID)
		return nil, ctx.Err()
	case <-time.After(timeout):
		t.forgetPending(msg.MsgID)
		return nil, derrors.ResponseTimeout(msg.MsgID)
	}
}

func (t *Transport) forgetPending(msgID string) {
	t.pendingMu.Lock()
	delete(t.pending, msgID)
	t.pendingMu.Unlock()
}

// Broadcast sends msg to every connected peer except those in exclude,
// firing each send concurrently and waiting for all to be enqueued.
func (t *Transport) Broadcast(ctx context.Context, msg *Message, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	t.mu.RLock()
	targets := make([]string, 0, len(t.peers))
	for id := range t.peers {
		if !skip[id] {
			targets = append(targets, id)
		}
	}
	t.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range targets {
		wg.Add(1)
		go func(peerID string) {
			defer wg.Done()
			if _, err := t.Send(ctx, peerID, msg, false, 0); err != nil {
				t.log.Debug("broadcast send failed", "peer", peerID, "error", err.Error())
			}
		}(id)
	}
	wg.Wait()
}

// PeerIDs returns the currently connected peer ids.
func (t *Transport) PeerIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

// NodeID returns the id this transport identifies itself with.
func (t *Transport) NodeID() string { return t.nodeID }
