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
Package control implements the loopback endpoint distsync-cli speaks to: a
length-prefixed JSON request/response protocol, reusing the same framing
transport uses for node-to-node traffic, carrying the handful of operations
a demo/ops client needs (acquire, release, enqueue, dequeue, get, put,
status). It is a pure client of the node's public manager APIs and never
reaches into Raft or transport internals directly.
*/
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"distsync/internal/cache"
	"distsync/internal/lock"
	"distsync/internal/logging"
	"distsync/internal/queue"
	"distsync/internal/transport"
)

// Op identifies the operation a Request carries out.
type Op string

const (
	OpAcquire Op = "acquire"
	OpRelease Op = "release"
	OpEnqueue Op = "enqueue"
	OpDequeue Op = "dequeue"
	OpGet     Op = "get"
	OpPut     Op = "put"
	OpStatus  Op = "status"
)

// Request is one control-endpoint call.
type Request struct {
	Op        Op              `json:"op"`
	Resource  string          `json:"resource,omitempty"`
	Mode      string          `json:"mode,omitempty"`
	Queue     string          `json:"queue,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty"`
}

// Response is the control endpoint's reply to a Request.
type Response struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Granted bool            `json:"granted,omitempty"`
	Found   bool            `json:"found,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	MsgID   string          `json:"msg_id,omitempty"`
	Status  *StatusView     `json:"status,omitempty"`
}

// StatusView is the JSON-friendly projection of node.Status the status
// command renders; it lives here rather than in internal/node so this
// package never has to import node and risk a cycle back through it.
type StatusView struct {
	NodeID     string       `json:"node_id"`
	RaftState  string       `json:"raft_state"`
	RaftTerm   uint64       `json:"raft_term"`
	Leader     string       `json:"leader"`
	Peers      []string     `json:"peers"`
	FencedPeer []string     `json:"fenced_peers"`
	LockStats  lock.Status  `json:"lock_stats"`
	QueueStats queue.Stats  `json:"queue_stats"`
	CacheStats cache.Stats  `json:"cache_stats"`
}

// Backend is the set of operations the control server dispatches onto; it
// is satisfied by *node.Node without this package importing node.
type Backend interface {
	AcquireLock(ctx context.Context, resource string, mode lock.Mode, timeout time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, resource string) error
	Enqueue(ctx context.Context, queueName string, payload interface{}) (string, error)
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Message, error)
	CacheGet(ctx context.Context, key string) (json.RawMessage, bool, error)
	CachePut(ctx context.Context, key string, value interface{}) error
	StatusView() StatusView
}

// Server accepts loopback connections and dispatches Requests onto a
// Backend, one connection per client, one request per round trip.
type Server struct {
	addr string
	be   Backend
	log  *logging.Logger
	ln   net.Listener
}

// New constructs a control Server bound to addr (normally a loopback
// address distinct from the cluster transport's port).
func New(addr string, be Backend, log *logging.Logger) *Server {
	return &Server{addr: addr, be: be, log: log}
}

// Start begins listening and accepting connections in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, terminating the accept loop.
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
}

// Addr returns the address the server is actually bound to, resolving
// any ":0" ephemeral port choice made at Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	for {
		msg, err := transport.ReadMessage(conn)
		if err != nil {
			return
		}
		var req Request
		if err := msg.Unmarshal(&req); err != nil {
			s.reply(conn, msg.MsgID, Response{OK: false, Error: "malformed request: " + err.Error()})
			continue
		}
		resp := s.dispatch(&req)
		s.reply(conn, msg.MsgID, resp)
	}
}

func (s *Server) reply(conn net.Conn, msgID string, resp Response) {
	resp.MsgID = msgID
	out, err := transport.NewMessage("control_response", "control", resp, msgID)
	if err != nil {
		return
	}
	if err := transport.WriteMessage(conn, out); err != nil && s.log != nil {
		s.log.Warn("control: write reply failed", "error", err)
	}
}

func (s *Server) dispatch(req *Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), timeoutOrDefault(req.TimeoutMS))
	defer cancel()

	switch req.Op {
	case OpAcquire:
		mode := lock.Shared
		if req.Mode == string(lock.Exclusive) {
			mode = lock.Exclusive
		}
		granted, err := s.be.AcquireLock(ctx, req.Resource, mode, timeoutOrDefault(req.TimeoutMS))
		if err != nil {
			return errResponse(err)
		}
		return Response{OK: true, Granted: granted}

	case OpRelease:
		if err := s.be.ReleaseLock(ctx, req.Resource); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case OpEnqueue:
		msgID, err := s.be.Enqueue(ctx, req.Queue, req.Value)
		if err != nil {
			return errResponse(err)
		}
		return Response{OK: true, Value: json.RawMessage(`"` + msgID + `"`)}

	case OpDequeue:
		m, err := s.be.Dequeue(ctx, req.Queue, timeoutOrDefault(req.TimeoutMS))
		if err != nil {
			return errResponse(err)
		}
		if m == nil {
			return Response{OK: true, Found: false}
		}
		return Response{OK: true, Found: true, Value: m.Data}

	case OpGet:
		val, found, err := s.be.CacheGet(ctx, req.Key)
		if err != nil {
			return errResponse(err)
		}
		return Response{OK: true, Found: found, Value: val}

	case OpPut:
		if err := s.be.CachePut(ctx, req.Key, req.Value); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case OpStatus:
		v := s.be.StatusView()
		return Response{OK: true, Status: &v}

	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func errResponse(err error) Response {
	return Response{OK: false, Error: err.Error()}
}

func timeoutOrDefault(ms int) time.Duration {
	if ms <= 0 {
		return 5 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}
