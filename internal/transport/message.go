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
Package transport implements the node-to-node wire protocol: a 4-byte
big-endian length prefix followed by a JSON-encoded Message. Every RPC used
by Raft, the lock manager, the queue, the cache, and the failure detector
rides on this single framing and envelope.
*/
package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MaxMessageSize bounds a single frame's payload to guard against a
// corrupt or malicious length prefix driving an unbounded allocation.
const MaxMessageSize = 64 * 1024 * 1024

// MessageType identifies the payload carried in Message.Data.
type MessageType string

const (
	MsgRequestVote            MessageType = "request_vote"
	MsgVoteResponse           MessageType = "vote_response"
	MsgAppendEntries          MessageType = "append_entries"
	MsgAppendEntriesResponse  MessageType = "append_entries_response"

	MsgLockRequest  MessageType = "lock_request"
	MsgLockRelease  MessageType = "lock_release"
	MsgLockResponse MessageType = "lock_response"

	MsgEnqueue       MessageType = "enqueue"
	MsgDequeue       MessageType = "dequeue"
	MsgAcknowledge   MessageType = "acknowledge"
	MsgQueueResponse MessageType = "queue_response"

	MsgCacheGet        MessageType = "cache_get"
	MsgCachePut        MessageType = "cache_put"
	MsgCacheInvalidate MessageType = "cache_invalidate"
	MsgCacheResponse   MessageType = "cache_response"

	MsgHeartbeat MessageType = "heartbeat"
	MsgPing      MessageType = "ping"
	MsgPong      MessageType = "pong"
)

// Message is the envelope exchanged between nodes. Data carries the
// type-specific payload as raw JSON so handlers can unmarshal into their
// own request/response structs without a central registry of Go types.
type Message struct {
	MsgType   MessageType     `json:"msg_type"`
	Sender    string          `json:"sender"`
	Data      json.RawMessage `json:"data"`
	MsgID     string          `json:"msg_id"`
	Timestamp float64         `json:"timestamp"`
}

// NewMessage marshals payload into data and stamps sender, msg_id, and the
// current time. msgID may be empty, in which case one is derived from
// sender and the current time, matching a fresh request; pass the
// originating request's ID to build a correlated response.
func NewMessage(msgType MessageType, sender string, payload interface{}, msgID string) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message payload: %w", err)
	}
	now := float64(time.Now().UnixNano()) / 1e9
	if msgID == "" {
		msgID = fmt.Sprintf("%s_%d", sender, time.Now().UnixNano())
	}
	return &Message{
		MsgType:   msgType,
		Sender:    sender,
		Data:      data,
		MsgID:     msgID,
		Timestamp: now,
	}, nil
}

// Unmarshal decodes Data into v.
func (m *Message) Unmarshal(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(%s, from=%s, id=%s)", m.MsgType, m.Sender, m.MsgID)
}

// WriteMessage frames msg as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func WriteMessage(w io.Writer, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds max frame size %d", len(body), MaxMessageSize)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadMessage reads one length-prefixed JSON frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds max frame size %d", n, MaxMessageSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return msg, nil
}
