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
Package errors provides the structured error system for distsync.

Every subsystem boundary named in the wire/API contract returns a
*CodedError instead of an ad hoc string, so callers can branch on Category
or Code without parsing messages. Handler panics and connection failures are
converted to CodedError at the transport boundary and never cross it as a
raw panic.

Error Categories:
  - Transport: framing, dialing, response-timeout errors
  - Raft: term/log consistency violations, not-leader
  - Lock: lock conflicts, timeouts, forwarding failures
  - Queue: capacity, ownership, persistence errors
  - Cache: miss-with-no-peer, invalidation failures
  - Config: validation failures at load time
  - Discovery: peer resolution failures
*/
package errors

import "fmt"

// Code is a unique, stable error identifier.
type Code int

const (
	// Transport errors (1000-1999)
	CodeConnectionDown  Code = 1000
	CodeResponseTimeout Code = 1001
	CodeUnknownMessage  Code = 1002
	CodeHandlerRaised   Code = 1003
	CodeCorruptFrame    Code = 1004

	// Raft errors (2000-2999)
	CodeNotLeader       Code = 2000
	CodeStaleTerm       Code = 2001
	CodeLogInconsistent Code = 2002

	// Lock errors (3000-3999)
	CodeLockNotLeader     Code = 3000
	CodeLockTimeout       Code = 3001
	CodeLockForwardFailed Code = 3002

	// Queue errors (4000-4999)
	CodeQueueFull     Code = 4000
	CodeQueueNotOwner Code = 4001
	CodePersistFailed Code = 4002

	// Cache errors (5000-5999)
	CodeCacheMissNoPeer Code = 5000

	// Config errors (6000-6999)
	CodeInvalidConfig Code = 6000

	// Discovery errors (7000-7999)
	CodeDiscoveryFailed Code = 7000
)

// Category groups related codes.
type Category string

const (
	CategoryTransport Category = "TRANSPORT"
	CategoryRaft      Category = "RAFT"
	CategoryLock      Category = "LOCK"
	CategoryQueue     Category = "QUEUE"
	CategoryCache     Category = "CACHE"
	CategoryConfig    Category = "CONFIG"
	CategoryDiscovery Category = "DISCOVERY"
)

// CodedError is the structured error type used at every subsystem boundary.
type CodedError struct {
	Code     Code
	Category Category
	Message  string
	Detail   string
	Cause    error
}

func (e *CodedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s[%d]: %s - %s", e.Category, e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s[%d]: %s", e.Category, e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// WithDetail attaches a detail string and returns e for chaining.
func (e *CodedError) WithDetail(detail string) *CodedError {
	e.Detail = detail
	return e
}

// WithCause attaches the underlying cause and returns e for chaining.
func (e *CodedError) WithCause(cause error) *CodedError {
	e.Cause = cause
	return e
}

// ---- Transport ----

func ConnectionDown(addr string, cause error) *CodedError {
	return &CodedError{Code: CodeConnectionDown, Category: CategoryTransport,
		Message: fmt.Sprintf("connection to %s is down", addr), Cause: cause}
}

func ResponseTimeout(msgID string) *CodedError {
	return &CodedError{Code: CodeResponseTimeout, Category: CategoryTransport,
		Message: fmt.Sprintf("timed out waiting for response to %s", msgID)}
}

func UnknownMessageType(msgType string) *CodedError {
	return &CodedError{Code: CodeUnknownMessage, Category: CategoryTransport,
		Message: fmt.Sprintf("no handler registered for message type %q", msgType)}
}

func HandlerRaised(cause error) *CodedError {
	return &CodedError{Code: CodeHandlerRaised, Category: CategoryTransport,
		Message: "handler returned an error", Cause: cause}
}

func CorruptFrame(detail string) *CodedError {
	return &CodedError{Code: CodeCorruptFrame, Category: CategoryTransport,
		Message: "corrupt frame on wire", Detail: detail}
}

// ---- Raft ----

func NotLeader(leaderID string) *CodedError {
	return &CodedError{Code: CodeNotLeader, Category: CategoryRaft,
		Message: "this node is not the leader", Detail: leaderID}
}

func StaleTerm(ourTerm, theirTerm uint64) *CodedError {
	return &CodedError{Code: CodeStaleTerm, Category: CategoryRaft,
		Message: fmt.Sprintf("observed higher term %d > %d", theirTerm, ourTerm)}
}

func LogInconsistent(peer string, prevLogIndex int) *CodedError {
	return &CodedError{Code: CodeLogInconsistent, Category: CategoryRaft,
		Message: fmt.Sprintf("log inconsistency with %s at index %d", peer, prevLogIndex)}
}

// ---- Lock ----

func LockNotLeader() *CodedError {
	return &CodedError{Code: CodeLockNotLeader, Category: CategoryLock,
		Message: "no known leader to forward lock request to"}
}

func LockTimeout(lockID string) *CodedError {
	return &CodedError{Code: CodeLockTimeout, Category: CategoryLock,
		Message: fmt.Sprintf("timed out acquiring lock %q", lockID)}
}

func LockForwardFailed(lockID string, cause error) *CodedError {
	return &CodedError{Code: CodeLockForwardFailed, Category: CategoryLock,
		Message: fmt.Sprintf("failed to forward lock request %q to leader", lockID), Cause: cause}
}

// ---- Queue ----

func QueueFull(name string) *CodedError {
	return &CodedError{Code: CodeQueueFull, Category: CategoryQueue,
		Message: fmt.Sprintf("queue %q is full", name)}
}

func PersistFailed(msgID string, cause error) *CodedError {
	return &CodedError{Code: CodePersistFailed, Category: CategoryQueue,
		Message: fmt.Sprintf("failed to persist message %q", msgID), Cause: cause}
}

func QueueNotOwner(name, owner string) *CodedError {
	return &CodedError{Code: CodeQueueNotOwner, Category: CategoryQueue,
		Message: fmt.Sprintf("this node does not own shard for queue %q", name), Detail: owner}
}

// ---- Cache ----

func CacheMissNoPeer(key string) *CodedError {
	return &CodedError{Code: CodeCacheMissNoPeer, Category: CategoryCache,
		Message: fmt.Sprintf("cache miss for %q and no peer or state machine had it", key)}
}

// ---- Config ----

func InvalidConfig(reason string) *CodedError {
	return &CodedError{Code: CodeInvalidConfig, Category: CategoryConfig,
		Message: "invalid configuration", Detail: reason}
}

// ---- Discovery ----

func DiscoveryFailed(mode string, cause error) *CodedError {
	return &CodedError{Code: CodeDiscoveryFailed, Category: CategoryDiscovery,
		Message: fmt.Sprintf("peer discovery failed (mode=%s)", mode), Cause: cause}
}

// ---- Helpers ----

// GetCategory returns the category of err if it is a *CodedError.
func GetCategory(err error) (Category, bool) {
	if e, ok := err.(*CodedError); ok {
		return e.Category, true
	}
	return "", false
}

// GetCode returns the code of err if it is a *CodedError.
func GetCode(err error) (Code, bool) {
	if e, ok := err.(*CodedError); ok {
		return e.Code, true
	}
	return 0, false
}
