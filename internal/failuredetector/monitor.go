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

package failuredetector

import (
	"sync"
	"time"

	"distsync/internal/logging"
)

// Monitor owns one Detector per peer, a periodic heartbeat loop, a
// periodic state-check loop, and a fencing table guarding against a
// partitioned former leader rejoining with stale connections.
type Monitor struct {
	threshold         float64
	timeoutThresholdMS float64
	heartbeatInterval time.Duration
	log               *logging.Logger

	detectorsMu sync.RWMutex
	detectors   map[string]*Detector

	fenceMu sync.Mutex
	fenced  map[string]uint64
	nextToken uint64

	onFailed    func(peer string)
	onRecovered func(peer string)

	sendHeartbeat func(peer string)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor returns a Monitor. sendHeartbeat is invoked for every known
// peer on every heartbeatInterval tick and should push a MsgHeartbeat
// frame via the transport; onFailed/onRecovered fire on state transitions.
func NewMonitor(threshold, timeoutThresholdMS float64, heartbeatInterval time.Duration, log *logging.Logger, sendHeartbeat func(peer string), onFailed, onRecovered func(peer string)) *Monitor {
	return &Monitor{
		threshold:          threshold,
		timeoutThresholdMS: timeoutThresholdMS,
		heartbeatInterval:  heartbeatInterval,
		log:                log,
		detectors:          make(map[string]*Detector),
		fenced:             make(map[string]uint64),
		onFailed:           onFailed,
		onRecovered:        onRecovered,
		sendHeartbeat:      sendHeartbeat,
		stopCh:             make(chan struct{}),
	}
}

func (m *Monitor) detectorFor(peer string) *Detector {
	m.detectorsMu.RLock()
	d, ok := m.detectors[peer]
	m.detectorsMu.RUnlock()
	if ok {
		return d
	}

	m.detectorsMu.Lock()
	defer m.detectorsMu.Unlock()
	if d, ok = m.detectors[peer]; ok {
		return d
	}
	d = NewDetector(m.threshold, m.timeoutThresholdMS)
	m.detectors[peer] = d
	return d
}

// RegisterPeer ensures peer has a Detector so the heartbeat loop sends to
// it even before any traffic has been observed.
func (m *Monitor) RegisterPeer(peer string) {
	m.detectorFor(peer)
}

// RemovePeer drops a peer's detector and fencing state, e.g. when the
// transport's AddPeer/RemovePeer bookkeeping removes it.
func (m *Monitor) RemovePeer(peer string) {
	m.detectorsMu.Lock()
	delete(m.detectors, peer)
	m.detectorsMu.Unlock()
	m.fenceMu.Lock()
	delete(m.fenced, peer)
	m.fenceMu.Unlock()
}

// RecordActivity counts any inbound traffic from peer as a heartbeat,
// matching the accrual style where a busy peer need not send a dedicated
// heartbeat to stay alive.
func (m *Monitor) RecordActivity(peer string) {
	m.detectorFor(peer).Heartbeat()
	m.evaluate(peer)
}

// Peers returns the set of currently monitored peer ids.
func (m *Monitor) Peers() []string {
	m.detectorsMu.RLock()
	defer m.detectorsMu.RUnlock()
	ids := make([]string, 0, len(m.detectors))
	for id := range m.detectors {
		ids = append(ids, id)
	}
	return ids
}

// StateOf returns the last-evaluated State for peer, defaulting to
// StateAlive for a peer with no recorded activity yet.
func (m *Monitor) StateOf(peer string) State {
	m.detectorsMu.RLock()
	d, ok := m.detectors[peer]
	m.detectorsMu.RUnlock()
	if !ok {
		return StateAlive
	}
	return d.State()
}

func (m *Monitor) evaluate(peer string) {
	d := m.detectorFor(peer)
	state, changed := d.Check()
	if !changed {
		return
	}
	switch state {
	case StateFailed:
		token := m.fence(peer)
		m.log.Warn("peer failed", "peer", peer, "fencing_token", token)
		if m.onFailed != nil {
			m.onFailed(peer)
		}
	case StateAlive:
		if m.unfence(peer) {
			m.log.Info("peer recovered", "peer", peer)
			if m.onRecovered != nil {
				m.onRecovered(peer)
			}
		}
	}
}

// fence stamps a fresh monotonically increasing token on peer, returning
// it for logging.
func (m *Monitor) fence(peer string) uint64 {
	m.fenceMu.Lock()
	defer m.fenceMu.Unlock()
	m.nextToken++
	m.fenced[peer] = m.nextToken
	return m.nextToken
}

// unfence clears peer's fencing entry, returning true if it was fenced.
func (m *Monitor) unfence(peer string) bool {
	m.fenceMu.Lock()
	defer m.fenceMu.Unlock()
	if _, ok := m.fenced[peer]; !ok {
		return false
	}
	delete(m.fenced, peer)
	return true
}

// IsFenced reports whether peer currently carries an active fencing
// token, meaning its RPC replies should be rejected until a fresh
// heartbeat clears the fence.
func (m *Monitor) IsFenced(peer string) bool {
	m.fenceMu.Lock()
	defer m.fenceMu.Unlock()
	_, ok := m.fenced[peer]
	return ok
}

// Start launches the background heartbeat and evaluation loops.
func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.checkLoop()
}

// Stop halts both background loops.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.sendHeartbeat == nil {
				continue
			}
			for _, peer := range m.Peers() {
				m.sendHeartbeat(peer)
			}
		}
	}
}

func (m *Monitor) checkLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			for _, peer := range m.Peers() {
				m.evaluate(peer)
			}
		}
	}
}
