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
	"testing"
	"time"
)

func TestPhiZeroBeforeAnyHeartbeat(t *testing.T) {
	d := NewDetector(8, 1000)
	if got := d.Phi(); got != 0 {
		t.Errorf("Phi() before any heartbeat = %v, want 0", got)
	}
}

func TestPhiFallbackWithFewerThanTwoSamples(t *testing.T) {
	d := NewDetector(8, 100)
	d.Heartbeat()
	time.Sleep(150 * time.Millisecond)

	phi := d.Phi()
	if phi < 1 {
		t.Errorf("Phi() with <2 samples = %v, want roughly elapsed/timeoutThreshold > 1", phi)
	}
}

func TestPhiRisesWithSilence(t *testing.T) {
	d := NewDetector(8, 1000)
	for i := 0; i < 20; i++ {
		d.Heartbeat()
		time.Sleep(5 * time.Millisecond)
	}

	phiSoonAfter := d.Phi()
	time.Sleep(200 * time.Millisecond)
	phiLater := d.Phi()

	if phiLater <= phiSoonAfter {
		t.Errorf("expected phi to grow with silence: soon=%v later=%v", phiSoonAfter, phiLater)
	}
}

func TestWindowCapsAtMaxSamples(t *testing.T) {
	d := NewDetector(8, 1000)
	for i := 0; i < maxSamples+20; i++ {
		d.Heartbeat()
	}
	if len(d.intervals) > maxSamples {
		t.Errorf("intervals len = %d, want <= %d", len(d.intervals), maxSamples)
	}
}

func TestCheckStateTransitions(t *testing.T) {
	d := NewDetector(8, 50)
	d.Heartbeat()

	state, _ := d.Check()
	if state != StateAlive {
		t.Errorf("state right after a heartbeat = %v, want ALIVE", state)
	}

	time.Sleep(450 * time.Millisecond)
	state, changed := d.Check()
	if state != StateFailed {
		t.Errorf("state after long silence = %v, want FAILED", state)
	}
	if !changed {
		t.Error("expected Check to report a state change from ALIVE to FAILED")
	}
}
