/*
 * Copyright 2025 Ted Dunning
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package macclock gives a thread-safe 64-bit microsecond view over a
// free-running 32-bit radio MAC counter.
package macclock

import (
	"errors"
	"sync"
	"time"

	"fts/unwrap"
)

// RawMicrosecondCounter is the radio stack's monotone-modulo-2^32
// microsecond counter, consumed verbatim from whatever MAC driver is
// wired in (see board.MACCounter for the TinyGo binding).
type RawMicrosecondCounter interface {
	MicroTime() uint32
}

const wrapValue = uint64(1) << 32

// KeepAliveInterval is how often the keep-alive task calls Read, chosen to
// be much shorter than the 71.6-minute wrap period of the 32-bit
// microsecond counter so no wrap is ever missed.
const KeepAliveInterval = time.Hour

// Clock is a process-wide, mutex-guarded unwrapper over RawMicrosecondCounter.
type Clock struct {
	mu      sync.Mutex
	raw     RawMicrosecondCounter
	state   *unwrap.State
	started bool
	stop    chan struct{}
}

// New constructs a Clock bound to raw. Init must still be called once
// before Read or Base may be used.
func New(raw RawMicrosecondCounter) *Clock {
	return &Clock{raw: raw, state: unwrap.New(wrapValue, 0)}
}

// Init must be called once after the radio is operational. It samples raw
// twice, separated by settleDelay, and fails if the hardware did not
// advance in that window. On success it installs the initial unwrap state
// and starts a low-priority keep-alive goroutine on keepAlive (pass
// KeepAliveInterval in production).
func (c *Clock) Init(settleDelay, keepAlive time.Duration) error {
	before := c.raw.MicroTime()
	time.Sleep(settleDelay)
	after := c.raw.MicroTime()
	if before == after {
		return errors.New("macclock: MAC microsecond counter is not advancing")
	}

	c.mu.Lock()
	c.state.Apply(int64(after))
	c.started = true
	c.mu.Unlock()

	c.stop = make(chan struct{})
	go c.keepAliveLoop(keepAlive)
	return nil
}

func (c *Clock) keepAliveLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.Read()
		case <-c.stop:
			return
		}
	}
}

// Stop halts the keep-alive goroutine. Production code never calls this —
// the clock is meant to run for the lifetime of the process — but tests
// need it to avoid leaking goroutines across cases.
func (c *Clock) Stop() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		close(c.stop)
	}
}

// Read returns the current unwrapped microsecond value. Calling Read
// before Init is a programming error and panics.
func (c *Clock) Read() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeStarted()
	raw := c.raw.MicroTime()
	return c.state.Apply(int64(raw))
}

// Base returns a read-only snapshot of the current cumulative offset,
// useful for recomputing an absolute value from a raw reading captured
// elsewhere. Calling Base before Init is a programming error and panics.
func (c *Clock) Base() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mustBeStarted()
	return c.state.Offset()
}

func (c *Clock) mustBeStarted() {
	if !c.started {
		panic("macclock: Read/Base called before Init")
	}
}
