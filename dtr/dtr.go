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

// Package dtr implements the Disciplined Timer Realtime state machine: the
// ISR-level owner of the hardware PWM timer and its "timer reaches zero"
// (TEZ) interrupt. HandleTEZ is the entire ISR in this rendering — the
// board's real wrap interrupt calls it directly, and tests call it
// synchronously to drive the state machine deterministically.
package dtr

import (
	"fmt"
	"sync"
	"time"
)

// State is the DTR lifecycle state. It only ever advances forward.
type State int

const (
	NotStarted State = iota
	Running
	Aligned
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Running:
		return "Running"
	case Aligned:
		return "Aligned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FP16Scale is the fixed-point scale used for base_period_fp16: a value v
// represents v/FP16Scale ticks.
const FP16Scale = 65536

// TEZWaitTimeout is how long WaitForTEZ blocks before treating a missing
// TEZ as a fatal condition.
const TEZWaitTimeout = time.Second

// HardwareTimer is the seam between the portable state machine and the
// concrete timer peripheral. Production code backs this with a PWM slice
// (see board.Timer); tests back it with a fake that just records writes.
type HardwareTimer interface {
	// WritePeriod loads the shadow period register, in ticks, to take
	// effect at the next TEZ boundary.
	WritePeriod(ticks uint16)

	// Enable starts the timer's free-running counter. StartTimer calls it
	// unconditionally, independent of the Gate's output-level force, so TEZ
	// fires and the state machine advances regardless of alignment state
	// (spec.md §4.5.3: "enable and start the timer").
	Enable()
}

// Gate is the slave-only GPIO output force. Before the first alignment is
// applied the generator output is held low; Release is called exactly
// once, when DTR first transitions Running -> Aligned, to let the hardware
// pulse train loose. Master mode passes a nil Gate.
type Gate interface {
	Release()
}

// AlignRequest is the single-slot mailbox used by DTC (or master
// self-alignment) to hand DTR a re-alignment command, consumed atomically
// at the next TEZ.
type AlignRequest struct {
	Pending              bool
	TargetCycle          int64
	TargetLocalTicks     int64
	TargetBasePeriodFP16 int64
}

// AlignFeedback is the single-slot return mailbox DTR uses to report how an
// alignment request was actually applied.
type AlignFeedback struct {
	Ready            bool
	CycleCounter     int64
	CycleDelta       int32
	PeriodTicks      int32
	PeriodTicksDelta int32
}

// Controller is the ISR-level timer state machine described in spec.md §4.5.
// All exported state-touching methods are safe for concurrent use; the
// mutex plays the role of the ISR spinlock.
type Controller struct {
	mu sync.Mutex

	hw   HardwareTimer
	gate Gate

	period         int64 // nominal ticks per cycle (PERIOD)
	minPeriodTicks int64

	state              State
	cycleCounter       int64
	timerBaseTicks     int64
	activePeriodTicks  uint16
	shadowPeriodTicks  uint16
	periodTicks        int64
	basePeriodFP16     uint32
	periodTicksFracAcc int32

	req AlignRequest
	fb  AlignFeedback

	listener chan struct{}
	onTick   func(cycle int64)
}

// New constructs a Controller for a hardware timer with the given nominal
// period (in ticks) and minimum allowed period (in ticks, derived from the
// board's ISR+callback CPU budget). gate may be nil (master mode).
func New(hw HardwareTimer, gate Gate, period, minPeriodTicks int64) *Controller {
	return &Controller{
		hw:             hw,
		gate:           gate,
		period:         period,
		minPeriodTicks: minPeriodTicks,
		state:          NotStarted,
		cycleCounter:   -1,
		basePeriodFP16: uint32(period) * FP16Scale,
	}
}

// SetTickCallback installs the application callback invoked at every TEZ
// once the state is Aligned. It runs on whatever goroutine calls HandleTEZ
// — in production that is the board's real interrupt dispatch path, so the
// callback must not allocate, block, or take a lock also held by a task.
func (d *Controller) SetTickCallback(fn func(cycle int64)) {
	d.mu.Lock()
	d.onTick = fn
	d.mu.Unlock()
}

// State returns the current lifecycle state.
func (d *Controller) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// StartTimer zeros timer_base_ticks and cycle_counter, transitions to
// Running, loads the nominal period, and enables the hardware counter — by
// design the first TEZ fires immediately once enabled, consistent with
// active_period_ticks starting at zero. This is spec.md §4.5.3's
// "enable and start the timer" in full; the Gate (if any) stays forced low
// independently until the first alignment, since the counter must run from
// boot for TEZ (and thus alignment) to ever happen.
func (d *Controller) StartTimer() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timerBaseTicks = 0
	d.cycleCounter = 0
	d.activePeriodTicks = 0
	d.shadowPeriodTicks = uint16(d.period)
	d.periodTicks = d.period
	d.basePeriodFP16 = uint32(d.period) * FP16Scale
	d.periodTicksFracAcc = 0
	d.state = Running
	d.hw.WritePeriod(uint16(d.period))
	d.hw.Enable()
}

// AddTimerBaseOffset atomically adds delta ticks to timer_base_ticks. It is
// used once at start-up by the MAC/timer offset measurement (spec.md
// §4.5.4) to fold the measured epoch offset into the running tick base.
func (d *Controller) AddTimerBaseOffset(delta int64) {
	d.mu.Lock()
	d.timerBaseTicks += delta
	d.mu.Unlock()
}

// GetTimerBaseTicks returns timer_base_ticks under the spinlock.
func (d *Controller) GetTimerBaseTicks() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timerBaseTicks
}

// RegisterTEZListener installs the calling task as the single TEZ
// notification target and returns the channel it will be notified on.
// Calling it again (from the same or a different task) is idempotent and
// returns the existing channel — spec.md §9 leaves repeated registration
// as an open question; this implementation registers once and leaves it
// registered, one of the two behaviors spec.md calls consistent.
func (d *Controller) RegisterTEZListener() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		d.listener = make(chan struct{}, 1)
	}
	return d.listener
}

// UnregisterTEZListener clears the TEZ notification target.
func (d *Controller) UnregisterTEZListener() {
	d.mu.Lock()
	d.listener = nil
	d.mu.Unlock()
}

// DrainTEZ discards any stale pending notification without blocking.
func (d *Controller) DrainTEZ() {
	d.mu.Lock()
	ch := d.listener
	d.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// WaitForTEZ blocks until the next TEZ notification, registering as
// listener first if necessary. A wait exceeding TEZWaitTimeout is treated
// as the unrecoverable condition spec.md §7 requires: there is no recovery
// path, so this panics rather than returning an error.
func (d *Controller) WaitForTEZ() {
	ch := d.RegisterTEZListener()
	select {
	case <-ch:
	case <-time.After(TEZWaitTimeout):
		panic("dtr: TEZ wait timed out after 1s")
	}
}

// SetAlignRequest publishes a new alignment request and clears any stale
// feedback, atomically under the spinlock. It is used by both DTC and
// master self-alignment.
func (d *Controller) SetAlignRequest(targetCycle, targetLocalTicks, targetBasePeriodFP16 int64) {
	d.mu.Lock()
	d.req = AlignRequest{
		Pending:              true,
		TargetCycle:          targetCycle,
		TargetLocalTicks:     targetLocalTicks,
		TargetBasePeriodFP16: targetBasePeriodFP16,
	}
	d.fb.Ready = false
	d.mu.Unlock()
}

// Feedback returns the most recent alignment feedback and clears Ready, so
// a second reader sees Ready == false until a new request is applied.
func (d *Controller) Feedback() AlignFeedback {
	d.mu.Lock()
	defer d.mu.Unlock()
	fb := d.fb
	d.fb.Ready = false
	return fb
}

// ditherIncrement computes the next fractional-period increment from
// base_period_fp16, updating period_ticks_frac_acc. Caller must hold d.mu.
func (d *Controller) ditherIncrement() int64 {
	inc := int64(d.basePeriodFP16 / FP16Scale)
	d.periodTicksFracAcc += int32(d.basePeriodFP16 % FP16Scale)
	if d.periodTicksFracAcc >= FP16Scale {
		inc++
		d.periodTicksFracAcc -= FP16Scale
	}
	return inc
}

// HandleTEZ is the TEZ interrupt handler: spec.md §4.5.2 steps 1-9. It
// advances the cycle counter and tick base, applies a pending alignment
// request atomically, performs fractional-period dithering, writes the new
// period to hardware, notifies the registered TEZ listener (non-blocking),
// and — once Aligned — invokes the application tick callback.
func (d *Controller) HandleTEZ() {
	d.mu.Lock()

	d.cycleCounter++
	d.timerBaseTicks += int64(d.activePeriodTicks)
	d.activePeriodTicks = d.shadowPeriodTicks

	stateChanged := false
	if d.req.Pending {
		oldCycle := d.cycleCounter
		oldPeriod := d.periodTicks

		d.cycleCounter = d.req.TargetCycle
		d.periodTicks = d.req.TargetLocalTicks - d.timerBaseTicks
		d.basePeriodFP16 = uint32(d.req.TargetBasePeriodFP16)
		d.periodTicksFracAcc = 0

		for d.periodTicks < d.minPeriodTicks {
			d.periodTicks += d.ditherIncrement()
			d.cycleCounter++
		}

		d.req.Pending = false
		d.fb = AlignFeedback{
			Ready:            true,
			CycleCounter:     d.cycleCounter,
			CycleDelta:       int32(d.cycleCounter - oldCycle),
			PeriodTicks:      int32(d.periodTicks),
			PeriodTicksDelta: int32(d.periodTicks - oldPeriod),
		}

		if d.state == Running {
			d.state = Aligned
			stateChanged = true
		}
	} else {
		d.periodTicks = d.ditherIncrement()
	}

	periodTicks := d.periodTicks
	listener := d.listener
	onTick := d.onTick
	curState := d.state
	cycle := d.cycleCounter

	d.mu.Unlock()

	if periodTicks < 1 || periodTicks > 65535 {
		panic(fmt.Sprintf("dtr: period_ticks=%d out of range [1,65535]", periodTicks))
	}

	d.hw.WritePeriod(uint16(periodTicks))

	d.mu.Lock()
	d.shadowPeriodTicks = uint16(periodTicks)
	d.mu.Unlock()

	if stateChanged && d.gate != nil {
		d.gate.Release()
	}

	if listener != nil {
		select {
		case listener <- struct{}{}:
		default:
		}
	}

	if curState == Aligned && onTick != nil {
		onTick(cycle)
	}
}

// AlignMasterTimer implements master-only self-alignment (spec.md §4.5.3):
// it waits for the next TEZ, reads timer_base_ticks, computes the nearest
// forward cycle boundary with the fixed +2 lead, and issues a nominal
// (uncorrected) alignment request. It then waits one more TEZ and returns
// the resulting feedback.
func (d *Controller) AlignMasterTimer() AlignFeedback {
	d.WaitForTEZ()
	ticks := d.GetTimerBaseTicks()
	alignedCycle := ticks/d.period + 2
	nominalFP16 := d.period * FP16Scale
	d.SetAlignRequest(alignedCycle, alignedCycle*d.period, nominalFP16)
	d.WaitForTEZ()
	return d.Feedback()
}
