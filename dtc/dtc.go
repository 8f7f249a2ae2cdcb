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

// Package dtc implements the Disciplined Timer Controller: the task-context
// preprocessor that turns a freshly-fit crm.Model into a concrete forward
// hardware re-alignment request for dtr.Controller.
package dtc

import (
	"fmt"

	"fts/crm"
	"fts/dtr"
)

// Timer is the slice of dtr.Controller's surface DTC depends on. Expressed
// as an interface so tests can drive the protocol against a fake without
// synchronizing on real TEZ interrupts.
type Timer interface {
	RegisterTEZListener() <-chan struct{}
	DrainTEZ()
	WaitForTEZ()
	GetTimerBaseTicks() int64
	SetAlignRequest(targetCycle, targetLocalTicks, targetBasePeriodFP16 int64)
	Feedback() dtr.AlignFeedback
}

// Logger receives one line per completed alignment round, in the shape
// spec.md §6's "DTC" trace record describes. Production wires this to
// trace.DTC; tests can capture into a slice.
type Logger interface {
	LogDTC(cycle, localTicks, basePeriodFP16 int64)
}

// Controller is the DTC task-context state: the fixed board constants and
// the one-shot "disable after first alignment" test-mode latch.
type Controller struct {
	psPerTick        int64
	period           int64
	compensationTicks int64

	timer  Timer
	logger Logger

	testModeOnce bool
	applied      bool
}

// New constructs a Controller. resolutionHz is the hardware timer's tick
// rate (spec.md's RESOLUTION_HZ); period is PERIOD in ticks;
// compensationTicks is the fixed signed board propagation-delay correction
// (spec.md's COMPENSATION_TICKS). If testModeOnce is true, only the first
// CRM update after construction produces an alignment; every later OnModel
// call is a no-op.
func New(timer Timer, logger Logger, resolutionHz, period, compensationTicks int64, testModeOnce bool) *Controller {
	return &Controller{
		psPerTick:         1_000_000_000_000 / resolutionHz,
		period:            period,
		compensationTicks: compensationTicks,
		timer:             timer,
		logger:            logger,
		testModeOnce:      testModeOnce,
	}
}

// OnModel runs the ten-step protocol of spec.md §4.4 against a newly fit,
// valid CRM model. It is meant to be registered directly as a crm.CRM
// callback (via SetCallback); it ignores models with Valid == false.
func (d *Controller) OnModel(m crm.Model) {
	if !m.Valid {
		return
	}
	if d.testModeOnce && d.applied {
		return
	}

	// Steps 1-2: register as listener, discard anything stale, then wait
	// for a clean TEZ boundary to sample against.
	d.timer.RegisterTEZListener()
	d.timer.DrainTEZ()
	d.timer.WaitForTEZ()

	// Step 3.
	timerBaseTicks := d.timer.GetTimerBaseTicks()

	// Step 4: convert CRM's picosecond centroid to ticks.
	refLocalTicks := m.LocalRefPS / d.psPerTick
	refRemoteTicks := m.RemoteRefPS / d.psPerTick

	// Step 5: project local to remote.
	delta := timerBaseTicks - refLocalTicks
	remoteTicks := refRemoteTicks + delta + floorMulDiv(delta, m.SlopeRLMinus1)

	// Step 6: round to the next aligned cycle, with +2 lead.
	alignedCycle := floorDiv(remoteTicks+d.period/2, d.period) + 2

	// Step 7: project back to local, plus fixed compensation.
	alignedRemoteTicks := alignedCycle * d.period
	deltaPrime := alignedRemoteTicks - refRemoteTicks
	alignedLocalTicks := refLocalTicks + deltaPrime + floorMulDiv(deltaPrime, m.SlopeLRMinus1)
	alignedLocalTicks += d.compensationTicks

	// Step 8: fractional steady-state period compensating for frequency offset.
	alignedBasePeriodFP16 := int64(float64(d.period) * 65536 * (1 + m.SlopeLRMinus1))

	// Step 9: publish atomically.
	d.timer.SetAlignRequest(alignedCycle, alignedLocalTicks, alignedBasePeriodFP16)

	if d.logger != nil {
		d.logger.LogDTC(alignedCycle, alignedLocalTicks, alignedBasePeriodFP16)
	}

	// Step 10: wait for the request to be applied and fetch feedback.
	d.timer.WaitForTEZ()
	fb := d.timer.Feedback()
	if !fb.Ready {
		panic(fmt.Sprintf("dtc: alignment feedback not ready after second TEZ (cycle=%d)", alignedCycle))
	}

	d.applied = true
}

// floorMulDiv computes floor(a * b) for an integer a and a float64 b,
// matching spec.md's "⌊δ · slope⌋" notation without losing precision to
// premature float truncation of a.
func floorMulDiv(a int64, b float64) int64 {
	v := float64(a) * b
	f := int64(v)
	if v < float64(f) {
		f--
	}
	return f
}

// floorDiv is integer floor division, correct for negative numerators
// (Go's native / truncates toward zero).
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
