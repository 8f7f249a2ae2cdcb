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

package dtr

import (
	"errors"
	"math"
)

// TickReader is the raw-counter read side of HardwareTimer, split out
// because the offset measurement below samples the counter outside the
// spinlock in a tight polling loop and has no business writing periods.
type TickReader interface {
	Counter() uint32
}

// MACReader is the one MAC-clock operation the offset measurement needs: an
// already-unwrapped microsecond value. macclock.Clock satisfies this.
type MACReader interface {
	Read() int64
}

// NSamples is spec.md §4.5.4's N_SAMPLES: the number of measurement
// iterations attempted at start-up.
const NSamples = 100_000

// YieldEvery is how many iterations pass between scheduler yields.
const YieldEvery = 65536

// ErrOffsetMeasurementFailed is returned if every iteration was discarded
// for wrap or non-monotonicity, leaving no valid bound.
var ErrOffsetMeasurementFailed = errors.New("dtr: MAC/timer offset measurement produced no valid sample")

// MeasureMACTimerOffset runs spec.md §4.5.4's once-at-boot calibration: it
// derives the integer-tick constant relating "ticks since timer start" to
// "MAC microseconds since MAC start" by repeatedly catching the timer
// counter value at the instant the MAC clock's microsecond reading ticks
// over, and narrowing a [min, max] bound on the offset across iterations.
// yield is called every YieldEvery iterations (production wires this to a
// scheduler yield or short sleep; tests can pass a no-op).
func MeasureMACTimerOffset(ctrl *Controller, timer TickReader, mac MACReader, ticksPerUS int64, samples int, yield func()) (offsetTicks, offsetTicksMin, offsetTicksMax int64, err error) {
	min := int64(math.MinInt64)
	max := int64(math.MaxInt64)
	haveBound := false

	for i := 0; i < samples; i++ {
		if yield != nil && i > 0 && i%YieldEvery == 0 {
			yield()
		}

		timerBaseSnapshot := ctrl.GetTimerBaseTicks()

		before := timer.Counter()
		macBefore := mac.Read()
		macAfter := macBefore
		var after uint32
		for macAfter == macBefore {
			after = timer.Counter()
			macAfter = mac.Read()
		}

		if after < before {
			continue // timer wrapped mid-loop: discard per spec.md's wrap policy
		}
		if macAfter < macBefore {
			continue // MAC counter wrapped mid-loop: discard
		}

		timerAbsBefore := timerBaseSnapshot + int64(before)
		timerAbsAfter := timerBaseSnapshot + int64(after)
		macAtTransitionTicks := macAfter * ticksPerUS

		if timerAbsAfter >= macAtTransitionTicks {
			continue // sample is inconsistent with a positive offset: discard
		}

		candidateMin := macAtTransitionTicks - timerAbsAfter
		candidateMax := macAtTransitionTicks - timerAbsBefore
		newMin, newMax := min, max
		if candidateMin > newMin {
			newMin = candidateMin
		}
		if candidateMax < newMax {
			newMax = candidateMax
		}
		if newMin > newMax {
			continue // inconsistent narrowing: discard this sample's contribution
		}
		min, max = newMin, newMax
		haveBound = true
	}

	if !haveBound {
		return 0, 0, 0, ErrOffsetMeasurementFailed
	}
	return (min + max) / 2, min, max, nil
}
