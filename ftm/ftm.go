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

// Package ftm names the interface the time-discipline core expects from the
// Fine Timing Measurement radio session, deliberately left out of scope
// (spec.md §1): CRM and the session-retry loop depend only on this
// interface, never on a concrete Wi-Fi FTM stack.
package ftm

import "fts/crm"

// FramesPerSession is the maximum number of entries one session reports.
const FramesPerSession = 64

// Entry is one FTM round-trip timestamp quadruple, already unwrapped into
// 64-bit picoseconds by the radio stack.
type Entry struct {
	T1, T2, T3, T4 uint64
}

// Report is one completed (or failed) FTM session result.
type Report struct {
	SessionNumber uint32
	Entries       []Entry
	Err           error
}

// Session is a single FTM round: RunSession blocks until the session
// completes, times out, or fails, and returns the resulting Report. This
// module has no radio-backed implementation: cmd/slave wires a placeholder
// whose every session fails, and tests use a fake.
type Session interface {
	RunSession() Report
}

// RetryDelay is the fixed delay before the next session is scheduled after
// a session failure or timeout, matching original_source's
// ftm_register_callback-driven retry loop.
const RetryDelay = 1000 // milliseconds, FTM_PERIOD_MS from the original session cadence

// Sleeper abstracts the delay between sessions so tests can run the loop
// without really waiting; production wires it to time.Sleep.
type Sleeper interface {
	Sleep(ms int)
}

// toTimestamps converts a radio Entry slice into crm.Timestamps, the only
// shape CRM understands.
func toTimestamps(entries []Entry) []crm.Timestamps {
	out := make([]crm.Timestamps, len(entries))
	for i, e := range entries {
		out[i] = crm.Timestamps{
			T1: int64(e.T1),
			T2: int64(e.T2),
			T3: int64(e.T3),
			T4: int64(e.T4),
		}
	}
	return out
}

// Logger receives a note about each failed session, for diagnostics.
type Logger interface {
	LogSessionFailure(sessionNumber uint32, err error)
}

// RunLoop repeatedly requests FTM sessions and feeds successful reports
// into c, forever, sleeping RetryDelay between sessions (matching
// spec.md §7's "logged; next session scheduled after fixed delay" policy
// for both the failure and the steady-state case — the original radio
// stack's own session cadence is itself periodic). It returns only when
// stop is closed.
func RunLoop(session Session, c *crm.CRM, sleeper Sleeper, logger Logger, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		report := session.RunSession()
		if report.Err != nil {
			if logger != nil {
				logger.LogSessionFailure(report.SessionNumber, report.Err)
			}
		} else if len(report.Entries) > 0 {
			c.Ingest(toTimestamps(report.Entries))
		}

		sleeper.Sleep(RetryDelay)
	}
}
