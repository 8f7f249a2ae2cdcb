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

// Package trace writes the CSV diagnostic lines spec.md §6 describes, one
// header per kind printed the first time that kind is used. TinyGo's
// reduced runtime rules out reflection-based structured logging here, so
// this stays on plain fmt.Fprintf the way the teacher's own setup.go does.
package trace

import (
	"fmt"
	"io"
	"sync"
)

// Writer is a CSV trace sink bound to an underlying io.Writer (a UART,
// USB-CDC console, or in tests a bytes.Buffer). Every method is safe for
// concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer

	regrHeader    sync.Once
	dtcHeader     sync.Once
	dtrHeader     sync.Once
	alignHeader   sync.Once
	sessionHeader sync.Once
	rebootHeader  sync.Once
}

// New wraps w as a trace.Writer.
func New(w io.Writer) *Writer {
	return &Writer{w: w}
}

// REGR logs one CRM fit, successful or not.
func (t *Writer) REGR(count, session, samples int, slopeLRMinus1, residStdNS, rSquared float64, localRefPS, remoteRefPS int64) {
	t.regrHeader.Do(func() {
		t.println("REGR,count,session,samples,slope_lr_m1,resid_std_ns,r_sq,local_ref_ps,remote_ref_ps")
	})
	t.printf("REGR,%d,%d,%d,%g,%g,%g,%d,%d\n", count, session, samples, slopeLRMinus1, residStdNS, rSquared, localRefPS, remoteRefPS)
}

// DTC logs one published alignment request.
func (t *Writer) DTC(cycle, localTicks, basePeriodFP16 int64) {
	t.dtcHeader.Do(func() {
		t.println("DTC,cycle,local_ticks,base_period_fp16")
	})
	t.printf("DTC,%d,%d,%d\n", cycle, localTicks, basePeriodFP16)
}

// LogDTC adapts Writer to dtc.Logger.
func (t *Writer) LogDTC(cycle, localTicks, basePeriodFP16 int64) {
	t.DTC(cycle, localTicks, basePeriodFP16)
}

// DTR logs one applied alignment, as reported by dtr.AlignFeedback.
func (t *Writer) DTR(cycle int64, cycleDelta int32, periodTicks int32, periodTicksDelta int32) {
	t.dtrHeader.Do(func() {
		t.println("DTR,cycle,cycle_delta,period_ticks,period_ticks_delta")
	})
	t.printf("DTR,%d,%d,%d,%d\n", cycle, cycleDelta, periodTicks, periodTicksDelta)
}

// MACTimerAlign logs one round of the start-up MAC/timer offset
// measurement (spec.md §4.5.4).
func (t *Writer) MACTimerAlign(run int, offsetTicks, offsetTicksMin, offsetTicksMax int64) {
	t.alignHeader.Do(func() {
		t.println("MAC_TIMER_ALIGN,run,offset_ticks,offset_ticks_min,offset_ticks_max")
	})
	t.printf("MAC_TIMER_ALIGN,%d,%d,%d,%d\n", run, offsetTicks, offsetTicksMin, offsetTicksMax)
}

// LogSessionFailure adapts Writer to ftm.Logger, logging one failed or
// timed-out FTM session.
func (t *Writer) LogSessionFailure(sessionNumber uint32, err error) {
	t.sessionHeader.Do(func() {
		t.println("FTM_SESSION_FAIL,session,error")
	})
	t.printf("FTM_SESSION_FAIL,%d,%q\n", sessionNumber, err.Error())
}

// MasterReboot logs a detected change in the master's broadcast run_id
// (spec.md §8 scenario 5).
func (t *Writer) MasterReboot(runID uint32) {
	t.rebootHeader.Do(func() {
		t.println("MASTER_REBOOT,run_id")
	})
	t.printf("MASTER_REBOOT,%d\n", runID)
}

func (t *Writer) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, s)
}

func (t *Writer) printf(format string, args ...interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}
