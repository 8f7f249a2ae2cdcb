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

// Package fts wires the portable core packages (unwrap, macclock, crm, dtc,
// dtr, ftm, proto, trace) together into the two role compositions spec.md
// and original_source/main/fts_main.c describe: a slave that disciplines its
// own timer against the master's clock via FTM measurements (using the
// master's broadcast only to detect reboots), and a master that disciplines its
// timer to its own MAC clock epoch and broadcasts it. Role selection is a
// build-time choice of which cmd binary is flashed (spec.md §1), so this
// package only ever implements one side at a time per process; cmd/master
// and cmd/slave each call exactly one of RunSlave / RunMaster.
package fts

import (
	"fmt"
	"time"

	"fts/crm"
	"fts/dtc"
	"fts/dtr"
	"fts/ftm"
	"fts/macclock"
	"fts/proto"
	"fts/trace"
)

// LEDCyclesPerSecond is the number of DTR cycles in one second: at the
// 500us DTR cycle (2kHz) the role binaries configure, 2000 cycles make one
// second.
const LEDCyclesPerSecond = 2000

// LEDDutyPercent is the fraction of each LED period the indicator stays lit,
// matching fts_callback's led_phase < cycles/5 (20%) comparison.
const LEDDutyPercent = 20

// LEDOn reports whether the pulse indicator should be lit on the given DTR
// cycle, reproducing fts_callback's 1Hz/20%-duty blink pattern. Called from
// dtr.Controller's onTick callback, which already runs only once the timer
// has reached the Aligned state.
func LEDOn(cycle int64) bool {
	phase := cycle % LEDCyclesPerSecond
	return phase < LEDCyclesPerSecond*LEDDutyPercent/100
}

// StartTimer runs dtr.Controller.StartTimer and then spec.md §4.5.4's
// MAC/timer offset measurement, folding the result into timer_base_ticks
// before returning — together these two calls are "start_timer()" as
// spec.md §4.5.3 describes it; they are split across dtr and fts because
// the measurement needs a macclock.Clock and a raw tick reader that
// dtr.Controller has no business depending on.
func StartTimer(ctrl *dtr.Controller, ticks dtr.TickReader, mac *macclock.Clock, ticksPerUS int64, tr *trace.Writer) error {
	ctrl.StartTimer()
	offset, min, max, err := dtr.MeasureMACTimerOffset(ctrl, ticks, mac, ticksPerUS, dtr.NSamples, nil)
	if err != nil {
		return fmt.Errorf("fts: MAC/timer offset measurement: %w", err)
	}
	ctrl.AddTimerBaseOffset(offset)
	if tr != nil {
		tr.MACTimerAlign(0, offset, min, max)
	}
	return nil
}

// Receiver is the one operation RunSlave's broadcast-receive loop needs:
// the next decoded sync packet. board.Receiver satisfies this.
type Receiver interface {
	Receive() (proto.Packet, error)
}

// ReceiveRetryDelay is the fixed delay, in milliseconds, after a broadcast
// receive error before the next attempt, mirroring ftm.RetryDelay's
// fixed-delay policy for the FTM session loop.
const ReceiveRetryDelay = 1000

// SlaveDeps bundles everything RunSlave needs. All fields are required
// except Trace and Receiver: Trace may be nil to suppress diagnostics, and
// Receiver may be nil to skip the broadcast-receive loop entirely. The
// caller sets up Timer/MAC/DTC and runs StartTimer separately, before
// constructing SlaveDeps, since those belong to the board-glue composition
// step and RunSlave itself only touches CRM, the FTM retry loop, and the
// broadcast receive loop.
type SlaveDeps struct {
	DTC      *dtc.Controller
	CRM      *crm.CRM
	Session  ftm.Session
	Sleeper  ftm.Sleeper
	Receiver Receiver
	Trace    *trace.Writer
	Stop     <-chan struct{}
}

// RunSlave composes crm_init + dtc_init + the FTM session retry loop from
// original_source/main/fts_main.c's CONFIG_FTS_ROLE_SLAVE branch, plus the
// broadcast-receive loop that watches for a master reboot (spec.md §8
// scenario 5). The caller is responsible for having already run
// ftm_slave_init's equivalent (Wi-Fi association, MAC clock start) and
// StartTimer before calling this; RunSlave itself wires CRM's fit callback
// to dtc.Controller.OnModel, starts the receive loop in the background, and
// then blocks in ftm.RunLoop until Stop is closed.
func RunSlave(d SlaveDeps) {
	d.CRM.SetCallback(func(m crm.Model) {
		d.DTC.OnModel(m)
		if d.Trace != nil {
			d.Trace.REGR(0, 0, m.SampleCount, m.SlopeLRMinus1, m.ResidualStdNS, m.RSquared, m.LocalRefPS, m.RemoteRefPS)
		}
	})

	if d.Receiver != nil {
		go runReceiveLoop(d.Receiver, d.Sleeper, d.Trace, d.Stop)
	}

	var logger ftm.Logger
	if d.Trace != nil {
		logger = d.Trace
	}
	ftm.RunLoop(d.Session, d.CRM, d.Sleeper, logger, d.Stop)
}

// runReceiveLoop implements spec.md §8 scenario 5: it watches the master's
// broadcast stream for a run_id change and logs it, leaving CRM and DTR
// running on their existing model exactly as the original does. A receive
// error (no Wi-Fi connectivity, a malformed datagram) is retried after
// ReceiveRetryDelay, the same fixed-delay policy the FTM loop applies to a
// failed session.
func runReceiveLoop(r Receiver, sleeper ftm.Sleeper, tr *trace.Writer, stop <-chan struct{}) {
	var tracker proto.RunIDTracker
	for {
		select {
		case <-stop:
			return
		default:
		}

		pkt, err := r.Receive()
		if err != nil {
			sleeper.Sleep(ReceiveRetryDelay)
			continue
		}
		if tracker.Observe(pkt) && tr != nil {
			tr.MasterReboot(pkt.RunID)
		}
	}
}

// Broadcaster is the one operation RunMaster needs from the transport
// layer: send one sync packet. board.Broadcaster satisfies this.
type Broadcaster interface {
	Send(p proto.Packet) error
}

// BroadcastInterval is how often the master re-sends its sync packet,
// spec.md §6's 500ms broadcast cadence.
const BroadcastInterval = 500 * time.Millisecond

// MasterDeps bundles everything RunMaster needs. Timer/MAC must already be
// started (via StartTimer) before constructing MasterDeps.
type MasterDeps struct {
	Timer       *dtr.Controller
	MAC         *macclock.Clock
	Broadcaster Broadcaster
	RunID       uint32
	Trace       *trace.Writer
	Stop        <-chan struct{}
}

// RunMaster composes the CONFIG_FTS_ROLE_MASTER branch of
// original_source/main/fts_main.c: after the caller has run StartTimer, it
// calls dtr_align_master_timer()'s equivalent once, then periodically
// broadcasts this run's sync packet on BroadcastInterval until Stop is
// closed.
func RunMaster(d MasterDeps) error {
	fb := d.Timer.AlignMasterTimer()
	if d.Trace != nil {
		d.Trace.DTR(fb.CycleCounter, fb.CycleDelta, fb.PeriodTicks, fb.PeriodTicksDelta)
	}

	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.Stop:
			return nil
		case <-ticker.C:
			pkt := proto.Packet{RunID: d.RunID, MACClockUS: uint64(d.MAC.Read())}
			if err := d.Broadcaster.Send(pkt); err != nil && d.Trace != nil {
				d.Trace.LogSessionFailure(0, fmt.Errorf("broadcast send: %w", err))
			}
		}
	}
}
