//go:build tinygo

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

// Command slave is the build-time slave role binary, composing the
// portable time-discipline core against real RP2040 hardware the way
// original_source/main/fts_main.c's CONFIG_FTS_ROLE_SLAVE branch composes
// ftm_slave_init → dtr_init → dtr_start_timer → crm_init → dtc_init.
//
// GPIO/LED setup, NVS/flash init, and the Wi-Fi association state machine
// are explicitly out of scope (spec.md §1); unconfiguredSession is the seam a real
// Wi-Fi FTM initiator plugs into. Until one is wired in, it logs a session
// failure and retries on the same fixed delay a radio disconnect would
// produce (spec.md §7).
package main

import (
	"errors"
	"machine"
	"os"
	"time"

	"fts/board"
	"fts/crm"
	"fts/debugshell"
	"fts/dtc"
	"fts/dtr"
	"fts/fts"
	"fts/ftm"
	"fts/macclock"
	"fts/proto"
	"fts/trace"
)

// ToggleGPIO is TOGGLE_GPIO from original_source/main/fts_main.c: the pin
// the PWM slice drives directly with the disciplined pulse train.
var ToggleGPIO = machine.Pin(7)

const (
	periodTicks    = 20000 // 500us at board.ResolutionHz = 40MHz
	minPeriodTicks = 12000
	dtcCompTicks   = 0
	ticksPerUS     = board.ResolutionHz / 1_000_000
)

// unconfiguredSession is the seam a real Wi-Fi FTM initiator plugs into. The
// zero-value placeholder below keeps the binary composable without one:
// every session attempt fails and RunLoop retries after ftm.RetryDelay,
// exactly the behavior spec.md §7 prescribes for a radio disconnect.
type unconfiguredSession struct{}

func (unconfiguredSession) RunSession() ftm.Report {
	return ftm.Report{Err: errors.New("cmd/slave: no FTM initiator wired in")}
}

type realSleeper struct{}

func (realSleeper) Sleep(ms int) { time.Sleep(time.Duration(ms) * time.Millisecond) }

// unconfiguredReceiver is the seam a real board.Receiver bound to a Wi-Fi
// netdev.Netdever plugs into. Until one is wired in, every receive fails
// and is retried after fts.ReceiveRetryDelay, the same policy a dropped
// Wi-Fi connection would trigger.
type unconfiguredReceiver struct{}

func (unconfiguredReceiver) Receive() (proto.Packet, error) {
	return proto.Packet{}, errors.New("cmd/slave: no broadcast receiver wired in")
}

func main() {
	tr := trace.New(os.Stdout)

	if _, err := board.NewClockGen(board.ResolutionHz); err != nil {
		panic("slave: reference clock init: " + err.Error())
	}

	timer, err := board.NewTimer(ToggleGPIO)
	if err != nil {
		panic("slave: timer init: " + err.Error())
	}

	mac := macclock.New(board.MACCounter{})
	if err := mac.Init(10*time.Millisecond, macclock.KeepAliveInterval); err != nil {
		panic("slave: mac clock init: " + err.Error())
	}

	ctrl := dtr.New(timer, timer, periodTicks, minPeriodTicks)
	ctrl.SetTickCallback(func(cycle int64) {
		machine.LED.Set(fts.LEDOn(cycle))
	})
	timer.AttachTEZ(ctrl)

	if err := fts.StartTimer(ctrl, timer, mac, ticksPerUS, tr); err != nil {
		panic("slave: " + err.Error())
	}

	dtcController := dtc.New(ctrl, tr, board.ResolutionHz, periodTicks, dtcCompTicks, false)
	c := crm.New()

	shell := debugshell.New(os.Stdout)
	shell.Register("state", func(args []string) string { return ctrl.State().String() })
	go shell.Run(machine.Serial)

	fts.RunSlave(fts.SlaveDeps{
		DTC:      dtcController,
		CRM:      c,
		Session:  unconfiguredSession{},
		Sleeper:  realSleeper{},
		Receiver: unconfiguredReceiver{},
		Trace:    tr,
		Stop:     nil,
	})
}
