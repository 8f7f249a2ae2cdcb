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

// Command master is the build-time master role binary, composing the
// portable time-discipline core the way original_source/main/fts_main.c's
// CONFIG_FTS_ROLE_MASTER branch composes ftm_master_init → dtr_init →
// dtr_start_timer → dtr_align_master_timer, then periodically broadcasts
// this run's sync packet.
//
// GPIO/LED setup, NVS/flash init, and the Wi-Fi AP/FTM-responder state
// machine are explicitly out of scope (spec.md §1); unconfiguredBroadcaster is the
// seam a real Wi-Fi-backed board.Broadcaster plugs into. Until one is wired
// in, every send fails and is logged, leaving the disciplined timer itself
// unaffected — spec.md §7's "broadcast send error: logged, continue".
package main

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"machine"
	"os"
	"time"

	"fts/board"
	"fts/debugshell"
	"fts/dtr"
	"fts/fts"
	"fts/macclock"
	"fts/proto"
	"fts/trace"
)

// ToggleGPIO is TOGGLE_GPIO from original_source/main/fts_main.c.
var ToggleGPIO = machine.Pin(7)

const (
	periodTicks    = 20000
	minPeriodTicks = 12000
	ticksPerUS     = board.ResolutionHz / 1_000_000
)

// unconfiguredBroadcaster is the default seam: it reports a send failure
// until a board integrator substitutes a real board.Broadcaster bound to a
// Wi-Fi netdev.Netdever (Wi-Fi bring-up itself is out of scope, spec.md §1).
type unconfiguredBroadcaster struct{}

func (unconfiguredBroadcaster) Send(p proto.Packet) error {
	return errNoBroadcaster
}

var errNoBroadcaster = errors.New("cmd/master: no Wi-Fi broadcaster wired in")

func newRunID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("master: run id: " + err.Error())
	}
	return binary.LittleEndian.Uint32(b[:])
}

func main() {
	tr := trace.New(os.Stdout)

	if _, err := board.NewClockGen(board.ResolutionHz); err != nil {
		panic("master: reference clock init: " + err.Error())
	}

	timer, err := board.NewTimer(ToggleGPIO)
	if err != nil {
		panic("master: timer init: " + err.Error())
	}
	// The output force-low is slave-only: hand the pin to the PWM channel now.
	timer.Release()

	mac := macclock.New(board.MACCounter{})
	if err := mac.Init(10*time.Millisecond, macclock.KeepAliveInterval); err != nil {
		panic("master: mac clock init: " + err.Error())
	}

	ctrl := dtr.New(timer, nil, periodTicks, minPeriodTicks)
	ctrl.SetTickCallback(func(cycle int64) {
		machine.LED.Set(fts.LEDOn(cycle))
	})
	timer.AttachTEZ(ctrl)

	if err := fts.StartTimer(ctrl, timer, mac, ticksPerUS, tr); err != nil {
		panic("master: " + err.Error())
	}

	shell := debugshell.New(os.Stdout)
	shell.Register("state", func(args []string) string { return ctrl.State().String() })
	go shell.Run(machine.Serial)

	if err := fts.RunMaster(fts.MasterDeps{
		Timer:       ctrl,
		MAC:         mac,
		Broadcaster: unconfiguredBroadcaster{},
		RunID:       newRunID(),
		Trace:       tr,
		Stop:        nil,
	}); err != nil {
		panic("master: " + err.Error())
	}
}
