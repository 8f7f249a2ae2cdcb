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

// Package board binds the portable dtr/macclock/crm/dtc core to real RP2040
// peripherals: the disciplined PWM timer, the si5351 reference clock, the
// radio MAC microsecond counter, and broadcast UDP. Only compiled under
// TinyGo; the rest of the module builds and tests on any host.
package board

import (
	"device/rp"
	"machine"
	"runtime/interrupt"
	"runtime/volatile"

	"fts/dtr"

	machine_x "fts/board/machine_x"
)

// ResolutionHz is DTR's hardware tick rate: the RP2040 system clock divided
// to exactly 40MHz by the PWM slice's integer clock divider.
const ResolutionHz = 40_000_000

// DutyPercent is the GPIO pulse duty cycle, spec.md's DUTY_PERCENT.
const DutyPercent = 5

// Timer drives a PWM slice as DTR's disciplined hardware timer, and the
// compare output of the slice channel (A or B) that the pin maps to as the
// pulse GPIO. It implements
// both dtr.HardwareTimer and dtr.Gate.
type Timer struct {
	pwm      *machine_x.PWMGroup
	slice    uint8
	gpio     machine.Pin
	channel  uint8
	released volatile.Register32
}

// NewTimer claims the PWM slice servicing pin and configures it in
// free-running up-count mode at ResolutionHz. The GPIO itself is forced low
// at the pin level until Release is called (the slave "held low until
// first alignment" behavior of spec.md §4.5.1); the slice's counter is a
// separate concern, started later by Enable, since TEZ must fire from boot
// regardless of alignment state.
func NewTimer(pin machine.Pin) (*Timer, error) {
	sliceNum, err := machine_x.PWMPeripheral(pin)
	if err != nil {
		return nil, err
	}
	pwm := machine_x.Slice(sliceNum)
	pwm.SetDivMode(rp.PWM_CH0_CSR_DIVMODE_DIV)
	pwm.SetClockDiv(cpuClockDiv(), 0)
	channel, err := pwm.Channel(pin)
	if err != nil {
		return nil, err
	}

	t := &Timer{pwm: pwm, slice: sliceNum, gpio: pin, channel: channel}
	t.forceLow()
	return t, nil
}

// cpuClockDiv returns the integer PWM clock divider needed to bring the
// board's system clock down to ResolutionHz.
func cpuClockDiv() uint32 {
	return uint32(machine.CPUFrequency()) / ResolutionHz
}

// WritePeriod implements dtr.HardwareTimer: it loads the shadow TOP register
// with ticks-1 (the PWM slice counts 0..TOP inclusive) and the compare
// register with the duty-cycle point.
func (t *Timer) WritePeriod(ticks uint16) {
	t.pwm.SetTop(uint32(ticks) - 1)
	t.pwm.Set(t.channel, uint32(ticks)*DutyPercent/100)
}

// Release implements dtr.Gate: it reconfigures the pin from a forced-low
// GPIO output back to the PWM function, letting the already-running channel
// drive it directly (mirroring the original's
// mcpwm_generator_set_force_level release, original_source/components/
// dtr/dtr.c:129). Idempotent.
func (t *Timer) Release() {
	if t.released.Get() != 0 {
		return
	}
	t.released.Set(1)
	t.gpio.Configure(machine.PinConfig{Mode: machine.PinPWM})
}

// forceLow drives the pulse GPIO low directly at the pin level, independent
// of the PWM slice's counter: the counter must keep running from boot for
// TEZ to fire and the state machine to reach Aligned, so holding the
// generator output low cannot be implemented by gating the counter itself.
func (t *Timer) forceLow() {
	t.gpio.Configure(machine.PinConfig{Mode: machine.PinOutput})
	t.gpio.Low()
}

// Enable implements dtr.HardwareTimer: it starts the PWM slice's
// free-running counter unconditionally. Called once from
// dtr.Controller.StartTimer, regardless of whether the GPIO is still forced
// low via forceLow/Release.
func (t *Timer) Enable() {
	t.pwm.Enable(true)
}

// Counter reads the PWM slice's current free-running counter value.
func (t *Timer) Counter() uint32 {
	return t.pwm.Counter()
}

// AttachTEZ wires the PWM slice's wrap interrupt directly to ctrl.HandleTEZ.
// It must be called once, before StartTimer enables the counter, and runs ctrl.HandleTEZ in true
// interrupt context — exactly the role the teacher's own
// interrupt.New(rp.IRQ_DMA_IRQ_0, ...) plays for the PPS capture path in
// src/wspr/setup.go.
func (t *Timer) AttachTEZ(ctrl *dtr.Controller) {
	slice := t.slice
	irq := interrupt.New(rp.IRQ_PWM_IRQ_WRAP, func(interrupt.Interrupt) {
		machine_x.ClearWrapInterrupt(slice)
		ctrl.HandleTEZ()
	})
	irq.SetPriority(0xc0)
	irq.Enable()
	machine_x.EnableWrapInterrupt(slice)
}
