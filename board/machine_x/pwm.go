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

// Package machine_x extends TinyGo's stock machine.PWM with the raw
// counter/top/wrap-interrupt access a disciplined hardware timer needs,
// none of which the mainline driver exposes (it's written for LED dimming,
// not timekeeping).
package machine_x

import (
	"device/rp"
	"errors"
	"machine"
	"math"
	"runtime/volatile"
	"unsafe"
)

var ErrBadPeriod = errors.New("period outside valid range 8ns..268ms")

const maxPWMPins = 29
const numSlices = 8

// PWMGroup is one RP2040 PWM slice: a free-running counter and two output
// channels (A, B) sharing one clock divider and wrap value.
type PWMGroup struct {
	CSR volatile.Register32
	DIV volatile.Register32
	CTR volatile.Register32
	CC  volatile.Register32
	TOP volatile.Register32
}

// sliceSize is the byte stride between consecutive PWMGroup register blocks.
const sliceSize = 0x14

func sliceAt(index uintptr) *PWMGroup {
	return (*PWMGroup)(unsafe.Add(unsafe.Pointer(rp.PWM), sliceSize*index))
}

// Slice returns the PWMGroup for slice n (0..7 on RP2040).
func Slice(n uint8) *PWMGroup {
	return sliceAt(uintptr(n))
}

const (
	PWM_CH0 = 1 << iota
	PWM_CH1
	PWM_CH2
	PWM_CH3
	PWM_CH4
	PWM_CH5
	PWM_CH6
	PWM_CH7
)

// Configure enables and configures this PWM.
func (p *PWMGroup) Configure(config machine.PWMConfig) error {
	return p.init(config, true)
}

// Channel returns a PWM channel for the given pin, configuring it as a PWM
// output as a side effect.
func (p *PWMGroup) Channel(pin machine.Pin) (channel uint8, err error) {
	if pin > maxPWMPins || pwmGPIOToSlice(pin) != p.slice() {
		return 3, machine.ErrInvalidOutputPin
	}
	pin.Configure(machine.PinConfig{Mode: machine.PinPWM})
	return pwmGPIOToChannel(pin), nil
}

// PWMPeripheral returns the PWM slice number (0-7) driving pin.
func PWMPeripheral(pin machine.Pin) (sliceNum uint8, err error) {
	if pin > maxPWMPins {
		return 0, machine.ErrInvalidOutputPin
	}
	return pwmGPIOToSlice(pin), nil
}

func (p *PWMGroup) slice() uint8 {
	return uint8((uintptr(unsafe.Pointer(p)) - uintptr(unsafe.Pointer(rp.PWM))) / sliceSize)
}

// SetDivMode sets the PWM clock divider mode: rp.PWM_CH0_CSR_DIVMODE_DIV
// (free-running), _FALL, _LEVEL, or _RISE (external-signal counting).
func (p *PWMGroup) SetDivMode(mode uint32) {
	p.CSR.ReplaceBits(mode, 3, rp.PWM_CH0_CSR_DIVMODE_Pos)
}

// SetClockDiv sets the 8.4 fixed-point clock division factor.
func (p *PWMGroup) SetClockDiv(integerPart, frac uint32) {
	integerPart &= rp.PWM_CH0_DIV_INT_Msk >> rp.PWM_CH0_DIV_INT_Pos
	frac &= rp.PWM_CH0_DIV_FRAC_Msk >> rp.PWM_CH0_DIV_FRAC_Pos
	div := (integerPart << 4) + frac
	p.DIV.ReplaceBits(div, rp.PWM_CH0_DIV_FRAC_Msk|rp.PWM_CH0_DIV_INT_Msk, rp.PWM_CH0_DIV_FRAC_Pos)
}

// SetPeriod updates this slice's period, in nanoseconds, picking a TOP and
// clock divider that reach it as closely as possible.
func (p *PWMGroup) SetPeriod(period uint64) error {
	if period == 0 {
		period = 1e5
	}
	return p.setPeriod(period)
}

// Top returns the current TOP (wrap) register value.
func (p *PWMGroup) Top() uint32 {
	return p.getWrap()
}

// Counter returns the slice's current free-running counter value.
func (p *PWMGroup) Counter() uint32 {
	return (p.CTR.Get() & rp.PWM_CH0_CTR_CH0_CTR_Msk) >> rp.PWM_CH0_CTR_CH0_CTR_Pos
}

// Period returns the configured period, in nanoseconds.
func (p *PWMGroup) Period() uint64 {
	periodPerCycle := cpuPeriod()
	top := p.getWrap()
	phc := p.getPhaseCorrect()
	intPart, frac := p.getClockDiv()
	return (16*uint64(intPart) + uint64(frac)) * uint64((top+1)*(phc+1)*periodPerCycle) / 16
}

// SetInverting inverts channel's output polarity.
func (p *PWMGroup) SetInverting(channel uint8, inverting bool) {
	p.setInverting(channel&1, inverting)
}

// Set updates channel's compare (duty cycle) level.
func (p *PWMGroup) Set(channel uint8, value uint32) {
	p.setChanLevel(channel&1, uint16(value))
}

// Get returns channel's last-set compare level.
func (p *PWMGroup) Get(channel uint8) (value uint32) {
	return uint32(p.getChanLevel(channel & 1))
}

// SetTop sets the TOP (wrap) register directly, bypassing SetPeriod's
// divider search — the disciplined timer needs exact tick control, not a
// nanosecond approximation.
func (p *PWMGroup) SetTop(top uint32) {
	p.setWrap(uint16(top))
}

// SetCounter writes the free-running counter directly.
func (p *PWMGroup) SetCounter(ctr uint32) {
	p.CTR.Set(ctr)
}

// Enable starts or stops the slice's counter.
func (p *PWMGroup) Enable(enable bool) {
	p.enable(enable)
}

// IsEnabled reports whether the slice's counter is currently running.
func (p *PWMGroup) IsEnabled() bool {
	return (p.CSR.Get()&rp.PWM_CH0_CSR_EN_Msk)>>rp.PWM_CH0_CSR_EN_Pos != 0
}

func (p *PWMGroup) init(config machine.PWMConfig, start bool) error {
	p.setPhaseCorrect(false)
	p.setDivMode(rp.PWM_CH0_CSR_DIVMODE_DIV)
	p.setInverting(0, false)
	p.setInverting(1, false)
	p.setWrap(0xffff)
	if err := p.SetPeriod(config.Period); err != nil {
		return err
	}
	p.CTR.ReplaceBits(0, rp.PWM_CH0_CTR_CH0_CTR_Msk, 0)
	p.CC.Set(0)
	p.enable(start)
	return nil
}

// SetEnabledMask enables or disables a bitmask of slices simultaneously, so
// two slices can be started on the exact same clock edge.
func SetEnabledMask(sliceMask uint32, enable bool) {
	old := rp.PWM.EN.Get()
	if enable {
		rp.PWM.EN.Set(old | sliceMask)
	} else {
		rp.PWM.EN.Set(old &^ sliceMask)
	}
}

// EnableWrapInterrupt unmasks slice n's TEZ (wrap) interrupt at the PWM
// block level.
func EnableWrapInterrupt(n uint8) {
	rp.PWM.INTE.SetBits(1 << n)
}

// DisableWrapInterrupt masks slice n's TEZ interrupt.
func DisableWrapInterrupt(n uint8) {
	rp.PWM.INTE.ClearBits(1 << n)
}

// ClearWrapInterrupt acknowledges slice n's pending TEZ interrupt. Must be
// called from the handler before returning, or the interrupt re-fires
// immediately.
func ClearWrapInterrupt(n uint8) {
	rp.PWM.INTR.Set(1 << n)
}

func (p *PWMGroup) setPhaseCorrect(correct bool) {
	p.CSR.ReplaceBits(boolToBit(correct)<<rp.PWM_CH0_CSR_PH_CORRECT_Pos, rp.PWM_CH0_CSR_PH_CORRECT_Msk, 0)
}

func (p *PWMGroup) setDivMode(mode uint32) {
	p.CSR.ReplaceBits(mode<<rp.PWM_CH0_CSR_DIVMODE_Pos, rp.PWM_CH0_CSR_DIVMODE_Msk, 0)
}

func (p *PWMGroup) setPeriod(period uint64) error {
	const (
		maxTop       = math.MaxUint16
		topStart     = 95 * maxTop / 100
		nanosecond   = 1
		microsecond  = 1000 * nanosecond
		milliseconds = 1000 * microsecond
		maxPeriod    = 268 * milliseconds
	)

	if period > maxPeriod || period < 8 {
		return ErrBadPeriod
	}
	if period > maxPeriod/2 {
		p.setPhaseCorrect(true)
	}

	periodPerCycle := uint64(cpuPeriod())
	phc := uint64(p.getPhaseCorrect())
	rhs := 16 * period / ((1 + phc) * periodPerCycle * (1 + topStart))
	whole := rhs / 16
	frac := rhs % 16
	switch {
	case whole > 0xff:
		whole = 0xff
	case whole == 0:
		whole = 1
		frac = 0
	}

	top := 16*period/((16*whole+frac)*periodPerCycle*(1+phc)) - 1
	if top > maxTop {
		top = maxTop
	}
	p.SetTop(uint32(top))
	p.setClockDiv(uint8(whole), uint8(frac))
	return nil
}

func (p *PWMGroup) setClockDiv(intPart, frac uint8) {
	p.DIV.ReplaceBits((uint32(frac)<<rp.PWM_CH0_DIV_FRAC_Pos)|
		u32max(uint32(intPart), 1)<<rp.PWM_CH0_DIV_INT_Pos, rp.PWM_CH0_DIV_FRAC_Msk|rp.PWM_CH0_DIV_INT_Msk, 0)
}

func (p *PWMGroup) setWrap(wrap uint16) {
	p.TOP.ReplaceBits(uint32(wrap)<<rp.PWM_CH0_TOP_CH0_TOP_Pos, rp.PWM_CH0_TOP_CH0_TOP_Msk, 0)
}

func (p *PWMGroup) enable(enable bool) {
	p.CSR.ReplaceBits(boolToBit(enable)<<rp.PWM_CH0_CSR_EN_Pos, rp.PWM_CH0_CSR_EN_Msk, 0)
}

func (p *PWMGroup) setInverting(channel uint8, invert bool) {
	var pos uint8
	var msk uint32
	switch channel {
	case 0:
		pos, msk = rp.PWM_CH0_CSR_A_INV_Pos, rp.PWM_CH0_CSR_A_INV_Msk
	case 1:
		pos, msk = rp.PWM_CH0_CSR_B_INV_Pos, rp.PWM_CH0_CSR_B_INV_Msk
	}
	p.CSR.ReplaceBits(boolToBit(invert)<<pos, msk, 0)
}

func (p *PWMGroup) setChanLevel(channel uint8, level uint16) {
	var pos uint8
	var mask uint32
	switch channel {
	case 0:
		pos, mask = rp.PWM_CH0_CC_A_Pos, rp.PWM_CH0_CC_A_Msk
	case 1:
		pos, mask = rp.PWM_CH0_CC_B_Pos, rp.PWM_CH0_CC_B_Msk
	}
	p.CC.ReplaceBits(uint32(level)<<pos, mask, 0)
}

func (p *PWMGroup) getChanLevel(channel uint8) (level uint16) {
	var pos uint8
	var mask uint32
	switch channel {
	case 0:
		pos, mask = rp.PWM_CH0_CC_A_Pos, rp.PWM_CH0_CC_A_Msk
	case 1:
		pos, mask = rp.PWM_CH0_CC_B_Pos, rp.PWM_CH0_CC_B_Msk
	}
	return uint16((p.CC.Get() & mask) >> pos)
}

func (p *PWMGroup) getWrap() (top uint32) {
	return (p.TOP.Get() & rp.PWM_CH0_TOP_CH0_TOP_Msk) >> rp.PWM_CH0_TOP_CH0_TOP_Pos
}

func (p *PWMGroup) getPhaseCorrect() (phCorrect uint32) {
	return (p.CSR.Get() & rp.PWM_CH0_CSR_PH_CORRECT_Msk) >> rp.PWM_CH0_CSR_PH_CORRECT_Pos
}

func (p *PWMGroup) getClockDiv() (intPart, frac uint8) {
	div := p.DIV.Get()
	return uint8((div & rp.PWM_CH0_DIV_INT_Msk) >> rp.PWM_CH0_DIV_INT_Pos), uint8((div & rp.PWM_CH0_DIV_FRAC_Msk) >> rp.PWM_CH0_DIV_FRAC_Pos)
}

func pwmGPIOToSlice(gpio machine.Pin) (slicenum uint8) {
	return (uint8(gpio) >> 1) & 7
}

func pwmGPIOToChannel(gpio machine.Pin) (channel uint8) {
	return uint8(gpio) & 1
}

func cpuPeriod() uint32 {
	return 1e9 / machine.CPUFrequency()
}

func boolToBit(a bool) uint32 {
	if a {
		return 1
	}
	return 0
}

func u32max(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
