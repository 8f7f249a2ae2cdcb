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

package board

import (
	"fmt"

	"github.com/chiefMarlin/tinygo-drivers/si5351"
	"machine"

	"fts/src/support"
)

// crystalHz is the Si5351's reference crystal frequency, matching the
// teacher's own setupClock in src/wspr/setup.go.
const crystalHz = 25_000_000

// ClockGen disciplines the board's own reference oscillator via an external
// Si5351 clock generator wired on I2C0, the same device the teacher uses to
// generate its WSPR carrier in src/wspr/setup.go's setupClock, repurposed
// here to condition DTR's PERIOD tick source instead of an RF carrier. The
// PLL/multisynth fractional parameters come from support.Si5351Config,
// rather than the teacher's own integer-divider shortcut, since a fine
// tick-rate correction needs the fractional precision that solver provides.
type ClockGen struct {
	dev si5351.Device
}

// NewClockGen connects to and configures the Si5351 over I2C0, programming
// PLL A and one multisynth output at outputHz.
func NewClockGen(outputHz uint32) (*ClockGen, error) {
	if err := machine.I2C0.Configure(machine.I2CConfig{}); err != nil {
		return nil, fmt.Errorf("board: configure I2C0: %w", err)
	}
	dev := si5351.New(machine.I2C0)

	connected, err := dev.Connected()
	if err != nil {
		return nil, fmt.Errorf("board: si5351 status: %w", err)
	}
	if !connected {
		return nil, fmt.Errorf("board: si5351 not responding on I2C0")
	}
	if err := dev.Configure(); err != nil {
		return nil, fmt.Errorf("board: si5351 configure: %w", err)
	}

	cg := &ClockGen{dev: dev}
	if err := cg.program(outputHz); err != nil {
		return nil, err
	}
	if err := dev.EnableOutputs(); err != nil {
		return nil, fmt.Errorf("board: enable outputs: %w", err)
	}
	return cg, nil
}

// Retune reprograms output 0's PLL and multisynth dividers to track a
// corrected target frequency, the board-level analog of DTR's
// fractional-period dithering for boards that discipline their reference
// clock directly rather than through software dithering alone.
func (c *ClockGen) Retune(outputHz uint32) error {
	return c.program(outputHz)
}

func (c *ClockGen) program(outputHz uint32) error {
	cfg, err := support.New(crystalHz, 0, float64(outputHz))
	if err != nil {
		return fmt.Errorf("board: solve si5351 dividers for %dHz: %w", outputHz, err)
	}
	a0, b0, c0 := cfg.PLLParams()
	if err := c.dev.ConfigurePLL(si5351.PLL_A, a0, b0, c0); err != nil {
		return fmt.Errorf("board: configure PLL A: %w", err)
	}
	a1, b1, c1, r := cfg.MultisynthParams()
	if r != 1 {
		return fmt.Errorf("board: si5351 output divider r=%d unsupported, want r=1 (%dHz too low for a direct multisynth)", r, outputHz)
	}
	if err := c.dev.ConfigureMultisynth(0, si5351.PLL_A, a1, b1, c1); err != nil {
		return fmt.Errorf("board: configure multisynth 0: %w", err)
	}
	return nil
}
