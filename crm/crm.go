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

// Package crm implements the Clock Relationship Model: it ingests FTM
// round-trip timestamp quadruples, maintains a ring of (local, remote)
// picosecond samples, and fits a linear model relating the two timebases.
package crm

import (
	"math"
	"sync"
)

// FramesPerSession is the maximum number of FTM entries delivered per
// session by the radio stack.
const FramesPerSession = 64

// MaxSamples is the ring capacity, twice FramesPerSession so a fit can span
// more than one session's worth of samples.
const MaxSamples = 2 * FramesPerSession

// MinSamples is the minimum ring population required before a fit is
// attempted.
const MinSamples = FramesPerSession / 2

// qualityThreshold is the r_squared value above which a fitted Model is
// considered valid.
const qualityThreshold = 0.999

// Timestamps is one FTM round-trip quadruple, already unwrapped into
// monotone picoseconds by the caller.
type Timestamps struct {
	T1, T2, T3, T4 int64
}

// sample is one (local, remote) picosecond pair derived from a Timestamps
// entry.
type sample struct {
	localPS, remotePS int64
}

// Model is the published linear-regression result relating local and
// remote picosecond timebases. Slopes are represented in "minus one" form
// (ratio - 1) to preserve precision for near-unity ratios.
type Model struct {
	Valid         bool
	SlopeLRMinus1 float64
	SlopeRLMinus1 float64
	LocalRefPS    int64
	RemoteRefPS   int64
	RSquared      float64
	ResidualStdNS float64
	SampleCount   int
}

// CRM holds the sample ring and the most recently published Model.
type CRM struct {
	mu       sync.Mutex
	ring     [MaxSamples]sample
	head     int
	count    int
	model    Model
	onUpdate func(Model)
}

// New returns an empty CRM.
func New() *CRM {
	return &CRM{}
}

// SetCallback registers fn to be invoked synchronously, in the caller's
// task context, every time a fit completes (whether or not it turns out
// valid). Pass nil to unregister.
func (c *CRM) SetCallback(fn func(Model)) {
	c.mu.Lock()
	c.onUpdate = fn
	c.mu.Unlock()
}

// Model returns the most recently published model.
func (c *CRM) Model() Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Ingest derives a sample from each FTM report entry, appends it to the
// ring (overwriting the oldest sample once the ring is full), and attempts
// a fit. It returns the resulting model; if the fit was aborted (too few
// samples, or a degenerate denominator/numerator), the previous model is
// returned unchanged and no callback fires.
func (c *CRM) Ingest(entries []Timestamps) Model {
	c.mu.Lock()
	for _, e := range entries {
		c.addSample(deriveSample(e))
	}
	model, updated := c.fitLocked()
	cb := c.onUpdate
	c.mu.Unlock()

	if updated && cb != nil {
		cb(model)
	}
	return model
}

func deriveSample(e Timestamps) sample {
	rtt := (e.T4 - e.T1) - (e.T3 - e.T2)
	localAtT2 := e.T2
	remoteAtT2 := e.T1 + rtt/2
	return sample{localPS: localAtT2, remotePS: remoteAtT2}
}

func (c *CRM) addSample(s sample) {
	c.ring[c.head] = s
	c.head = (c.head + 1) % MaxSamples
	if c.count < MaxSamples {
		c.count++
	}
}

// fitLocked performs the least-squares fit described in spec.md §4.3.2-3.
// Caller must hold c.mu. The second return value reports whether a new
// model was actually published (false means the prior model is unchanged).
func (c *CRM) fitLocked() (Model, bool) {
	if c.count < MinSamples {
		return c.model, false
	}

	refX := float64(c.ring[0].remotePS)
	refY := float64(c.ring[0].localPS)

	var sumDX, sumDY float64
	for i := 0; i < c.count; i++ {
		sumDX += float64(c.ring[i].remotePS) - refX
		sumDY += float64(c.ring[i].localPS) - refY
	}
	n := float64(c.count)
	meanDX := sumDX / n
	meanDY := sumDY / n

	var num, den float64
	for i := 0; i < c.count; i++ {
		cx := (float64(c.ring[i].remotePS) - refX) - meanDX
		cy := (float64(c.ring[i].localPS) - refY) - meanDY
		num += cx * cy
		den += cx * cx
	}
	if num == 0 || den == 0 {
		return c.model, false
	}

	slopeLR := (num - den) / den
	slopeRL := (den - num) / num

	var ssRes, ssTot float64
	for i := 0; i < c.count; i++ {
		cx := (float64(c.ring[i].remotePS) - refX) - meanDX
		cy := (float64(c.ring[i].localPS) - refY) - meanDY
		pred := (1 + slopeLR) * cx
		resid := cy - pred
		ssRes += resid * resid
		ssTot += cy * cy
	}

	var rSquared float64
	if ssTot > 0 {
		rSquared = 1 - ssRes/ssTot
	}
	residualStdNS := math.Sqrt(ssRes/n) / 1000

	meanX := refX + meanDX
	meanY := refY + meanDY

	m := Model{
		Valid:         rSquared > qualityThreshold,
		SlopeLRMinus1: slopeLR,
		SlopeRLMinus1: slopeRL,
		LocalRefPS:    int64(math.Trunc(meanY)),
		RemoteRefPS:   int64(math.Trunc(meanX)),
		RSquared:      rSquared,
		ResidualStdNS: residualStdNS,
		SampleCount:   c.count,
	}
	c.model = m
	return m, true
}
