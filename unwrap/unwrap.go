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

// Package unwrap turns a modulo-N hardware counter into a monotone 64-bit
// value by tracking a cumulative offset across wraps.
package unwrap

// State is a mutable modulo-N counter unwrapper. The zero value is not
// usable; construct one with New.
type State struct {
	lastVal    int64
	offset     int64
	wrapCount  uint64
	wrapValue  uint64
	wrapValue2 uint64
}

// New returns a State that unwraps raw samples modulo wrapValue. A nonzero
// wrapValue2 enables detection of a "short wrap" anomaly: a reset back to
// zero that happened before a full wrapValue had elapsed.
func New(wrapValue, wrapValue2 uint64) *State {
	return &State{wrapValue: wrapValue, wrapValue2: wrapValue2}
}

// Apply folds a new raw observation into the running offset and returns the
// unwrapped value. The first call (when the internal last-value sentinel is
// still zero) disables wrap detection and returns raw unchanged.
func (s *State) Apply(raw int64) int64 {
	if s.lastVal != 0 && raw < s.lastVal {
		if s.wrapValue2 > 0 && s.lastVal < int64(s.wrapValue2) {
			s.offset += int64(s.wrapValue2)
		} else {
			s.offset += int64(s.wrapValue)
		}
		s.wrapCount++
	}
	s.lastVal = raw
	return raw + s.offset
}

// WrapCount returns the number of wraps observed so far. Diagnostic only.
func (s *State) WrapCount() uint64 {
	return s.wrapCount
}

// Offset returns the current cumulative addend. Useful for recomputing an
// absolute value from a raw reading captured elsewhere.
func (s *State) Offset() int64 {
	return s.offset
}
