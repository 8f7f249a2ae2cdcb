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

import "device/rp"

// MACCounter binds macclock.RawMicrosecondCounter to the board's own free
// running microsecond timer (rp.TIMER), standing in for the radio MAC
// counter the original ESP32 FTM stack exposes — the sync core only needs a
// monotone-modulo-2^32 microsecond source, and this board's system timer is
// exactly that.
type MACCounter struct{}

// MicroTime samples the 64-bit system timer and truncates to its low 32
// bits, matching the modulo-2^32 contract macclock.RawMicrosecondCounter
// expects. Two reads of TIMERAWH bracket the TIMERAWL read so a carry
// between them is detected, and on a carry TIMERAWL is read again so it
// pairs with the later high word — the
// same double-read discipline as the teacher's own MicroTime in
// src/wspr/mtime.go.
func (MACCounter) MicroTime() uint32 {
	t := rp.TIMER
	h1, l, h2 := t.TIMERAWH.Get(), t.TIMERAWL.Get(), t.TIMERAWH.Get()
	if h1 != h2 {
		l = t.TIMERAWL.Get()
	}
	return l
}
