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

// Package proto encodes and decodes the 16-byte broadcast sync packet
// masters emit and slaves use to detect reboots.
package proto

import (
	"encoding/binary"
	"errors"
)

// Magic identifies a valid sync packet: ASCII "FTS0".
const Magic uint32 = 0x46545330

// PacketSize is the wire size of a sync packet, in bytes.
const PacketSize = 16

// ErrBadMagic is returned by Decode when the leading 4 bytes don't match Magic.
var ErrBadMagic = errors.New("proto: bad magic")

// ErrShortPacket is returned by Decode when the buffer is smaller than PacketSize.
var ErrShortPacket = errors.New("proto: short packet")

// Packet is the broadcast sync datagram: master identity plus its current
// unwrapped microsecond clock at send time.
type Packet struct {
	RunID      uint32
	MACClockUS uint64
}

// Encode serializes p into a freshly allocated 16-byte little-endian buffer.
func Encode(p Packet) []byte {
	buf := make([]byte, PacketSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], p.RunID)
	binary.LittleEndian.PutUint64(buf[8:16], p.MACClockUS)
	return buf
}

// Decode validates and parses a received datagram. It rejects anything
// shorter than PacketSize or lacking the magic prefix; trailing bytes
// beyond PacketSize are ignored, matching the "validates magic and size"
// receiver behavior spec.md describes.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < PacketSize {
		return Packet{}, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Packet{}, ErrBadMagic
	}
	return Packet{
		RunID:      binary.LittleEndian.Uint32(buf[4:8]),
		MACClockUS: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// RunIDTracker watches a stream of decoded packets for a change in run_id,
// which signals the master rebooted. It only starts comparing after the
// first valid packet; the zero value is ready to use.
type RunIDTracker struct {
	seen    bool
	runID   uint32
}

// Observe records p's run_id and reports whether this call detected a
// reboot (i.e. run_id changed from the previously observed value). The
// very first observation never reports a reboot.
func (t *RunIDTracker) Observe(p Packet) (rebooted bool) {
	if !t.seen {
		t.seen = true
		t.runID = p.RunID
		return false
	}
	if p.RunID != t.runID {
		t.runID = p.RunID
		return true
	}
	return false
}

// RunID returns the most recently observed run_id, or 0 if none has been
// observed yet.
func (t *RunIDTracker) RunID() uint32 {
	return t.runID
}
