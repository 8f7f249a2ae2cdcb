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
	"net"

	"tinygo.org/x/drivers/netdev"

	"fts/proto"
)

// BroadcastPort is the UDP port the master's sync packet is broadcast on
// and the slave listens for it on.
const BroadcastPort = 7373

// Broadcaster sends proto.Packet datagrams to the subnet broadcast address
// over whatever network device netdev.UseNetdev bound at startup — the
// board's Wi-Fi radio in production. This is the one piece of the original
// FTM stack's transport the core actually depends on directly (spec.md's
// "best-effort broadcast datagram transport"); the FTM ranging protocol
// itself stays behind the ftm.Session interface.
type Broadcaster struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
}

// NewBroadcaster configures dev as the active network device and opens a
// UDP socket for sending to the subnet broadcast address.
func NewBroadcaster(dev netdev.Netdever, broadcastIP net.IP) (*Broadcaster, error) {
	netdev.UseNetdev(dev)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("board: listen udp: %w", err)
	}
	return &Broadcaster{
		conn: conn,
		dst:  &net.UDPAddr{IP: broadcastIP, Port: BroadcastPort},
	}, nil
}

// Send encodes and sends one sync packet. A send error is logged by the
// caller and otherwise ignored, matching spec.md §7's "broadcast send
// error: logged, continue" policy.
func (b *Broadcaster) Send(p proto.Packet) error {
	_, err := b.conn.WriteToUDP(proto.Encode(p), b.dst)
	return err
}

// Receiver listens for broadcast sync packets on BroadcastPort.
type Receiver struct {
	conn *net.UDPConn
	buf  [proto.PacketSize + 16]byte
}

// NewReceiver configures dev as the active network device and opens a UDP
// listener on BroadcastPort.
func NewReceiver(dev netdev.Netdever) (*Receiver, error) {
	netdev.UseNetdev(dev)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: BroadcastPort})
	if err != nil {
		return nil, fmt.Errorf("board: listen udp: %w", err)
	}
	return &Receiver{conn: conn}, nil
}

// Receive blocks for the next datagram and decodes it.
func (r *Receiver) Receive() (proto.Packet, error) {
	n, _, err := r.conn.ReadFromUDP(r.buf[:])
	if err != nil {
		return proto.Packet{}, err
	}
	return proto.Decode(r.buf[:n])
}
