// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package packet provides the mutable, refcounted IPv4 packet buffer that
// flows through the masquerading engine.
package packet

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	"github.com/noisysockets/masquerade/internal/util"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

const (
	// MaxSize is the maximum size of an IP packet.
	MaxSize = 65535
	// overhead is the bookkeeping cost charged on top of the packet bytes
	// when accounting for memory use.
	overhead = 256
)

var (
	ErrTruncated   = errors.New("truncated packet")
	ErrNotIPv4     = errors.New("not an IPv4 packet")
	ErrTooBig      = errors.New("packet would exceed maximum size")
	ErrOutOfBounds = errors.New("range out of bounds")
)

// Packet represents an IPv4 packet.
type Packet struct {
	// Buf is the buffer containing the packet data.
	Buf [MaxSize]byte
	// Offset is the offset inside the buffer where the packet data starts.
	Offset int
	// Size is the size of the packet data.
	Size int
	// Mark is an opaque classification tag attached upstream of the engine.
	Mark uint32
	refs atomic.Int32
	// pool is the pool from which the packet was borrowed.
	pool *Pool
	// when debugging is enabled, borrowerName is the name of the function
	// that borrowed the packet.
	borrowerName string
}

// New returns an unpooled packet holding a copy of b.
func New(b []byte) *Packet {
	p := &Packet{}
	p.Size = copy(p.Buf[:], b)
	p.refs.Store(1)
	return p
}

// IncRef takes an additional reference on the packet.
func (p *Packet) IncRef() {
	p.refs.Add(1)
}

// DecRef drops a reference, returning the packet to its pool once the last
// reference is gone.
func (p *Packet) DecRef() {
	if p.refs.Add(-1) == 0 && p.pool != nil {
		p.pool.put(p)
	}
}

// Release is an alias for DecRef.
func (p *Packet) Release() {
	p.DecRef()
}

// Reset resets the packet.
func (p *Packet) Reset() {
	p.Offset = 0
	p.Size = 0
	p.Mark = 0
}

// Bytes returns the packet data as a byte slice.
func (p *Packet) Bytes() []byte {
	return p.Buf[p.Offset : p.Offset+p.Size]
}

// CopyFrom fills the packet with the data from another packet.
// offset is the offset inside the packet buffer where the data should be copied.
func (p *Packet) CopyFrom(pkt *Packet, offset int) {
	p.Size = copy(p.Buf[offset:], pkt.Bytes())
	p.Offset = offset
	p.Mark = pkt.Mark
}

// Clone returns an unpooled deep copy of the packet.
func (p *Packet) Clone() *Packet {
	c := New(p.Bytes())
	c.Mark = p.Mark
	return c
}

// Truesize is the number of bytes the packet is charged for when its memory
// use is being accounted.
func (p *Packet) Truesize() int {
	return p.Size + overhead
}

// Validate checks the IPv4 header and trims any link-layer padding beyond the
// IP total length.
func (p *Packet) Validate() error {
	b := p.Bytes()
	if len(b) < header.IPv4MinimumSize {
		return ErrTruncated
	}

	if header.IPVersion(b) != header.IPv4Version {
		return ErrNotIPv4
	}

	ip := header.IPv4(b)
	hlen := int(ip.HeaderLength())
	total := int(ip.TotalLength())
	if hlen < header.IPv4MinimumSize || total < hlen || total > len(b) {
		return fmt.Errorf("%w: header %d, total %d, have %d", ErrTruncated, hlen, total, len(b))
	}

	p.Size = total
	return nil
}

// IPv4 returns the network header view.
func (p *Packet) IPv4() header.IPv4 {
	return header.IPv4(p.Bytes())
}

// HeaderLength is the length of the IPv4 header including options.
func (p *Packet) HeaderLength() int {
	return int(p.IPv4().HeaderLength())
}

// Protocol returns the transport protocol number.
func (p *Packet) Protocol() uint8 {
	return p.IPv4().Protocol()
}

// Source returns the IP source address.
func (p *Packet) Source() netip.Addr {
	return util.AddrFrom(p.IPv4().SourceAddress())
}

// Destination returns the IP destination address.
func (p *Packet) Destination() netip.Addr {
	return util.AddrFrom(p.IPv4().DestinationAddress())
}

// SetSource rewrites the IP source address.
func (p *Packet) SetSource(addr netip.Addr) {
	p.IPv4().SetSourceAddress(util.AddressFrom(addr))
}

// SetDestination rewrites the IP destination address.
func (p *Packet) SetDestination(addr netip.Addr) {
	p.IPv4().SetDestinationAddress(util.AddressFrom(addr))
}

// IsFragment reports whether the packet is a fragment of a larger datagram.
func (p *Packet) IsFragment() bool {
	ip := p.IPv4()
	return ip.More() || ip.FragmentOffset() != 0
}

// Transport returns everything after the IPv4 header.
func (p *Packet) Transport() []byte {
	return p.Bytes()[p.HeaderLength():]
}

// TCP returns the TCP header view, or nil if the packet is not a complete
// TCP segment.
func (p *Packet) TCP() header.TCP {
	if p.IPv4().TransportProtocol() != header.TCPProtocolNumber {
		return nil
	}

	b := p.Transport()
	if len(b) < header.TCPMinimumSize {
		return nil
	}

	tcp := header.TCP(b)
	if off := int(tcp.DataOffset()); off < header.TCPMinimumSize || off > len(b) {
		return nil
	}

	return tcp
}

// UDP returns the UDP header view, or nil if the packet is not UDP.
func (p *Packet) UDP() header.UDP {
	if p.IPv4().TransportProtocol() != header.UDPProtocolNumber {
		return nil
	}

	b := p.Transport()
	if len(b) < header.UDPMinimumSize {
		return nil
	}

	return header.UDP(b)
}

// ICMPv4 returns the ICMP header view, or nil if the packet is not ICMP.
func (p *Packet) ICMPv4() header.ICMPv4 {
	if p.IPv4().TransportProtocol() != header.ICMPv4ProtocolNumber {
		return nil
	}

	b := p.Transport()
	if len(b) < header.ICMPv4MinimumSize {
		return nil
	}

	return header.ICMPv4(b)
}

// Ports returns the transport source and destination ports. For ICMP the
// echo identifier is reported as both.
func (p *Packet) Ports() (src, dst uint16, ok bool) {
	if tcp := p.TCP(); tcp != nil {
		return tcp.SourcePort(), tcp.DestinationPort(), true
	}

	if udp := p.UDP(); udp != nil {
		return udp.SourcePort(), udp.DestinationPort(), true
	}

	if icmp := p.ICMPv4(); icmp != nil {
		return icmp.Ident(), icmp.Ident(), true
	}

	return 0, 0, false
}

// SetSourcePort rewrites the transport source port (or ICMP identifier).
func (p *Packet) SetSourcePort(port uint16) {
	if tcp := p.TCP(); tcp != nil {
		tcp.SetSourcePort(port)
	} else if udp := p.UDP(); udp != nil {
		udp.SetSourcePort(port)
	} else if icmp := p.ICMPv4(); icmp != nil {
		icmp.SetIdent(port)
	}
}

// SetDestinationPort rewrites the transport destination port (or ICMP
// identifier).
func (p *Packet) SetDestinationPort(port uint16) {
	if tcp := p.TCP(); tcp != nil {
		tcp.SetDestinationPort(port)
	} else if udp := p.UDP(); udp != nil {
		udp.SetDestinationPort(port)
	} else if icmp := p.ICMPv4(); icmp != nil {
		icmp.SetIdent(port)
	}
}

// PayloadOffset returns the offset of the application payload relative to
// the start of the packet data.
func (p *Packet) PayloadOffset() int {
	hlen := p.HeaderLength()
	if tcp := p.TCP(); tcp != nil {
		return hlen + int(tcp.DataOffset())
	}

	if p.UDP() != nil {
		return hlen + header.UDPMinimumSize
	}

	return hlen
}

// Payload returns the application payload.
func (p *Packet) Payload() []byte {
	return p.Bytes()[p.PayloadOffset():]
}

// Replace substitutes the payload bytes [off, off+n) with b, shifting the rest
// of the packet as needed. The IP total length (and UDP length) are updated;
// checksums are not. It returns the change in payload length.
func (p *Packet) Replace(off, n int, b []byte) (int, error) {
	start := p.PayloadOffset() + off
	end := start + n
	if off < 0 || n < 0 || end > p.Size {
		return 0, ErrOutOfBounds
	}

	delta := len(b) - n
	if p.Offset+p.Size+delta > MaxSize {
		return 0, ErrTooBig
	}

	data := p.Buf[p.Offset:]
	if delta != 0 {
		copy(data[end+delta:p.Size+delta], data[end:p.Size])
	}
	copy(data[start:], b)
	p.Size += delta

	p.IPv4().SetTotalLength(uint16(p.Size))
	if udp := p.UDP(); udp != nil {
		udp.SetLength(uint16(len(p.Transport())))
	}

	return delta, nil
}
