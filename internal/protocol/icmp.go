// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package protocol builds and rewrites ICMPv4 error messages.
package protocol

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/noisysockets/masquerade/internal/util"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/netstack/pkg/tcpip"
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// CodeReassemblyTimeout is the time exceeded code for a datagram whose
// fragments did not all arrive in time.
const CodeReassemblyTimeout header.ICMPv4Code = 1

// DefaultTTL of generated messages.
const DefaultTTL = 64

// IsError reports whether messages of type t quote the datagram that caused
// them.
func IsError(t header.ICMPv4Type) bool {
	switch t {
	case header.ICMPv4DstUnreachable, header.ICMPv4SrcQuench,
		header.ICMPv4TimeExceeded, header.ICMPv4ParamProblem:
		return true
	}
	return false
}

// TimeExceeded builds a reassembly time exceeded message from src to the
// sender of the datagram quote was taken from.
func TimeExceeded(src netip.Addr, quote []byte) (*packet.Packet, error) {
	if len(quote) < header.IPv4MinimumSize {
		return nil, fmt.Errorf("quote too short: %d bytes", len(quote))
	}
	if !src.Is4() {
		return nil, fmt.Errorf("source %s is not IPv4", src)
	}

	total := header.IPv4MinimumSize + header.ICMPv4MinimumSize + len(quote)
	if total > packet.MaxSize {
		return nil, packet.ErrTooBig
	}
	b := make([]byte, total)

	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(total),
		TTL:         DefaultTTL,
		Protocol:    uint8(header.ICMPv4ProtocolNumber),
		SrcAddr:     util.AddressFrom(src),
		DstAddr:     header.IPv4(quote).SourceAddress(),
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	icmp := header.ICMPv4(b[header.IPv4MinimumSize:])
	icmp.SetType(header.ICMPv4TimeExceeded)
	icmp.SetCode(CodeReassemblyTimeout)
	copy(icmp.Payload(), quote)
	icmp.SetChecksum(^checksum.Checksum(icmp, 0))

	return packet.New(b), nil
}

// Quoted is a view of the datagram quoted by an ICMP error message.
type Quoted struct {
	ip        header.IPv4
	transport []byte
}

// Quote returns the datagram quoted by pkt, if pkt is an ICMP error quoting
// an IPv4 header and at least the first eight transport bytes.
func Quote(pkt *packet.Packet) (Quoted, bool) {
	icmp := pkt.ICMPv4()
	if icmp == nil || !IsError(icmp.Type()) {
		return Quoted{}, false
	}

	b := icmp.Payload()
	if len(b) < header.IPv4MinimumSize || header.IPVersion(b) != header.IPv4Version {
		return Quoted{}, false
	}

	ip := header.IPv4(b)
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize || len(b) < hlen+8 {
		return Quoted{}, false
	}

	return Quoted{ip: ip[:hlen], transport: b[hlen:]}, true
}

// Protocol of the quoted datagram.
func (q Quoted) Protocol() uint8 {
	return q.ip.Protocol()
}

// Source endpoint of the quoted datagram. For ICMP the port is the echo
// identifier.
func (q Quoted) Source() netip.AddrPort {
	return netip.AddrPortFrom(util.AddrFrom(q.ip.SourceAddress()), q.port(true))
}

// Destination endpoint of the quoted datagram.
func (q Quoted) Destination() netip.AddrPort {
	return netip.AddrPortFrom(util.AddrFrom(q.ip.DestinationAddress()), q.port(false))
}

// SetSource rewrites the quoted source endpoint, patching the quoted
// checksums.
func (q Quoted) SetSource(ap netip.AddrPort) {
	q.rewrite(header.IPv4MinimumSize-8, true, ap)
}

// SetDestination rewrites the quoted destination endpoint.
func (q Quoted) SetDestination(ap netip.AddrPort) {
	q.rewrite(header.IPv4MinimumSize-4, false, ap)
}

func (q Quoted) portOffset(source bool) int {
	if q.Protocol() == uint8(header.ICMPv4ProtocolNumber) {
		return 4
	}
	if source {
		return 0
	}
	return 2
}

func (q Quoted) port(source bool) uint16 {
	off := q.portOffset(source)
	return binary.BigEndian.Uint16(q.transport[off:])
}

func (q Quoted) rewrite(addrOff int, source bool, ap netip.AddrPort) {
	oldAddr := make([]byte, 4)
	copy(oldAddr, q.ip[addrOff:addrOff+4])
	newAddr := ap.Addr().As4()
	copy(q.ip[addrOff:], newAddr[:])
	q.ip.SetChecksum(0)
	q.ip.SetChecksum(^q.ip.CalculateChecksum())

	portOff := q.portOffset(source)
	oldPort := make([]byte, 2)
	copy(oldPort, q.transport[portOff:portOff+2])
	binary.BigEndian.PutUint16(q.transport[portOff:], ap.Port())

	var sumOff int
	pseudo := true
	switch tcpip.TransportProtocolNumber(q.Protocol()) {
	case header.TCPProtocolNumber:
		sumOff = 16
	case header.UDPProtocolNumber:
		sumOff = 6
	case header.ICMPv4ProtocolNumber:
		sumOff = 2
		pseudo = false
	default:
		return
	}
	// The quote may stop short of the checksum.
	if len(q.transport) < sumOff+2 {
		return
	}

	sum := binary.BigEndian.Uint16(q.transport[sumOff:])
	if sum == 0 && sumOff == 6 {
		return
	}
	if pseudo {
		sum = adjustChecksum(sum, oldAddr, newAddr[:])
	}
	sum = adjustChecksum(sum, oldPort, q.transport[portOff:portOff+2])
	if sum == 0 && sumOff == 6 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(q.transport[sumOff:], sum)
}

// adjustChecksum incrementally updates a checksum for a field changing from
// from to to (RFC 1624).
func adjustChecksum(sum uint16, from, to []byte) uint16 {
	s := checksum.Combine(^sum, ^checksum.Checksum(from, 0))
	return ^checksum.Combine(s, checksum.Checksum(to, 0))
}
