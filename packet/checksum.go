// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package packet

import (
	"github.com/noisysockets/netstack/pkg/tcpip/checksum"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// UpdateChecksums recomputes the IPv4 header checksum and, for complete
// datagrams, the transport checksum.
func (p *Packet) UpdateChecksums() {
	ip := p.IPv4()
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	if p.IsFragment() {
		// The transport checksum covers the whole datagram.
		return
	}

	src, dst := ip.SourceAddress(), ip.DestinationAddress()

	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		tcp := p.TCP()
		if tcp == nil {
			return
		}

		tcp.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(len(tcp)))
		tcp.SetChecksum(^checksum.Checksum(tcp, xsum))
	case header.UDPProtocolNumber:
		udp := p.UDP()
		if udp == nil || udp.Checksum() == 0 {
			// A zero UDP checksum means the sender did not compute one.
			return
		}

		udp.SetChecksum(0)
		xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(len(udp)))
		if sum := ^checksum.Checksum(udp, xsum); sum != 0 {
			udp.SetChecksum(sum)
		} else {
			udp.SetChecksum(0xffff)
		}
	case header.ICMPv4ProtocolNumber:
		icmp := p.ICMPv4()
		if icmp == nil {
			return
		}

		icmp.SetChecksum(0)
		icmp.SetChecksum(^checksum.Checksum(icmp, 0))
	}
}

// ChecksumsValid reports whether the IPv4 header checksum and (for complete
// datagrams) the transport checksum verify.
func (p *Packet) ChecksumsValid() bool {
	ip := p.IPv4()
	if ip.CalculateChecksum() != 0xffff {
		return false
	}

	if p.IsFragment() {
		return true
	}

	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	transport := p.Transport()

	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		xsum := header.PseudoHeaderChecksum(header.TCPProtocolNumber, src, dst, uint16(len(transport)))
		return checksum.Checksum(transport, xsum) == 0xffff
	case header.UDPProtocolNumber:
		if udp := p.UDP(); udp == nil || udp.Checksum() == 0 {
			return udp != nil
		}
		xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(len(transport)))
		return checksum.Checksum(transport, xsum) == 0xffff
	case header.ICMPv4ProtocolNumber:
		return checksum.Checksum(transport, 0) == 0xffff
	}

	return true
}
