// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package testutil synthesises packets for tests using gopacket, so the
// engine's own header code is checked against an independent encoder.
package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/noisysockets/masquerade/packet"
	"github.com/stretchr/testify/require"
)

// TCPSegment describes a TCP segment to synthesise.
type TCPSegment struct {
	Src, Dst           netip.AddrPort
	Seq, Ack           uint32
	SYN, ACK, FIN, RST bool
	PSH                bool
	Payload            []byte
	ID                 uint16
}

// TCP builds an IPv4/TCP packet with valid checksums.
func TCP(t testing.TB, seg TCPSegment) *packet.Packet {
	ip := ipv4Layer(seg.Src.Addr(), seg.Dst.Addr(), layers.IPProtocolTCP, seg.ID)

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.Src.Port()),
		DstPort: layers.TCPPort(seg.Dst.Port()),
		Seq:     seg.Seq,
		Ack:     seg.Ack,
		SYN:     seg.SYN,
		ACK:     seg.ACK,
		FIN:     seg.FIN,
		RST:     seg.RST,
		PSH:     seg.PSH,
		Window:  65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	return serialize(t, ip, tcp, gopacket.Payload(seg.Payload))
}

// UDP builds an IPv4/UDP packet with valid checksums.
func UDP(t testing.TB, src, dst netip.AddrPort, payload []byte) *packet.Packet {
	ip := ipv4Layer(src.Addr(), dst.Addr(), layers.IPProtocolUDP, 0)

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	return serialize(t, ip, udp, gopacket.Payload(payload))
}

// ICMPEcho builds an IPv4 ICMP echo request (or reply) packet.
func ICMPEcho(t testing.TB, src, dst netip.Addr, reply bool, id, seq uint16) *packet.Packet {
	ip := ipv4Layer(src, dst, layers.IPProtocolICMPv4, 0)

	typ := uint8(layers.ICMPv4TypeEchoRequest)
	if reply {
		typ = layers.ICMPv4TypeEchoReply
	}

	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}

	return serialize(t, ip, icmp, gopacket.Payload([]byte("ping")))
}

// ICMPError builds an ICMP error message from src to dst quoting the first
// n bytes of the offending datagram (all of it when n is zero).
func ICMPError(t testing.TB, src, dst netip.Addr, typ, code uint8, quoted *packet.Packet, n int) *packet.Packet {
	ip := ipv4Layer(src, dst, layers.IPProtocolICMPv4, 0)

	quote := quoted.Bytes()
	if n > 0 && n < len(quote) {
		quote = quote[:n]
	}

	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, code),
	}

	return serialize(t, ip, icmp, gopacket.Payload(quote))
}

// Fragment splits an IPv4 datagram into fragments carrying at most size
// payload bytes each. size must be a multiple of eight.
func Fragment(t testing.TB, datagram []byte, size int) []*packet.Packet {
	require.Zero(t, size%8, "fragment size must be a multiple of eight")

	decoded := gopacket.NewPacket(datagram, layers.LayerTypeIPv4, gopacket.NoCopy)
	orig, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok, "not an IPv4 datagram")

	payload := orig.LayerPayload()

	var frags []*packet.Packet
	for off := 0; off < len(payload); off += size {
		end := min(off+size, len(payload))

		ip := *orig
		ip.FragOffset = uint16(off / 8)
		ip.Flags &^= layers.IPv4MoreFragments
		if end < len(payload) {
			ip.Flags |= layers.IPv4MoreFragments
		}

		frags = append(frags, serialize(t, &ip, gopacket.Payload(payload[off:end])))
	}

	return frags
}

// RawFragment builds a single fragment with an explicit byte offset, used for
// overlap tests.
func RawFragment(t testing.TB, src, dst netip.Addr, id uint16, proto layers.IPProtocol, off int, more bool, payload []byte) *packet.Packet {
	ip := ipv4Layer(src, dst, proto, id)
	ip.FragOffset = uint16(off / 8)
	if more {
		ip.Flags |= layers.IPv4MoreFragments
	}

	return serialize(t, ip, gopacket.Payload(payload))
}

// Decode parses a packet with gopacket for assertions.
func Decode(pkt *packet.Packet) gopacket.Packet {
	return gopacket.NewPacket(append([]byte(nil), pkt.Bytes()...), layers.LayerTypeIPv4, gopacket.Default)
}

func ipv4Layer(src, dst netip.Addr, proto layers.IPProtocol, id uint16) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       id,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func serialize(t testing.TB, l ...gopacket.SerializableLayer) *packet.Packet {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}, l...)
	require.NoError(t, err)

	return packet.New(buf.Bytes())
}
