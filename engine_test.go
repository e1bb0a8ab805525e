// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package masquerade_test

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/neilotoole/slogt"
	"github.com/noisysockets/masquerade"
	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/fragment"
	"github.com/noisysockets/masquerade/internal/testutil"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
	"github.com/stretchr/testify/require"
)

var (
	publicAddr = netip.MustParseAddr("203.0.113.1")
	client     = netip.MustParseAddrPort("10.0.0.2:5000")
	server     = netip.MustParseAddrPort("198.51.100.1:53")
)

func newEngine(t *testing.T, clock *testutil.Clock) *masquerade.Engine {
	conf := &masquerade.EngineConfig{Public: publicAddr}
	if clock != nil {
		conf.Sessions = &session.TableConfig{Now: clock.Now}
		conf.Fragments = &fragment.Config{Now: clock.Now}
	}

	e, err := masquerade.NewEngine(slogt.New(t), conf)
	require.NoError(t, err)

	return e
}

func addr(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip.To4())
	return a
}

func decodeIPv4(t *testing.T, pkt *packet.Packet) (*layers.IPv4, gopacket.Packet) {
	decoded := testutil.Decode(pkt)
	ip, ok := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	return ip, decoded
}

func decodeUDP(t *testing.T, pkt *packet.Packet) (src, dst netip.AddrPort, payload []byte) {
	ip, decoded := decodeIPv4(t, pkt)
	udp, ok := decoded.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	return netip.AddrPortFrom(addr(ip.SrcIP), uint16(udp.SrcPort)),
		netip.AddrPortFrom(addr(ip.DstIP), uint16(udp.DstPort)), udp.Payload
}

func decodeTCP(t *testing.T, pkt *packet.Packet) (src, dst netip.AddrPort, tcp *layers.TCP) {
	ip, decoded := decodeIPv4(t, pkt)
	tcp, ok := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	return netip.AddrPortFrom(addr(ip.SrcIP), uint16(tcp.SrcPort)),
		netip.AddrPortFrom(addr(ip.DstIP), uint16(tcp.DstPort)), tcp
}

func TestUDPRoundTrip(t *testing.T) {
	e := newEngine(t, nil)

	out, err := e.HandleOutbound(testutil.UDP(t, client, server, []byte("query")))
	require.NoError(t, err)
	require.NotNil(t, out)
	defer out.Release()

	require.True(t, out.ChecksumsValid())

	src, dst, payload := decodeUDP(t, out)
	require.Equal(t, publicAddr, src.Addr())
	require.True(t, session.PortRange{Low: 61000, High: 65095}.Contains(src.Port()))
	require.Equal(t, server, dst)
	require.Equal(t, "query", string(payload))

	mapped := src

	in, err := e.HandleInbound(testutil.UDP(t, server, mapped, []byte("answer")))
	require.NoError(t, err)
	defer in.Release()

	require.True(t, in.ChecksumsValid())

	src, dst, payload = decodeUDP(t, in)
	require.Equal(t, server, src)
	require.Equal(t, client, dst)
	require.Equal(t, "answer", string(payload))

	again, err := e.HandleOutbound(testutil.UDP(t, client, server, []byte("query")))
	require.NoError(t, err)
	defer again.Release()

	src, _, _ = decodeUDP(t, again)
	require.Equal(t, mapped, src)

	require.Equal(t, 1, e.Table().Len())
	require.Equal(t, masquerade.EngineStats{Translated: 3}, e.Stats())

	t.Run("Other Remote Gets A New Mapping", func(t *testing.T) {
		other := netip.MustParseAddrPort("198.51.100.2:53")

		out, err := e.HandleOutbound(testutil.UDP(t, client, other, []byte("query")))
		require.NoError(t, err)
		defer out.Release()

		src, _, _ := decodeUDP(t, out)
		require.NotEqual(t, mapped.Port(), src.Port())
		require.Equal(t, 2, e.Table().Len())
	})
}

func TestTCPStateTracking(t *testing.T) {
	e := newEngine(t, nil)

	remote := netip.MustParseAddrPort("198.51.100.1:443")

	out, err := e.HandleOutbound(testutil.TCP(t, testutil.TCPSegment{Src: client, Dst: remote, Seq: 100, SYN: true}))
	require.NoError(t, err)
	mapped, _, _ := decodeTCP(t, out)
	out.Release()

	in, err := e.HandleInbound(testutil.TCP(t, testutil.TCPSegment{Src: remote, Dst: mapped, Seq: 900, Ack: 101, SYN: true, ACK: true}))
	require.NoError(t, err)
	_, dst, tcp := decodeTCP(t, in)
	require.Equal(t, client, dst)
	require.True(t, tcp.SYN && tcp.ACK)
	in.Release()

	out, err = e.HandleOutbound(testutil.TCP(t, testutil.TCPSegment{Src: client, Dst: remote, Seq: 101, Ack: 901, ACK: true}))
	require.NoError(t, err)
	out.Release()

	s := e.Table().LookupPrivate(session.ProtocolTCP, client, remote)
	require.NotNil(t, s)
	defer s.Release()

	require.Equal(t, session.StateEstablished, s.State())
	require.Equal(t, mapped, s.Public())

	t.Run("Reset", func(t *testing.T) {
		in, err := e.HandleInbound(testutil.TCP(t, testutil.TCPSegment{Src: remote, Dst: mapped, Seq: 901, RST: true}))
		require.NoError(t, err)
		in.Release()

		require.Equal(t, session.StateClose, s.State())
	})
}

func TestICMPEcho(t *testing.T) {
	e := newEngine(t, nil)

	out, err := e.HandleOutbound(testutil.ICMPEcho(t, client.Addr(), server.Addr(), false, 77, 1))
	require.NoError(t, err)
	defer out.Release()

	require.True(t, out.ChecksumsValid())

	ip, decoded := decodeIPv4(t, out)
	require.Equal(t, publicAddr, addr(ip.SrcIP))
	icmp, ok := decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	require.Equal(t, uint16(1), icmp.Seq)
	id := icmp.Id

	in, err := e.HandleInbound(testutil.ICMPEcho(t, server.Addr(), publicAddr, true, id, 1))
	require.NoError(t, err)
	defer in.Release()

	require.True(t, in.ChecksumsValid())

	ip, decoded = decodeIPv4(t, in)
	require.Equal(t, client.Addr(), addr(ip.DstIP))
	icmp, ok = decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	require.Equal(t, uint16(77), icmp.Id)

	t.Run("Unsolicited Reply", func(t *testing.T) {
		_, err := e.HandleOutbound(testutil.ICMPEcho(t, client.Addr(), server.Addr(), true, 78, 1))
		require.ErrorIs(t, err, masquerade.ErrDropPacket)
	})
}

func TestDrop(t *testing.T) {
	e := newEngine(t, nil)

	t.Run("No Session", func(t *testing.T) {
		_, err := e.HandleInbound(testutil.UDP(t, server, netip.AddrPortFrom(publicAddr, 4000), nil))
		require.ErrorIs(t, err, masquerade.ErrDropPacket)
	})

	t.Run("Unsupported Protocol", func(t *testing.T) {
		pkt := testutil.RawFragment(t, client.Addr(), server.Addr(), 1, layers.IPProtocolGRE, 0, false, make([]byte, 16))

		_, err := e.HandleOutbound(pkt)
		require.ErrorIs(t, err, masquerade.ErrDropPacket)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, err := e.HandleOutbound(packet.New([]byte{0x45, 0x00}))
		require.ErrorIs(t, err, masquerade.ErrDropPacket)
	})

	require.Equal(t, uint64(3), e.Stats().Dropped)
}

func TestPassthrough(t *testing.T) {
	e := newEngine(t, nil)

	foreign := netip.MustParseAddrPort("192.0.2.5:5000")

	pkt := testutil.UDP(t, foreign, server, []byte("hello"))
	orig := append([]byte(nil), pkt.Bytes()...)

	out, err := e.HandleOutbound(pkt)
	require.NoError(t, err)
	require.Same(t, pkt, out)
	require.Equal(t, orig, out.Bytes())

	pkt = testutil.UDP(t, server, netip.MustParseAddrPort("198.51.100.99:5000"), []byte("hello"))
	in, err := e.HandleInbound(pkt)
	require.NoError(t, err)
	require.Same(t, pkt, in)

	pkt = testutil.UDP(t, netip.AddrPortFrom(publicAddr, 5000), server, []byte("hello"))
	out, err = e.HandleOutbound(pkt)
	require.NoError(t, err)
	require.Same(t, pkt, out)

	require.Equal(t, masquerade.EngineStats{Passthrough: 3}, e.Stats())
	require.Zero(t, e.Table().Len())
}

func TestFragmentedDatagram(t *testing.T) {
	e := newEngine(t, nil)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	datagram := testutil.UDP(t, client, server, payload)

	frags := testutil.Fragment(t, datagram.Bytes(), 1200)
	require.Len(t, frags, 3)

	for _, frag := range frags[:2] {
		out, err := e.HandleOutbound(frag)
		require.NoError(t, err)
		require.Nil(t, out)
	}

	out, err := e.HandleOutbound(frags[2])
	require.NoError(t, err)
	require.NotNil(t, out)
	defer out.Release()

	require.False(t, out.IsFragment())
	require.Equal(t, datagram.Size, out.Size)
	require.True(t, out.ChecksumsValid())

	src, dst, got := decodeUDP(t, out)
	require.Equal(t, publicAddr, src.Addr())
	require.Equal(t, server, dst)
	require.Equal(t, payload, got)

	require.Equal(t, uint64(1), e.Fragments().Stats().Reassembled)
}

func TestReassemblyTimeExceeded(t *testing.T) {
	clock := testutil.NewClock()
	e := newEngine(t, clock)

	datagram := testutil.UDP(t, client, server, make([]byte, 2000))
	frags := testutil.Fragment(t, datagram.Bytes(), 1000)

	out, err := e.HandleOutbound(frags[0])
	require.NoError(t, err)
	require.Nil(t, out)

	clock.Advance(time.Minute)
	e.Sweep(clock.Now())

	var msg *packet.Packet
	select {
	case msg = <-e.Generated():
	case <-time.After(5 * time.Second):
		t.Fatal("no time exceeded message generated")
	}
	defer msg.Release()

	require.True(t, msg.ChecksumsValid())

	ip, decoded := decodeIPv4(t, msg)
	require.Equal(t, publicAddr, addr(ip.SrcIP))
	require.Equal(t, client.Addr(), addr(ip.DstIP))

	icmp, ok := decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	require.Equal(t, uint8(layers.ICMPv4TypeTimeExceeded), icmp.TypeCode.Type())
	require.Equal(t, uint8(1), icmp.TypeCode.Code())

	require.Equal(t, uint64(1), e.Stats().Generated)
	require.Zero(t, e.Fragments().Len())
}

func TestICMPErrorTranslation(t *testing.T) {
	e := newEngine(t, nil)

	out, err := e.HandleOutbound(testutil.UDP(t, client, server, []byte("query")))
	require.NoError(t, err)
	defer out.Release()
	mapped, _, _ := decodeUDP(t, out)

	t.Run("Inbound", func(t *testing.T) {
		msg := testutil.ICMPError(t, server.Addr(), publicAddr, layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort, out, 0)

		in, err := e.HandleInbound(msg)
		require.NoError(t, err)
		defer in.Release()

		require.True(t, in.ChecksumsValid())

		ip, decoded := decodeIPv4(t, in)
		require.Equal(t, client.Addr(), addr(ip.DstIP))

		icmp, ok := decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		require.True(t, ok)

		src, dst, _ := decodeUDP(t, packet.New(icmp.Payload))
		require.Equal(t, client, src)
		require.Equal(t, server, dst)
	})

	t.Run("Outbound", func(t *testing.T) {
		reply, err := e.HandleInbound(testutil.UDP(t, server, mapped, []byte("answer")))
		require.NoError(t, err)
		defer reply.Release()

		msg := testutil.ICMPError(t, client.Addr(), server.Addr(), layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort, reply, 0)

		out, err := e.HandleOutbound(msg)
		require.NoError(t, err)
		defer out.Release()

		require.True(t, out.ChecksumsValid())

		ip, decoded := decodeIPv4(t, out)
		require.Equal(t, publicAddr, addr(ip.SrcIP))
		require.Equal(t, server.Addr(), addr(ip.DstIP))

		icmp, ok := decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		require.True(t, ok)

		src, dst, _ := decodeUDP(t, packet.New(icmp.Payload))
		require.Equal(t, server, src)
		require.Equal(t, mapped, dst)
	})

	t.Run("Unknown Session", func(t *testing.T) {
		stray := testutil.UDP(t, netip.AddrPortFrom(publicAddr, 9999), server, nil)
		msg := testutil.ICMPError(t, server.Addr(), publicAddr, layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort, stray, 0)

		_, err := e.HandleInbound(msg)
		require.ErrorIs(t, err, masquerade.ErrDropPacket)
	})
}

func TestFTPThroughEngine(t *testing.T) {
	logger := slogt.New(t)
	e := newEngine(t, nil)
	require.NoError(t, e.RegisterModules(logger, nil))

	ftpClient := netip.MustParseAddrPort("10.0.0.2:40000")
	ftpServer := netip.MustParseAddrPort("198.51.100.7:21")

	segment := func(src, dst netip.AddrPort, seq, ack uint32, payload string) *packet.Packet {
		return testutil.TCP(t, testutil.TCPSegment{
			Src: src, Dst: dst, Seq: seq, Ack: ack, ACK: true, PSH: true, Payload: []byte(payload),
		})
	}

	out, err := e.HandleOutbound(testutil.TCP(t, testutil.TCPSegment{Src: ftpClient, Dst: ftpServer, Seq: 1000, SYN: true}))
	require.NoError(t, err)
	mapped, _, _ := decodeTCP(t, out)
	out.Release()

	in, err := e.HandleInbound(testutil.TCP(t, testutil.TCPSegment{Src: ftpServer, Dst: mapped, Seq: 5000, Ack: 1001, SYN: true, ACK: true}))
	require.NoError(t, err)
	in.Release()

	// 156*256+65 = 40001
	command := "PORT 10,0,0,2,156,65\r\n"

	out, err = e.HandleOutbound(segment(ftpClient, ftpServer, 1001, 5001, command))
	require.NoError(t, err)
	require.True(t, out.ChecksumsValid())
	_, _, tcp := decodeTCP(t, out)
	require.Equal(t, uint32(1001), tcp.Seq)
	rewritten := string(tcp.Payload)
	out.Release()

	var data *session.Session
	for _, s := range e.Table().Snapshot() {
		if s.Owner() == "ftp" {
			data = s
		} else {
			s.Release()
		}
	}
	require.NotNil(t, data)
	defer data.Release()

	port := data.Public().Port()
	want := fmt.Sprintf("PORT 203,0,113,1,%d,%d\r\n", port>>8, port&0xff)
	require.Equal(t, want, rewritten)
	delta := uint32(len(want) - len(command))

	t.Run("Sequence Adjusted", func(t *testing.T) {
		out, err := e.HandleOutbound(segment(ftpClient, ftpServer, 1001+uint32(len(command)), 5001, "LIST\r\n"))
		require.NoError(t, err)
		defer out.Release()

		_, _, tcp := decodeTCP(t, out)
		require.Equal(t, 1001+uint32(len(command))+delta, tcp.Seq)

		in, err := e.HandleInbound(segment(ftpServer, mapped, 5001, 1001+uint32(len(want)), "200 OK\r\n"))
		require.NoError(t, err)
		defer in.Release()

		require.True(t, in.ChecksumsValid())
		_, _, tcp = decodeTCP(t, in)
		require.Equal(t, 1001+uint32(len(command)), tcp.Ack)
	})

	t.Run("Data Connection", func(t *testing.T) {
		dataPort := netip.MustParseAddrPort("198.51.100.7:20")

		in, err := e.HandleInbound(testutil.TCP(t, testutil.TCPSegment{Src: dataPort, Dst: data.Public(), Seq: 7000, SYN: true}))
		require.NoError(t, err)
		defer in.Release()

		_, dst, _ := decodeTCP(t, in)
		require.Equal(t, netip.MustParseAddrPort("10.0.0.2:40001"), dst)
	})
}

func TestPortForwardThroughEngine(t *testing.T) {
	logger := slogt.New(t)
	e := newEngine(t, nil)

	target := netip.MustParseAddrPort("10.0.0.2:80")
	remote := netip.MustParseAddrPort("198.51.100.9:33000")

	require.NoError(t, e.RegisterModules(logger, &masquerade.Config{
		PortForwards: []masquerade.PortForwardConfig{{
			Protocol: "tcp",
			Port:     8080,
			Targets:  []masquerade.ForwardTarget{{Address: target}},
		}},
	}))

	in, err := e.HandleInbound(testutil.TCP(t, testutil.TCPSegment{Src: remote, Dst: netip.AddrPortFrom(publicAddr, 8080), Seq: 1, SYN: true}))
	require.NoError(t, err)
	defer in.Release()

	_, dst, _ := decodeTCP(t, in)
	require.Equal(t, target, dst)

	out, err := e.HandleOutbound(testutil.TCP(t, testutil.TCPSegment{Src: target, Dst: remote, Seq: 100, Ack: 2, SYN: true, ACK: true}))
	require.NoError(t, err)
	defer out.Release()

	src, dst, _ := decodeTCP(t, out)
	require.Equal(t, netip.AddrPortFrom(publicAddr, 8080), src)
	require.Equal(t, remote, dst)
}

func TestSweep(t *testing.T) {
	clock := testutil.NewClock()
	e := newEngine(t, clock)

	out, err := e.HandleOutbound(testutil.UDP(t, client, server, nil))
	require.NoError(t, err)
	out.Release()
	require.Equal(t, 1, e.Table().Len())

	clock.Advance(time.Minute)
	e.Sweep(clock.Now())
	require.Equal(t, 1, e.Table().Len())

	clock.Advance(5 * time.Minute)
	e.Sweep(clock.Now())
	require.Zero(t, e.Table().Len())

	t.Run("Run", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() {
			errCh <- e.Run(ctx)
		}()

		cancel()
		require.ErrorIs(t, <-errCh, context.Canceled)
	})
}

func TestMasqueraded(t *testing.T) {
	e, err := masquerade.NewEngine(slogt.New(t), &masquerade.EngineConfig{
		Public: publicAddr,
		Masquerade: []netip.Prefix{
			netip.MustParsePrefix("100.64.0.0/10"),
			netip.MustParsePrefix("192.0.2.128/25"),
		},
	})
	require.NoError(t, err)

	require.True(t, e.Masqueraded(netip.MustParseAddr("100.64.0.1")))
	require.True(t, e.Masqueraded(netip.MustParseAddr("100.127.255.254")))
	require.True(t, e.Masqueraded(netip.MustParseAddr("192.0.2.200")))
	require.False(t, e.Masqueraded(netip.MustParseAddr("192.0.2.5")))
	require.False(t, e.Masqueraded(netip.MustParseAddr("10.0.0.2")))

	t.Run("Invalid", func(t *testing.T) {
		_, err := masquerade.NewEngine(slogt.New(t), &masquerade.EngineConfig{
			Public:     publicAddr,
			Masquerade: []netip.Prefix{netip.MustParsePrefix("fd00::/8")},
		})
		require.Error(t, err)

		_, err = masquerade.NewEngine(slogt.New(t), &masquerade.EngineConfig{})
		require.Error(t, err)
	})
}

// collidingModule creates the session for a flow itself, as a concurrent
// packet of the same flow would, and then reports the collision.
type collidingModule struct {
	alg.Nop
	table  *session.Table
	public netip.AddrPort
}

func (m *collidingModule) Name() string { return "colliding" }

func (m *collidingModule) OutRule(*packet.Packet) bool { return true }

func (m *collidingModule) OutCreate(pkt *packet.Packet, public netip.Addr) (*session.Session, error) {
	sport, dport, _ := pkt.Ports()
	s, err := m.table.Create(session.Spec{
		Protocol: session.Protocol(pkt.Protocol()),
		Public:   netip.AddrPortFrom(public, 0),
		Private:  netip.AddrPortFrom(pkt.Source(), sport),
		Remote:   netip.AddrPortFrom(pkt.Destination(), dport),
	})
	if err != nil {
		return nil, err
	}
	m.public = s.Public()
	s.Release()

	return nil, session.ErrExists
}

func TestOutboundCreateCollision(t *testing.T) {
	e := newEngine(t, nil)

	m := &collidingModule{table: e.Table()}
	require.NoError(t, e.Registry().Register(m))

	out, err := e.HandleOutbound(testutil.UDP(t, client, server, []byte("query")))
	require.NoError(t, err)
	require.NotNil(t, out)
	defer out.Release()

	// The packet rides the session that won the race.
	src, dst, _ := decodeUDP(t, out)
	require.Equal(t, m.public, src)
	require.Equal(t, server, dst)
	require.Equal(t, 1, e.Table().Len())
	require.Zero(t, e.Stats().Dropped)
}
