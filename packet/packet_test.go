// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package packet_test

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/noisysockets/masquerade/internal/testutil"
	"github.com/noisysockets/masquerade/packet"
	"github.com/stretchr/testify/require"
)

var (
	client = netip.MustParseAddrPort("192.168.1.10:40000")
	server = netip.MustParseAddrPort("198.51.100.7:21")
)

func TestValidate(t *testing.T) {
	pkt := testutil.UDP(t, client, server, []byte("hello"))
	require.NoError(t, pkt.Validate())

	// Link-layer padding is trimmed.
	padded := packet.New(append(append([]byte(nil), pkt.Bytes()...), 0, 0, 0, 0))
	require.NoError(t, padded.Validate())
	require.Equal(t, pkt.Size, padded.Size)

	require.ErrorIs(t, packet.New([]byte{0x45, 0, 0}).Validate(), packet.ErrTruncated)

	v6 := make([]byte, 40)
	v6[0] = 0x60
	require.ErrorIs(t, packet.New(v6).Validate(), packet.ErrNotIPv4)
}

func TestAccessors(t *testing.T) {
	pkt := testutil.TCP(t, testutil.TCPSegment{
		Src:     client,
		Dst:     server,
		Seq:     1000,
		ACK:     true,
		Payload: []byte("USER anonymous\r\n"),
	})
	require.NoError(t, pkt.Validate())

	require.Equal(t, client.Addr(), pkt.Source())
	require.Equal(t, server.Addr(), pkt.Destination())

	src, dst, ok := pkt.Ports()
	require.True(t, ok)
	require.Equal(t, client.Port(), src)
	require.Equal(t, server.Port(), dst)

	require.Equal(t, "USER anonymous\r\n", string(pkt.Payload()))
	require.False(t, pkt.IsFragment())
	require.True(t, pkt.ChecksumsValid())
}

func TestReplace(t *testing.T) {
	orig := "PORT 192,168,1,10,156,64\r\n"

	t.Run("Grow", func(t *testing.T) {
		pkt := testutil.TCP(t, testutil.TCPSegment{Src: client, Dst: server, ACK: true, Payload: []byte(orig)})
		require.NoError(t, pkt.Validate())

		delta, err := pkt.Replace(5, 19, []byte("203,0,113,200,238,72"))
		require.NoError(t, err)
		require.Equal(t, 1, delta)
		require.Equal(t, "PORT 203,0,113,200,238,72\r\n", string(pkt.Payload()))
		require.Equal(t, pkt.Size, int(pkt.IPv4().TotalLength()))

		pkt.UpdateChecksums()
		require.True(t, pkt.ChecksumsValid())

		decoded := testutil.Decode(pkt)
		require.Nil(t, decoded.ErrorLayer())
		require.Equal(t, "PORT 203,0,113,200,238,72\r\n", string(decoded.ApplicationLayer().Payload()))
	})

	t.Run("Shrink", func(t *testing.T) {
		pkt := testutil.UDP(t, client, server, []byte(orig))
		require.NoError(t, pkt.Validate())

		delta, err := pkt.Replace(5, 19, []byte("1,2,3,4,0,21"))
		require.NoError(t, err)
		require.Equal(t, -7, delta)
		require.Equal(t, "PORT 1,2,3,4,0,21\r\n", string(pkt.Payload()))

		pkt.UpdateChecksums()
		require.True(t, pkt.ChecksumsValid())

		udp := testutil.Decode(pkt).Layer(layers.LayerTypeUDP).(*layers.UDP)
		require.Equal(t, uint16(8+len("PORT 1,2,3,4,0,21\r\n")), udp.Length)
	})

	t.Run("OutOfBounds", func(t *testing.T) {
		pkt := testutil.UDP(t, client, server, []byte("abc"))
		require.NoError(t, pkt.Validate())

		_, err := pkt.Replace(2, 10, nil)
		require.ErrorIs(t, err, packet.ErrOutOfBounds)
	})
}

func TestRewriteAndChecksum(t *testing.T) {
	pkt := testutil.ICMPEcho(t, client.Addr(), server.Addr(), false, 77, 1)
	require.NoError(t, pkt.Validate())

	pkt.SetSource(netip.MustParseAddr("203.0.113.1"))
	pkt.SetSourcePort(4242)
	pkt.UpdateChecksums()
	require.True(t, pkt.ChecksumsValid())

	icmp := testutil.Decode(pkt).Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.Equal(t, uint16(4242), icmp.Id)
}

func TestPool(t *testing.T) {
	pool := packet.NewPool(4, true)

	pkt := pool.Borrow()
	pkt.Size = copy(pkt.Buf[:], []byte("hello"))
	require.Equal(t, "hello", string(pkt.Bytes()))
	require.Len(t, pool.Outstanding(), 1)

	pkt.IncRef()
	pkt.DecRef()
	require.Len(t, pool.Outstanding(), 1)

	pkt.Release()
	require.Empty(t, pool.Outstanding())
}
