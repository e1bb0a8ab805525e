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
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/masquerade"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/netutil/ptr"
	"github.com/stretchr/testify/require"
)

func TestPacketConn(t *testing.T) {
	logger := slogt.New(t)
	pool := packet.NewPool(32, false)

	// Reserve two loopback ports.
	reserve := func() netip.AddrPort {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()
		require.NoError(t, conn.Close())
		return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	}
	addrA, addrB := reserve(), reserve()

	conf := &masquerade.PacketConnConfig{MTU: ptr.To(1400)}

	connA, err := masquerade.ListenPacketConn(logger, addrA, addrB, pool, conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, connA.Close())
	})

	connB, err := masquerade.ListenPacketConn(logger, addrB, addrA, pool, conf)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, connB.Close())
	})

	require.Equal(t, 1400, connA.MTU())
	require.Equal(t, 32, connA.BatchSize())
	require.Equal(t, addrA, connA.LocalAddr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	pkt := packet.New([]byte("hello"))
	n, err := connA.Write(ctx, []*packet.Packet{pkt})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	packets, err := connB.Read(ctx, make([]*packet.Packet, 0, connB.BatchSize()))
	require.NoError(t, err)
	require.Len(t, packets, 1)
	require.Equal(t, "hello", string(packets[0].Bytes()))

	require.Equal(t, 1, pool.Count())
	packets[0].Release()
	require.Zero(t, pool.Count())

	t.Run("Unknown Peer", func(t *testing.T) {
		stranger, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		defer stranger.Close()

		_, err = stranger.WriteToUDPAddrPort([]byte("spoofed"), addrB)
		require.NoError(t, err)

		_, err = connA.Write(ctx, []*packet.Packet{packet.New([]byte("genuine"))})
		require.NoError(t, err)

		packets, err := connB.Read(ctx, make([]*packet.Packet, 0, connB.BatchSize()))
		require.NoError(t, err)
		require.Len(t, packets, 1)
		require.Equal(t, "genuine", string(packets[0].Bytes()))
		packets[0].Release()
	})

	t.Run("Cancelled Read", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		time.AfterFunc(50*time.Millisecond, cancel)

		_, err := connB.Read(ctx, nil)
		require.ErrorIs(t, err, context.Canceled)
	})
}
