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
	"testing"

	"github.com/noisysockets/masquerade"
	"github.com/noisysockets/masquerade/packet"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	pool := packet.NewPool(32, false)

	nicA, nicB := masquerade.Pipe(1500, 16)
	t.Cleanup(func() {
		require.NoError(t, nicA.Close())
		require.NoError(t, nicB.Close())
	})

	ctx := context.Background()

	// Send a packet from A to B.
	// Make sure B receives it.

	pkt := pool.Borrow()
	pkt.Size = copy(pkt.Buf[:], []byte("hello"))

	n, err := nicA.Write(ctx, []*packet.Packet{pkt})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	{
		packets := make([]*packet.Packet, 0, nicB.BatchSize())
		packets, err = nicB.Read(ctx, packets)
		require.NoError(t, err)
		require.Len(t, packets, 1)

		require.Equal(t, "hello", string(packets[0].Bytes()))

		for i, pkt := range packets {
			pkt.Release()
			packets[i] = nil
		}
	}

	// Send a batch from B to A.
	// Make sure A receives all of it in one read.

	batch := make([]*packet.Packet, 3)
	for i := range batch {
		batch[i] = pool.Borrow()
		batch[i].Size = copy(batch[i].Buf[:], []byte("world"))
	}

	n, err = nicB.Write(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	{
		packets := make([]*packet.Packet, 0, nicA.BatchSize())
		packets, err = nicA.Read(ctx, packets)
		require.NoError(t, err)
		require.Len(t, packets, 3)

		for i, pkt := range packets {
			require.Equal(t, "world", string(pkt.Bytes()))
			pkt.Release()
			packets[i] = nil
		}
	}

	require.Zero(t, pool.Count())

	t.Run("Oversized", func(t *testing.T) {
		big := pool.Borrow()
		big.Size = 1501

		n, err := nicA.Write(ctx, []*packet.Packet{big})
		require.NoError(t, err)
		require.Equal(t, 1, n)

		// Dropped and returned to the pool.
		require.Zero(t, pool.Count())
	})

	t.Run("Closed", func(t *testing.T) {
		nicC, nicD := masquerade.Pipe(1500, 16)
		require.NoError(t, nicC.Close())

		_, err := nicD.Read(ctx, nil)
		require.ErrorIs(t, err, net.ErrClosed)
	})
}
