// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package masquerade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/noisysockets/masquerade/internal/util"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/netutil/ptr"
)

var _ Interface = (*PacketConn)(nil)

// PacketConnConfig is the configuration for a PacketConn.
type PacketConnConfig struct {
	// MTU of the encapsulated link.
	MTU *int
	// BatchSize is the maximum number of packets returned by a read.
	BatchSize *int
}

var defaultPacketConnConf = PacketConnConfig{
	MTU:       ptr.To(1500),
	BatchSize: ptr.To(32),
}

// PacketConn is an interface exchanging raw IPv4 packets with a single peer,
// one packet per UDP datagram.
type PacketConn struct {
	logger    *slog.Logger
	conn      *net.UDPConn
	peer      netip.AddrPort
	pool      *packet.Pool
	mtu       int
	batchSize int
}

// ListenPacketConn binds local and exchanges packets with peer. Received
// packets are borrowed from pool.
func ListenPacketConn(logger *slog.Logger, local, peer netip.AddrPort, pool *packet.Pool, conf *PacketConnConfig) (*PacketConn, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultPacketConnConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(local))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", local, err)
	}

	return &PacketConn{
		logger:    logger.With(slog.String("local", local.String()), slog.String("peer", peer.String())),
		conn:      conn,
		peer:      peer,
		pool:      pool,
		mtu:       *conf.MTU,
		batchSize: *conf.BatchSize,
	}, nil
}

// LocalAddr returns the bound address.
func (c *PacketConn) LocalAddr() netip.AddrPort {
	addr := c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func (c *PacketConn) MTU() int {
	return c.mtu
}

func (c *PacketConn) BatchSize() int {
	return c.batchSize
}

func (c *PacketConn) Read(ctx context.Context, packets []*packet.Packet) ([]*packet.Packet, error) {
	packets = packets[:0]

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for len(packets) < c.batchSize {
		if len(packets) > 0 {
			// Only block for the first packet.
			if err := c.conn.SetReadDeadline(time.Now()); err != nil {
				return packets, err
			}
		} else {
			if err := c.conn.SetReadDeadline(time.Time{}); err != nil {
				return packets, err
			}
			// Cancellation may have raced the deadline reset.
			if err := ctx.Err(); err != nil {
				return packets, err
			}
		}

		pkt := c.pool.Borrow()
		n, from, err := c.conn.ReadFromUDPAddrPort(pkt.Buf[:])
		if err != nil {
			pkt.Release()
			if len(packets) > 0 {
				return packets, nil
			}
			if ctx.Err() != nil {
				return packets, ctx.Err()
			}
			return packets, err
		}

		if from.Addr().Unmap() != c.peer.Addr() || from.Port() != c.peer.Port() {
			c.logger.Debug("Ignoring datagram from unknown peer", slog.String("from", from.String()))
			pkt.Release()
			continue
		}

		pkt.Size = n
		packets = append(packets, pkt)
	}

	return packets, nil
}

func (c *PacketConn) Write(ctx context.Context, packets []*packet.Packet) (int, error) {
	for i, pkt := range packets {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		if pkt.Size > c.mtu {
			c.logger.Debug("Dropping oversized packet", slog.Int("size", pkt.Size))
			pkt.Release()
			continue
		}

		_, err := c.conn.WriteToUDPAddrPort(pkt.Bytes(), c.peer)
		pkt.Release()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return i + 1, err
			}
			return i + 1, fmt.Errorf("failed to write packet: %w", err)
		}
	}
	return len(packets), nil
}

func (c *PacketConn) Close() error {
	return c.conn.Close()
}
