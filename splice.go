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
	"net/netip"

	"github.com/noisysockets/masquerade/packet"
	"golang.org/x/sync/errgroup"
)

// Splice splices (bidirectional copy) two network interfaces together.
func Splice(ctx context.Context, nicA, nicB Interface) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return copyPackets(ctx, nicA, nicB, nil)
	})

	g.Go(func() error {
		return copyPackets(ctx, nicB, nicA, nil)
	})

	return g.Wait()
}

// Attach runs the engine between the interface facing the private network
// and the interface facing the outside until ctx is cancelled or either
// interface fails.
func (e *Engine) Attach(ctx context.Context, inside, outside Interface) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return copyPackets(ctx, outside, inside, e.HandleOutbound)
	})

	g.Go(func() error {
		return copyPackets(ctx, inside, outside, e.HandleInbound)
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-e.generated:
				nic := outside
				if e.inside(msg.Destination()) {
					nic = inside
				}
				if _, err := nic.Write(ctx, []*packet.Packet{msg}); err != nil {
					return err
				}
			}
		}
	})

	return g.Wait()
}

func (e *Engine) inside(addr netip.Addr) bool {
	return addr != e.public && e.Masqueraded(addr)
}

// copyPackets copies packets from src to dst, passing each through fn when
// set. fn owns the packets it is given and returns the ones to forward.
func copyPackets(ctx context.Context, dst, src Interface, fn func(*packet.Packet) (*packet.Packet, error)) error {
	batchSize := src.BatchSize()
	packets := make([]*packet.Packet, 0, batchSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var err error
		packets, err = src.Read(ctx, packets)
		if err != nil {
			return err
		}

		if fn != nil {
			forward := packets[:0]
			for _, pkt := range packets {
				if out, err := fn(pkt); err == nil && out != nil {
					forward = append(forward, out)
				}
			}
			packets = forward
		}

		for len(packets) > 0 {
			n, err := dst.Write(ctx, packets)
			packets = packets[n:]

			if err != nil {
				for i, pkt := range packets {
					pkt.Release()
					packets[i] = nil
				}

				return err
			}
		}

		packets = packets[:0]
	}
}
