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
	"net"
	"sync"

	"github.com/noisysockets/masquerade/packet"
)

type pipeEndpoint struct {
	name      string
	cancel    context.CancelFunc
	done      <-chan struct{}
	mtu       int
	batchSize int
	recvCh    chan *packet.Packet
	sendCh    chan *packet.Packet
}

// Pipe creates a pair of connected interfaces that can be used to simulate a
// network connection. This is similar to a linux veth device.
func Pipe(mtu, batchSize int) (Interface, Interface) {
	ctx, cancel := context.WithCancel(context.Background())

	aToB := make(chan *packet.Packet, batchSize)
	bToA := make(chan *packet.Packet, batchSize)

	a := &pipeEndpoint{
		name:      "pipe0",
		cancel:    cancel,
		done:      ctx.Done(),
		mtu:       mtu,
		batchSize: batchSize,
		recvCh:    bToA,
		sendCh:    aToB,
	}

	b := &pipeEndpoint{
		name:      "pipe1",
		cancel:    cancel,
		done:      ctx.Done(),
		mtu:       mtu,
		batchSize: batchSize,
		recvCh:    aToB,
		sendCh:    bToA,
	}

	var once sync.Once
	go func() {
		<-ctx.Done()

		// Release anything still in flight.
		once.Do(func() {
			drain(aToB)
			drain(bToA)
		})
	}()

	return a, b
}

func drain(ch chan *packet.Packet) {
	for {
		select {
		case pkt := <-ch:
			pkt.Release()
		default:
			return
		}
	}
}

func (p *pipeEndpoint) Name() string {
	return p.name
}

func (p *pipeEndpoint) MTU() int {
	return p.mtu
}

func (p *pipeEndpoint) BatchSize() int {
	return p.batchSize
}

func (p *pipeEndpoint) Read(ctx context.Context, packets []*packet.Packet) ([]*packet.Packet, error) {
	packets = packets[:0]

	// Read at least one packet.
	select {
	case <-ctx.Done():
		return packets, ctx.Err()
	case <-p.done:
		return packets, net.ErrClosed
	case pkt := <-p.recvCh:
		packets = append(packets, pkt)
	}

	for len(packets) < p.batchSize {
		select {
		case pkt := <-p.recvCh:
			packets = append(packets, pkt)
		default:
			// No more packets available.
			return packets, nil
		}
	}

	return packets, nil
}

func (p *pipeEndpoint) Write(ctx context.Context, packets []*packet.Packet) (int, error) {
	for i, pkt := range packets {
		if pkt.Size > p.mtu {
			// Oversized packets are lost, as on a real link.
			pkt.Release()
			continue
		}

		select {
		case <-ctx.Done():
			return i, ctx.Err()
		case <-p.done:
			return i, net.ErrClosed
		case p.sendCh <- pkt:
		}
	}
	return len(packets), nil
}

func (p *pipeEndpoint) Close() error {
	p.cancel()
	return nil
}
