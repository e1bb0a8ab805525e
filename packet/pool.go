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
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/noisysockets/netutil/waitpool"
)

// Pool is a bounded pool of packets. Borrow blocks once every packet is in
// use, which applies backpressure to interface readers.
type Pool struct {
	pool      *waitpool.WaitPool[*Packet]
	debug     bool
	borrowers sync.Map
}

// NewPool creates a new packet pool with the given maximum number of packets.
func NewPool(max int, debug bool) *Pool {
	var pp *Pool
	pp = &Pool{
		pool: waitpool.New(uint32(max), func() *Packet {
			return &Packet{
				pool: pp,
			}
		}),
		debug: debug,
	}
	return pp
}

// Borrow takes a packet from the pool holding a single reference.
func (p *Pool) Borrow() *Packet {
	pkt := p.pool.Get()
	pkt.Reset()
	pkt.refs.Store(1)

	if p.debug {
		pc, _, _, _ := runtime.Caller(1)
		if fn := runtime.FuncForPC(pc); fn != nil {
			pkt.borrowerName = fn.Name()
			if file, line := fn.FileLine(pc); file != "" {
				pkt.borrowerName += fmt.Sprintf(":%d", line)
			}
		} else {
			pkt.borrowerName = "unknown"
		}

		counter, _ := p.borrowers.LoadOrStore(pkt.borrowerName, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	return pkt
}

func (p *Pool) put(pkt *Packet) {
	if p.debug {
		if counter, ok := p.borrowers.Load(pkt.borrowerName); ok {
			counter.(*atomic.Int32).Add(-1)
		}
	}

	p.pool.Put(pkt)
}

// Count returns the number of packets currently borrowed.
func (p *Pool) Count() int {
	return p.pool.Count()
}

// Outstanding returns, when debugging is enabled, the number of packets still
// held per borrowing call site.
func (p *Pool) Outstanding() map[string]int {
	out := make(map[string]int)
	p.borrowers.Range(func(k, v any) bool {
		if n := v.(*atomic.Int32).Load(); n != 0 {
			out[k.(string)] = int(n)
		}
		return true
	})
	return out
}
