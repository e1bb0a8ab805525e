// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package fragment

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/google/btree"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

const (
	// Accounting overhead charged for every queue on top of its fragments.
	queueOverhead = 128
	// Accounting overhead charged for every held fragment.
	fragmentOverhead = 64
)

type key struct {
	src, dst netip.Addr
	id       uint16
	protocol uint8
}

type fragment struct {
	offset int
	data   []byte
}

func (f *fragment) end() int {
	return f.offset + len(f.data)
}

func (f *fragment) truesize() int64 {
	return int64(len(f.data) + fragmentOverhead)
}

// queue holds the fragments of one datagram being reassembled.
type queue struct {
	key       key
	fragments *btree.BTreeG[*fragment]
	// header is a copy of the IP header (and first transport bytes) of the
	// fragment at offset zero.
	header    []byte
	firstSeen bool
	lastSeen  bool
	total     int
	received  int
	mem       int64
	serial    uint64
	deadline  time.Time
}

func newQueue(k key) *queue {
	return &queue{
		key: k,
		fragments: btree.NewG(8, func(a, b *fragment) bool {
			return a.offset < b.offset
		}),
		mem: queueOverhead,
	}
}

// insert adds the payload at offset to the queue, trimming overlaps. The new
// fragment loses to its predecessor and wins over its successors. It returns
// the change in accounted memory.
func (q *queue) insert(offset int, data []byte) int64 {
	var charge int64

	end := offset + len(data)
	if pred, ok := q.predecessor(offset); ok && pred.end() > offset {
		trim := pred.end() - offset
		if trim >= len(data) {
			return 0
		}
		data = data[trim:]
		offset += trim
	}

	var covered []*fragment
	q.fragments.AscendGreaterOrEqual(&fragment{offset: offset}, func(succ *fragment) bool {
		if succ.offset >= end {
			return false
		}
		covered = append(covered, succ)
		return true
	})

	for _, succ := range covered {
		q.fragments.Delete(succ)
		q.received -= len(succ.data)
		charge -= succ.truesize()

		if succ.end() <= end {
			continue
		}

		// Partially covered, keep the tail.
		succ.data = succ.data[end-succ.offset:]
		succ.offset = end
		q.fragments.ReplaceOrInsert(succ)
		q.received += len(succ.data)
		charge += succ.truesize()
	}

	f := &fragment{offset: offset, data: append([]byte(nil), data...)}
	q.fragments.ReplaceOrInsert(f)
	q.received += len(f.data)
	charge += f.truesize()

	q.mem += charge
	return charge
}

func (q *queue) predecessor(offset int) (*fragment, bool) {
	var pred *fragment
	q.fragments.DescendLessOrEqual(&fragment{offset: offset}, func(f *fragment) bool {
		pred = f
		return false
	})
	return pred, pred != nil
}

// complete reports whether the fragments cover the whole datagram.
func (q *queue) complete() bool {
	if !q.firstSeen || !q.lastSeen || q.received != q.total {
		return false
	}

	next := 0
	contiguous := true
	q.fragments.Ascend(func(f *fragment) bool {
		if f.offset != next {
			contiguous = false
			return false
		}
		next = f.end()
		return true
	})
	return contiguous && next == q.total
}

// assemble concatenates the first fragment's header with every payload.
func (q *queue) assemble() (*packet.Packet, error) {
	hlen := int(header.IPv4(q.header).HeaderLength())
	if hlen+q.total > packet.MaxSize {
		return nil, ErrInvalidFragment
	}

	buf := make([]byte, hlen+q.total)
	copy(buf, q.header[:hlen])
	q.fragments.Ascend(func(f *fragment) bool {
		copy(buf[hlen+f.offset:], f.data)
		return true
	})

	pkt := packet.New(buf)
	ip := pkt.IPv4()
	ip.SetFlagsFragmentOffset(ip.Flags()&^header.IPv4FlagMoreFragments, 0)
	ip.SetTotalLength(uint16(pkt.Size))
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	return pkt, nil
}

// checkBounds rejects fragments inconsistent with the datagram length known
// so far.
func (q *queue) checkBounds(end int, more bool) error {
	maxEnd := 0
	if last, ok := q.fragments.Max(); ok {
		maxEnd = last.end()
	}

	if !more {
		if end < maxEnd || (q.lastSeen && end != q.total) {
			return fmt.Errorf("%w: final fragment ends at %d", ErrInvalidFragment, end)
		}
		q.lastSeen = true
		q.total = end
		return nil
	}

	if q.lastSeen && end > q.total {
		return fmt.Errorf("%w: fragment ends at %d beyond datagram length %d", ErrInvalidFragment, end, q.total)
	}
	return nil
}
