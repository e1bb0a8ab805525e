// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package fragment reassembles fragmented IPv4 datagrams.
package fragment

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"github.com/noisysockets/masquerade/internal/util"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/netutil/ptr"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidFragment is returned for malformed or inconsistent fragments.
	ErrInvalidFragment = errors.New("invalid fragment")
	// ErrNoBuffers is returned when a datagram cannot fit in the memory budget.
	ErrNoBuffers = errors.New("reassembly memory exhausted")
)

// quoteLength is how much of the first fragment's transport header is kept
// for time exceeded notifications.
const quoteLength = 8

// Config is the configuration for a reassembler.
type Config struct {
	// HighThreshold is the memory use above which queues are evicted.
	HighThreshold *int64
	// LowThreshold is the memory use eviction brings the reassembler back to.
	// Defaults to three quarters of the high threshold.
	LowThreshold *int64
	// Timeout is how long an incomplete datagram is held after its last fragment.
	Timeout *time.Duration
	// TimeExceededRate limits time exceeded notifications, per second.
	TimeExceededRate *float64
	// TimeExceededBurst is the notification burst size.
	TimeExceededBurst *int
	// Now returns the current time.
	Now func() time.Time
}

var defaultConf = Config{
	HighThreshold:     ptr.To[int64](256 * 1024),
	LowThreshold:      ptr.To[int64](192 * 1024),
	Timeout:           ptr.To(30 * time.Second),
	TimeExceededRate:  ptr.To(10.0),
	TimeExceededBurst: ptr.To(10),
	Now:               time.Now,
}

// TimeExceededFunc receives the leading bytes (IP header plus the first
// transport bytes) of a datagram whose reassembly timed out. It takes
// ownership of quote.
type TimeExceededFunc func(quote *packet.Packet)

// Stats are reassembler counters.
type Stats struct {
	Queues      int
	Memory      int64
	Reassembled uint64
	Failed      uint64
	Evicted     uint64
	TimedOut    uint64
	Invalid     uint64
}

// Reassembler holds partially received datagrams until all of their
// fragments have arrived.
type Reassembler struct {
	logger  *slog.Logger
	high    int64
	low     int64
	timeout time.Duration
	now     func() time.Time
	limiter *rate.Limiter

	mu           sync.Mutex
	queues       map[key]*queue
	lru          *btree.BTreeG[*queue]
	serial       uint64
	timeExceeded TimeExceededFunc

	mem         atomic.Int64
	reassembled atomic.Uint64
	failed      atomic.Uint64
	evicted     atomic.Uint64
	timedOut    atomic.Uint64
	invalid     atomic.Uint64
}

// New creates a reassembler.
func New(logger *slog.Logger, conf *Config) (*Reassembler, error) {
	deriveLow := conf == nil || conf.LowThreshold == nil

	conf, err := util.ConfigWithDefaults(conf, &defaultConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if deriveLow {
		conf.LowThreshold = ptr.To(*conf.HighThreshold * 3 / 4)
	}

	if *conf.LowThreshold > *conf.HighThreshold {
		return nil, fmt.Errorf("low threshold %d above high threshold %d",
			*conf.LowThreshold, *conf.HighThreshold)
	}

	return &Reassembler{
		logger:  logger,
		high:    *conf.HighThreshold,
		low:     *conf.LowThreshold,
		timeout: *conf.Timeout,
		now:     conf.Now,
		limiter: rate.NewLimiter(rate.Limit(*conf.TimeExceededRate), *conf.TimeExceededBurst),
		queues:  make(map[key]*queue),
		lru: btree.NewG(16, func(a, b *queue) bool {
			return a.serial < b.serial
		}),
	}, nil
}

// OnTimeExceeded sets the function notified when a datagram whose first
// fragment was received times out.
func (r *Reassembler) OnTimeExceeded(fn TimeExceededFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timeExceeded = fn
}

// Receive feeds a packet to the reassembler. Unfragmented packets are
// returned as is. For fragments it returns the reassembled datagram once
// complete, or nil while more fragments are needed. The fragment's bytes are
// copied so the caller keeps ownership of pkt.
func (r *Reassembler) Receive(pkt *packet.Packet) (*packet.Packet, error) {
	if !pkt.IsFragment() {
		return pkt, nil
	}

	ip := pkt.IPv4()
	hlen := pkt.HeaderLength()
	payload := pkt.Bytes()[hlen:]
	offset := int(ip.FragmentOffset())
	end := offset + len(payload)
	more := ip.More()

	if hlen+end > packet.MaxSize {
		r.invalid.Add(1)
		return nil, fmt.Errorf("%w: datagram exceeds maximum size", ErrInvalidFragment)
	}
	if more && (len(payload) == 0 || len(payload)%8 != 0) {
		r.invalid.Add(1)
		return nil, fmt.Errorf("%w: non-final fragment length %d", ErrInvalidFragment, len(payload))
	}

	k := key{
		src:      pkt.Source(),
		dst:      pkt.Destination(),
		id:       ip.ID(),
		protocol: ip.Protocol(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[k]
	if ok {
		r.lru.Delete(q)
	} else {
		q = newQueue(k)
		r.queues[k] = q
		r.mem.Add(q.mem)
	}

	if err := q.checkBounds(end, more); err != nil {
		r.invalid.Add(1)
		if q.fragments.Len() == 0 {
			r.destroyLocked(q)
		} else {
			r.lru.ReplaceOrInsert(q)
		}
		return nil, err
	}

	if offset == 0 && !q.firstSeen {
		n := min(len(payload), quoteLength)
		q.header = append([]byte(nil), pkt.Bytes()[:hlen+n]...)
		q.firstSeen = true
	}

	r.mem.Add(q.insert(offset, payload))

	r.serial++
	q.serial = r.serial
	q.deadline = r.now().Add(r.timeout)
	r.lru.ReplaceOrInsert(q)

	r.evictLocked(q)
	if r.mem.Load() > r.high {
		r.failed.Add(1)
		r.destroyLocked(q)
		r.logger.Warn("Dropping datagram exceeding reassembly memory",
			slog.String("src", k.src.String()), slog.Int("id", int(k.id)))
		return nil, ErrNoBuffers
	}

	if !q.complete() {
		return nil, nil
	}

	r.destroyLocked(q)

	datagram, err := q.assemble()
	if err != nil {
		r.failed.Add(1)
		return nil, err
	}
	datagram.Mark = pkt.Mark

	r.reassembled.Add(1)
	return datagram, nil
}

// Expire discards every queue whose deadline is at or before now, notifying
// the time exceeded handler for those whose first fragment had arrived. It
// returns the number of queues discarded.
func (r *Reassembler) Expire(now time.Time) int {
	var quotes []*packet.Packet

	r.mu.Lock()
	var expired []*queue
	r.lru.Ascend(func(q *queue) bool {
		if !now.Before(q.deadline) {
			expired = append(expired, q)
		}
		return true
	})
	for _, q := range expired {
		r.destroyLocked(q)
		if q.firstSeen {
			quotes = append(quotes, packet.New(q.header))
		}
	}
	notify := r.timeExceeded
	r.mu.Unlock()

	r.timedOut.Add(uint64(len(expired)))
	r.failed.Add(uint64(len(expired)))

	for _, quote := range quotes {
		if notify == nil || !r.limiter.AllowN(now, 1) {
			quote.Release()
			continue
		}
		notify(quote)
	}

	if len(expired) > 0 {
		r.logger.Debug("Expired incomplete datagrams", slog.Int("count", len(expired)))
	}

	return len(expired)
}

// Memory returns the number of bytes currently charged to held fragments.
func (r *Reassembler) Memory() int64 {
	return r.mem.Load()
}

// Len returns the number of datagrams being reassembled.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.queues)
}

// Stats returns the reassembler counters.
func (r *Reassembler) Stats() Stats {
	return Stats{
		Queues:      r.Len(),
		Memory:      r.mem.Load(),
		Reassembled: r.reassembled.Load(),
		Failed:      r.failed.Load(),
		Evicted:     r.evicted.Load(),
		TimedOut:    r.timedOut.Load(),
		Invalid:     r.invalid.Load(),
	}
}

// evictLocked discards the least recently extended queues, never keep, until
// memory use falls to the low threshold. It does nothing below the high
// threshold.
func (r *Reassembler) evictLocked(keep *queue) {
	if r.mem.Load() <= r.high {
		return
	}

	for r.mem.Load() > r.low {
		var victim *queue
		r.lru.Ascend(func(q *queue) bool {
			if q == keep {
				return true
			}
			victim = q
			return false
		})
		if victim == nil {
			return
		}

		r.destroyLocked(victim)
		r.evicted.Add(1)
		r.failed.Add(1)
		r.logger.Debug("Evicted incomplete datagram",
			slog.String("src", victim.key.src.String()), slog.Int("id", int(victim.key.id)))
	}
}

func (r *Reassembler) destroyLocked(q *queue) {
	if r.queues[q.key] != q {
		return
	}

	delete(r.queues, q.key)
	r.lru.Delete(q)
	r.mem.Add(-q.mem)
}
