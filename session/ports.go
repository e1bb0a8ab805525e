// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package session

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrPortsExhausted is returned when every masquerade port of a protocol is in use.
var ErrPortsExhausted = errors.New("masquerade ports exhausted")

// PortRange is an inclusive range of masquerade ports.
type PortRange struct {
	Low  uint16 `yaml:"low"`
	High uint16 `yaml:"high"`
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Low, r.High)
}

// Contains reports whether port lies in the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Low && port <= r.High
}

// Size is the number of ports in the range.
func (r PortRange) Size() int {
	return int(r.High) - int(r.Low) + 1
}

type portKey struct {
	protocol Protocol
	port     uint16
}

// portRef tracks the holders of an explicitly reserved port.
type portRef struct {
	holders int
	shared  bool
}

// PortAllocator hands out masquerade ports per protocol. Explicitly reserved
// ports are tracked whether or not they lie in the masquerade range.
type PortAllocator struct {
	r        PortRange
	mu       sync.Mutex
	used     map[Protocol][]uint64
	count    map[Protocol]int
	next     map[Protocol]int
	reserved map[portKey]*portRef
	failures atomic.Uint64
}

// NewPortAllocator creates an allocator for the given range.
func NewPortAllocator(r PortRange) (*PortAllocator, error) {
	if r.Low == 0 || r.High < r.Low {
		return nil, fmt.Errorf("invalid port range %s", r)
	}

	return &PortAllocator{
		r:        r,
		used:     make(map[Protocol][]uint64),
		count:    make(map[Protocol]int),
		next:     make(map[Protocol]int),
		reserved: make(map[portKey]*portRef),
	}, nil
}

// Range returns the configured port range.
func (a *PortAllocator) Range() PortRange {
	return a.r
}

// Acquire reserves a free port for proto.
func (a *PortAllocator) Acquire(proto Protocol) (uint16, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.r.Size()
	if a.count[proto] >= size {
		a.failures.Add(1)
		return 0, ErrPortsExhausted
	}

	bitmap := a.bitmap(proto)
	start := a.next[proto]
	for i := 0; i < size; i++ {
		idx := (start + i) % size
		word, bit := idx/64, uint(idx%64)
		if bitmap[word] == ^uint64(0) {
			// Whole word taken, jump to the next one.
			i += 63 - int(bit)
			continue
		}
		if bitmap[word]&(1<<bit) != 0 {
			continue
		}

		bitmap[word] |= 1 << bit
		a.count[proto]++
		a.next[proto] = (idx + 1) % size
		return a.r.Low + uint16(idx), nil
	}

	a.failures.Add(1)
	return 0, ErrPortsExhausted
}

// Reserve marks a specific port as used. It reports false if the port is
// already taken. Shared reservations of the same port stack and the port is
// only freed once every holder has released it; a shared reservation never
// joins an exclusive one.
func (a *PortAllocator) Reserve(proto Protocol, port uint16, shared bool) bool {
	if port == 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	key := portKey{protocol: proto, port: port}
	if ref, ok := a.reserved[key]; ok {
		if !shared || !ref.shared {
			return false
		}
		ref.holders++
		return true
	}

	if a.r.Contains(port) {
		bitmap := a.bitmap(proto)
		idx := int(port - a.r.Low)
		word, bit := idx/64, uint(idx%64)
		if bitmap[word]&(1<<bit) != 0 {
			return false
		}
		bitmap[word] |= 1 << bit
		a.count[proto]++
	}

	a.reserved[key] = &portRef{holders: 1, shared: shared}
	return true
}

// Release returns a port to the pool.
func (a *PortAllocator) Release(proto Protocol, port uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := portKey{protocol: proto, port: port}
	if ref, ok := a.reserved[key]; ok {
		ref.holders--
		if ref.holders > 0 {
			return
		}
		delete(a.reserved, key)
	}

	if !a.r.Contains(port) {
		return
	}

	bitmap, ok := a.used[proto]
	if !ok {
		return
	}
	idx := int(port - a.r.Low)
	word, bit := idx/64, uint(idx%64)
	if bitmap[word]&(1<<bit) == 0 {
		return
	}
	bitmap[word] &^= 1 << bit
	a.count[proto]--
}

// InUse returns the number of ports currently allocated for proto.
func (a *PortAllocator) InUse(proto Protocol) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.count[proto]
}

// Failures returns the number of failed allocations.
func (a *PortAllocator) Failures() uint64 {
	return a.failures.Load()
}

func (a *PortAllocator) bitmap(proto Protocol) []uint64 {
	bitmap, ok := a.used[proto]
	if !ok {
		bitmap = make([]uint64, (a.r.Size()+63)/64)
		a.used[proto] = bitmap
	}
	return bitmap
}
