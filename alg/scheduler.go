// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package alg

import (
	"net/netip"
	"sync"
)

// Target is a forwarding destination with a scheduling weight.
type Target struct {
	Addr   netip.AddrPort
	Weight int
	// Hits counts the sessions scheduled to the target.
	Hits uint64

	remaining int
}

// Scheduler picks forwarding targets in weighted round-robin order: each
// target is chosen Weight times in turn before the cycle restarts.
type Scheduler struct {
	mu      sync.Mutex
	targets []*Target
}

// Add appends a target. Adding an existing target updates its weight.
func (s *Scheduler) Add(addr netip.AddrPort, weight int) {
	s.put(addr, weight, false)
}

// Insert prepends a target. Inserting an existing target updates its weight.
func (s *Scheduler) Insert(addr netip.AddrPort, weight int) {
	s.put(addr, weight, true)
}

// Set changes the weight of an existing target.
func (s *Scheduler) Set(addr netip.AddrPort, weight int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.targets {
		if t.Addr == addr {
			t.Weight = max(weight, 1)
			t.remaining = min(t.remaining, t.Weight)
			return true
		}
	}
	return false
}

// Remove deletes a target.
func (s *Scheduler) Remove(addr netip.AddrPort) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.targets {
		if t.Addr == addr {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return true
		}
	}
	return false
}

// Next returns the next target to schedule.
func (s *Scheduler) Next() (netip.AddrPort, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.targets) == 0 {
		return netip.AddrPort{}, false
	}

	for pass := 0; pass < 2; pass++ {
		for _, t := range s.targets {
			if t.remaining > 0 {
				t.remaining--
				t.Hits++
				return t.Addr, true
			}
		}
		for _, t := range s.targets {
			t.remaining = t.Weight
		}
	}

	return netip.AddrPort{}, false
}

// Len returns the number of targets.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.targets)
}

// Targets returns a snapshot of the targets in scheduling order.
func (s *Scheduler) Targets() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := make([]Target, len(s.targets))
	for i, t := range s.targets {
		targets[i] = *t
	}
	return targets
}

func (s *Scheduler) put(addr netip.AddrPort, weight int, front bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	weight = max(weight, 1)
	for _, t := range s.targets {
		if t.Addr == addr {
			t.Weight = weight
			return
		}
	}

	t := &Target{Addr: addr, Weight: weight, remaining: weight}
	if front {
		s.targets = append([]*Target{t}, s.targets...)
	} else {
		s.targets = append(s.targets, t)
	}
}
