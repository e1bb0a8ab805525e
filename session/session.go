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
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// Handle is a stable reference to a session slot. Handles of deleted
// sessions never resolve to a newer session occupying the same slot.
type Handle struct {
	index      uint32
	generation uint32
}

// Valid reports whether the handle was ever issued.
func (h Handle) Valid() bool {
	return h.generation != 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.index, h.generation)
}

// Tuple is the set of endpoints a session translates between.
type Tuple struct {
	// Private is the endpoint on the masqueraded network.
	Private netip.AddrPort
	// Remote is the endpoint on the outside network.
	Remote netip.AddrPort
	// Public is the masquerade endpoint exposed to Remote.
	Public netip.AddrPort
}

// Session is one translated flow.
type Session struct {
	table    *Table
	handle   Handle
	protocol Protocol
	owner    string
	created  time.Time

	tuple   atomic.Pointer[Tuple]
	flags   atomic.Uint32
	refs    atomic.Int32
	deleted atomic.Bool

	// Guarded by the table lock.
	control    Handle
	dependents []Handle

	mu       sync.Mutex
	state    State
	origin   Direction
	started  bool
	deadline time.Time
	timeout  time.Duration
	seq      [2]SequenceTracker
	app      string
	appData  any
}

// Handle returns the stable reference to the session.
func (s *Session) Handle() Handle {
	return s.handle
}

// Protocol returns the transport protocol of the session.
func (s *Session) Protocol() Protocol {
	return s.protocol
}

// Owner returns the name of the module that created the session, if any.
func (s *Session) Owner() string {
	return s.owner
}

// Tuple returns a snapshot of the session endpoints.
func (s *Session) Tuple() Tuple {
	return *s.tuple.Load()
}

// Private returns the private endpoint.
func (s *Session) Private() netip.AddrPort {
	return s.tuple.Load().Private
}

// Remote returns the remote endpoint.
func (s *Session) Remote() netip.AddrPort {
	return s.tuple.Load().Remote
}

// Public returns the masquerade endpoint.
func (s *Session) Public() netip.AddrPort {
	return s.tuple.Load().Public
}

// Flags returns the current flag set.
func (s *Session) Flags() Flags {
	return Flags(s.flags.Load())
}

func (s *Session) setFlags(set, unset Flags) {
	for {
		old := s.flags.Load()
		next := (old | uint32(set)) &^ uint32(unset)
		if s.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// Refs returns the number of outstanding references.
func (s *Session) Refs() int32 {
	return s.refs.Load()
}

// Deleted reports whether the session has been removed from the table.
func (s *Session) Deleted() bool {
	return s.deleted.Load()
}

// IncRef takes an additional reference on the session.
func (s *Session) IncRef() {
	s.refs.Add(1)
}

// Release drops a reference obtained from a lookup or create.
func (s *Session) Release() {
	s.table.release(s)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Deadline returns the time at which the session expires.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.deadline
}

// SetTimeout pins the idle timeout of the session regardless of its state.
// A zero timeout restores the state table.
func (s *Session) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timeout = timeout
	s.deadline = s.table.now().Add(s.idleTimeoutLocked())
}

// Timeout returns the idle timeout currently in effect.
func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.idleTimeoutLocked()
}

// App returns the name of the helper module the session is bound to.
func (s *Session) App() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.app
}

// BindApp binds the session to a helper module. A session is bound at most
// once; it reports whether this call bound it.
func (s *Session) BindApp(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.app != "" {
		return false
	}
	s.app = name
	return true
}

// AppData returns the module private data attached to the session.
func (s *Session) AppData() any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.appData
}

// SetAppData attaches module private data to the session.
func (s *Session) SetAppData(data any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appData = data
}

// Touch refreshes the expiry deadline from the current state.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadline = s.table.now().Add(s.idleTimeoutLocked())
}

// Observe advances the state machine for a packet travelling in dir and
// refreshes the deadline. tcpFlags is ignored for non TCP sessions.
func (s *Session) Observe(dir Direction, tcpFlags header.TCPFlags) State {
	if dir == Inbound && s.Flags().Has(FlagAwaitReply) {
		s.setFlags(0, FlagAwaitReply)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.started = true
		s.origin = dir
	}

	if s.protocol == ProtocolTCP {
		next := nextTCPState(s.state, s.origin, dir, tcpFlags)
		if next != s.state && (s.state == StateClose || s.state == StateTimeWait) &&
			(next == StateSynSent || next == StateSynRecv) {
			// Connection reuse restarts the sequence bookkeeping.
			s.origin = dir
			s.seq = [2]SequenceTracker{}
			s.setFlags(0, FlagOutSeq|FlagInSeq)
		}
		s.state = next
	}

	s.deadline = s.table.now().Add(s.idleTimeoutLocked())
	return s.state
}

// Resize records that the TCP segment travelling in dir with the original
// sequence number seq had its payload length changed by diff bytes.
func (s *Session) Resize(dir Direction, seq uint32, diff int) {
	if diff == 0 {
		return
	}

	s.mu.Lock()
	changed := s.seq[dir].Update(seq, int32(diff))
	s.mu.Unlock()

	if changed {
		if dir == Outbound {
			s.setFlags(FlagOutSeq, 0)
		} else {
			s.setFlags(FlagInSeq, 0)
		}
	}
}

// Sequence returns a copy of the tracker for dir.
func (s *Session) Sequence(dir Direction) SequenceTracker {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seq[dir]
}

// AdjustTCP rewrites the sequence and acknowledgement numbers of a segment
// travelling in dir to account for earlier payload resizing.
func (s *Session) AdjustTCP(dir Direction, tcp header.TCP) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := &s.seq[dir]; t.Active() {
		tcp.SetSequenceNumber(t.AdjustSeq(tcp.SequenceNumber()))
	}
	if t := &s.seq[dir.Reverse()]; t.Active() && tcp.Flags().Contains(header.TCPFlagAck) {
		tcp.SetAckNumber(t.AdjustAck(tcp.AckNumber()))
	}
}

func (s *Session) idleTimeoutLocked() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return s.table.timeouts.Load().get(s.state)
}

func (s *Session) String() string {
	t := s.Tuple()
	return fmt.Sprintf("%s %s -> %s as %s", s.protocol, t.Private, t.Remote, t.Public)
}
