// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package session implements the masquerade session table.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noisysockets/masquerade/internal/util"
	"github.com/noisysockets/netutil/ptr"
)

var (
	// ErrExists is returned when a session would collide with an indexed one.
	ErrExists = errors.New("session already exists")
	// ErrNotFound is returned when a session is no longer in the table.
	ErrNotFound = errors.New("session not found")
)

// TableConfig is the configuration for a session table.
type TableConfig struct {
	// Ports is the range automatically allocated masquerade ports come from.
	Ports *PortRange
	// Timeouts overrides entries of the default timeout table.
	Timeouts Timeouts
	// ExpediteTimeout bounds the remaining lifetime of sessions whose control
	// session has been deleted.
	ExpediteTimeout *time.Duration
	// Now returns the current time.
	Now func() time.Time
}

var defaultTableConf = TableConfig{
	Ports:           &PortRange{Low: 61000, High: 65095},
	ExpediteTimeout: ptr.To(2 * time.Second),
	Now:             time.Now,
}

// Hooks are notified of session lifecycle events.
type Hooks struct {
	// Deleted is called after a session has been removed from the table.
	Deleted func(s *Session)
}

// Spec describes a session to create.
type Spec struct {
	Protocol Protocol
	// Public is the masquerade endpoint. A zero port is allocated automatically.
	Public netip.AddrPort
	// Private is the endpoint on the masqueraded network. A zero port is unknown.
	Private netip.AddrPort
	// Remote is the outside endpoint. An invalid address or zero port is unknown.
	Remote netip.AddrPort
	Flags  Flags
	// Timeout pins the idle timeout regardless of state.
	Timeout time.Duration
	// Deferred sessions are not indexed until Index is called.
	Deferred bool
	// Owner names the module responsible for the session.
	Owner string
	// Shared lets sessions of a forwarding rule hold the same fixed public
	// port. Other sessions require the port to be free.
	Shared bool
}

// Stats are cumulative table counters.
type Stats struct {
	Active       int
	Created      uint64
	Deleted      uint64
	Expired      uint64
	PortFailures uint64
}

type privateKey struct {
	proto   Protocol
	private netip.AddrPort
	remote  netip.AddrPort
}

type publicKey struct {
	proto  Protocol
	public netip.AddrPort
	remote netip.AddrPort
}

type listenKey struct {
	proto  Protocol
	public netip.AddrPort
}

type slot struct {
	generation uint32
	s          *Session
}

// Table holds every active session and indexes them by their private and
// public tuples.
type Table struct {
	logger   *slog.Logger
	ports    *PortAllocator
	now      func() time.Time
	expedite time.Duration
	timeouts atomic.Pointer[Timeouts]
	hooks    atomic.Pointer[Hooks]

	mu      sync.RWMutex
	slots   []slot
	free    []uint32
	active  int
	private map[privateKey]*Session
	public  map[publicKey]*Session
	listen  map[listenKey]*Session

	created atomic.Uint64
	deleted atomic.Uint64
	expired atomic.Uint64
}

// NewTable creates an empty session table.
func NewTable(logger *slog.Logger, conf *TableConfig) (*Table, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultTableConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	ports, err := NewPortAllocator(*conf.Ports)
	if err != nil {
		return nil, err
	}

	t := &Table{
		logger:   logger,
		ports:    ports,
		now:      conf.Now,
		expedite: *conf.ExpediteTimeout,
		private:  make(map[privateKey]*Session),
		public:   make(map[publicKey]*Session),
		listen:   make(map[listenKey]*Session),
	}
	t.SetTimeouts(conf.Timeouts)
	t.hooks.Store(&Hooks{})

	return t, nil
}

// Ports returns the masquerade port allocator.
func (t *Table) Ports() *PortAllocator {
	return t.ports
}

// Now returns the table clock.
func (t *Table) Now() time.Time {
	return t.now()
}

// SetHooks replaces the lifecycle hooks.
func (t *Table) SetHooks(h Hooks) {
	t.hooks.Store(&h)
}

// SetTimeouts replaces the timeout table. Missing states keep their defaults.
// Existing sessions pick up the new values the next time they are refreshed.
func (t *Table) SetTimeouts(timeouts Timeouts) {
	merged := timeouts.merged()
	t.timeouts.Store(&merged)
}

// Timeouts returns a copy of the timeout table in effect.
func (t *Table) Timeouts() Timeouts {
	return t.timeouts.Load().merged()
}

// Create allocates, initialises and (unless deferred) indexes a new session.
// The returned session carries one reference owned by the caller.
func (t *Table) Create(spec Spec) (*Session, error) {
	if !spec.Public.Addr().IsValid() {
		return nil, fmt.Errorf("invalid public address")
	}

	flags := spec.Flags &^ (FlagHashed | FlagOutSeq | FlagInSeq)
	private, remote := spec.Private, spec.Remote
	if !remote.Addr().IsValid() {
		flags |= FlagNoRemoteAddr
	}
	if !private.Addr().IsValid() {
		flags |= FlagNoPrivateAddr
	}
	if spec.Protocol != ProtocolICMP {
		if remote.Port() == 0 {
			flags |= FlagNoRemotePort
		}
		if private.Port() == 0 {
			flags |= FlagNoPrivatePort
		}
	}
	if flags.Has(FlagNoRemoteAddr) {
		remote = netip.AddrPortFrom(netip.Addr{}, remote.Port())
	}
	if flags.Has(FlagNoRemotePort) {
		remote = netip.AddrPortFrom(remote.Addr(), 0)
	}
	if flags.Has(FlagNoPrivateAddr) {
		private = netip.AddrPortFrom(netip.Addr{}, private.Port())
	}
	if flags.Has(FlagNoPrivatePort) {
		private = netip.AddrPortFrom(private.Addr(), 0)
	}

	public := spec.Public
	if public.Port() == 0 {
		port, err := t.ports.Acquire(spec.Protocol)
		if err != nil {
			return nil, err
		}
		public = netip.AddrPortFrom(public.Addr(), port)
	} else {
		if !t.ports.Reserve(spec.Protocol, public.Port(), spec.Shared) {
			return nil, ErrExists
		}
		flags |= FlagFixedPort
	}

	now := t.now()
	s := &Session{
		table:    t,
		protocol: spec.Protocol,
		owner:    spec.Owner,
		created:  now,
		state:    initialState(spec.Protocol),
		timeout:  spec.Timeout,
	}
	if flags.Has(FlagListen) {
		s.state = StateListen
	}
	s.tuple.Store(&Tuple{Private: private, Remote: remote, Public: public})
	s.flags.Store(uint32(flags))
	s.refs.Store(1)
	s.deadline = now.Add(s.idleTimeoutLocked())

	t.mu.Lock()
	t.allocateLocked(s)
	if !spec.Deferred {
		if err := t.indexLocked(s); err != nil {
			s.deleted.Store(true)
			t.freeSlotLocked(s)
			t.mu.Unlock()
			t.ports.Release(spec.Protocol, public.Port())
			return nil, err
		}
	}
	t.mu.Unlock()

	t.created.Add(1)
	t.logger.Debug("Session created",
		slog.String("session", s.String()), slog.String("flags", s.Flags().String()))

	return s, nil
}

// Index inserts a deferred session into the lookup indices.
func (t *Table) Index(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.deleted.Load() {
		return ErrNotFound
	}
	if s.Flags().Has(FlagHashed) {
		return nil
	}
	return t.indexLocked(s)
}

// Unindex removes a session from the lookup indices without deleting it.
func (t *Table) Unindex(s *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unindexLocked(s)
}

// Listen switches a session into listen mode, where inbound traffic is
// matched on the public endpoint and the remote address only.
func (t *Table) Listen(s *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.deleted.Load() {
		return ErrNotFound
	}

	hashed := s.Flags().Has(FlagHashed)
	if hashed {
		t.unindexLocked(s)
	}

	tuple := s.Tuple()
	tuple.Remote = netip.AddrPortFrom(tuple.Remote.Addr(), 0)
	s.tuple.Store(&tuple)
	s.setFlags(FlagListen|FlagNoRemotePort, 0)

	s.mu.Lock()
	if s.protocol == ProtocolTCP {
		s.state = StateListen
	}
	s.deadline = t.now().Add(s.idleTimeoutLocked())
	s.mu.Unlock()

	if hashed {
		return t.indexLocked(s)
	}
	return nil
}

// LookupPrivate finds the session for an outbound packet. A session with
// unknown private port or remote endpoint matches any value and is bound to
// the observed one. The caller must Release the returned session.
func (t *Table) LookupPrivate(proto Protocol, private, remote netip.AddrPort) *Session {
	t.mu.RLock()
	s, ok := t.private[privateKey{proto, private, remote}]
	if ok {
		s.IncRef()
	}
	t.mu.RUnlock()
	if ok {
		return s
	}

	candidates := []privateKey{
		{proto, private, netip.AddrPortFrom(remote.Addr(), 0)},
		{proto, netip.AddrPortFrom(private.Addr(), 0), remote},
		{proto, netip.AddrPortFrom(private.Addr(), 0), netip.AddrPortFrom(remote.Addr(), 0)},
		{proto, private, netip.AddrPort{}},
		{proto, netip.AddrPortFrom(private.Addr(), 0), netip.AddrPort{}},
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// The exact key may have appeared while unlocked.
	if s, ok := t.private[privateKey{proto, private, remote}]; ok {
		s.IncRef()
		return s
	}

	for _, key := range candidates {
		s, ok := t.private[key]
		if !ok || !s.Flags().Any(FlagsUnknown) {
			continue
		}
		if !s.Flags().Has(FlagLoose) {
			t.bindLocked(s, private, remote)
		}
		s.IncRef()
		return s
	}

	return nil
}

// LookupPublic finds the session for an inbound packet. Listening sessions
// are bound to the first matching remote endpoint. The caller must Release
// the returned session.
func (t *Table) LookupPublic(proto Protocol, public, remote netip.AddrPort) *Session {
	t.mu.RLock()
	s, ok := t.public[publicKey{proto, public, remote}]
	if ok {
		s.IncRef()
	}
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.public[publicKey{proto, public, remote}]; ok {
		s.IncRef()
		return s
	}

	for _, key := range []publicKey{
		{proto, public, netip.AddrPortFrom(remote.Addr(), 0)},
		{proto, public, netip.AddrPort{}},
	} {
		s, ok := t.public[key]
		if !ok {
			continue
		}
		if !s.Flags().Has(FlagLoose) {
			t.bindLocked(s, s.Private(), remote)
		}
		s.IncRef()
		return s
	}

	s, ok = t.listen[listenKey{proto, public}]
	if !ok || !listenMatches(s, remote) {
		return nil
	}
	if s.Flags().Has(FlagListen) {
		t.bindLocked(s, s.Private(), remote)
	}
	s.IncRef()
	return s
}

// Find returns the session indexed under exactly the given public tuple,
// without binding any unknown fields. The caller must Release the returned
// session.
func (t *Table) Find(proto Protocol, public, remote netip.AddrPort) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.public[publicKey{proto, public, remote}]
	if !ok {
		s, ok = t.listen[listenKey{proto, public}]
		if !ok || s.Remote() != remote {
			return nil
		}
	}
	s.IncRef()
	return s
}

// FindPrivate returns the session indexed under exactly the given private
// tuple, without binding any unknown fields. The caller must Release the
// returned session.
func (t *Table) FindPrivate(proto Protocol, private, remote netip.AddrPort) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.private[privateKey{proto, private, remote}]
	if !ok {
		return nil
	}
	s.IncRef()
	return s
}

// Get resolves a handle. The caller must Release the returned session.
func (t *Table) Get(h Handle) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.resolveLocked(h)
	if s == nil || s.deleted.Load() {
		return nil
	}
	s.IncRef()
	return s
}

// Release drops a reference on s.
func (t *Table) release(s *Session) {
	n := s.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		t.logger.Warn("Session reference count underflow", slog.String("session", s.String()))
		return
	}
	if s.deleted.Load() {
		t.mu.Lock()
		t.freeSlotLocked(s)
		t.mu.Unlock()
	}
}

// Delete removes a session from the table. Storage is reclaimed once the
// last reference is released. Sessions controlled by s have their remaining
// lifetime shortened.
func (t *Table) Delete(s *Session) {
	t.mu.Lock()
	dependents, ok := t.deleteLocked(s)
	t.mu.Unlock()

	if ok {
		t.finishDelete(s, dependents)
	}
}

// LinkControl records parent as the control session of child.
func (t *Table) LinkControl(child, parent *Session) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if child.deleted.Load() || parent.deleted.Load() {
		return ErrNotFound
	}
	if child == parent {
		return fmt.Errorf("session cannot control itself")
	}

	t.unlinkLocked(child)
	child.control = parent.handle
	parent.dependents = append(parent.dependents, child.handle)
	return nil
}

// UnlinkControl detaches child from its control session.
func (t *Table) UnlinkControl(child *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.unlinkLocked(child)
}

// Control returns the control session of s, if any. The caller must Release
// the returned session.
func (t *Table) Control(s *Session) *Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	parent := t.resolveLocked(s.control)
	if parent == nil || parent.deleted.Load() {
		return nil
	}
	parent.IncRef()
	return parent
}

// Dependents returns the number of sessions controlled by s.
func (t *Table) Dependents(s *Session) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(s.dependents)
}

// Sweep deletes every unreferenced session whose deadline is at or before
// now. Control sessions with live dependents are kept alive. It returns the
// number of sessions expired.
func (t *Table) Sweep(now time.Time) int {
	type deleted struct {
		s          *Session
		dependents []*Session
	}
	var expired []deleted

	t.mu.Lock()
	for i := range t.slots {
		s := t.slots[i].s
		if s == nil || s.deleted.Load() || s.refs.Load() > 0 {
			continue
		}

		s.mu.Lock()
		due := !now.Before(s.deadline)
		if due && len(s.dependents) > 0 {
			s.deadline = now.Add(s.idleTimeoutLocked())
			due = false
		}
		s.mu.Unlock()
		if !due {
			continue
		}

		dependents, _ := t.deleteLocked(s)
		expired = append(expired, deleted{s, dependents})
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.logger.Debug("Session expired", slog.String("session", e.s.String()))
		t.finishDelete(e.s, e.dependents)
	}
	t.expired.Add(uint64(len(expired)))

	return len(expired)
}

// Snapshot returns every live session, each with a reference the caller
// must Release.
func (t *Table) Snapshot() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sessions := make([]*Session, 0, t.active)
	for i := range t.slots {
		s := t.slots[i].s
		if s == nil || s.deleted.Load() {
			continue
		}
		s.IncRef()
		sessions = append(sessions, s)
	}
	return sessions
}

// Flush deletes every session owned by owner. An empty owner deletes every
// session. It returns the number of sessions deleted.
func (t *Table) Flush(owner string) int {
	var n int
	for _, s := range t.Snapshot() {
		if owner == "" || s.owner == owner {
			t.Delete(s)
			n++
		}
		s.Release()
	}
	return n
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.active
}

// Stats returns the table counters.
func (t *Table) Stats() Stats {
	return Stats{
		Active:       t.Len(),
		Created:      t.created.Load(),
		Deleted:      t.deleted.Load(),
		Expired:      t.expired.Load(),
		PortFailures: t.ports.Failures(),
	}
}

func listenMatches(s *Session, remote netip.AddrPort) bool {
	f := s.Flags()
	if f.Has(FlagLoose) {
		return true
	}
	want := s.Remote()
	if !f.Has(FlagNoRemoteAddr) && want.Addr() != remote.Addr() {
		return false
	}
	if !f.Has(FlagNoRemotePort) && want.Port() != remote.Port() {
		return false
	}
	return true
}

func (t *Table) allocateLocked(s *Session) {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{generation: 1})
	}

	t.slots[idx].s = s
	s.handle = Handle{index: idx, generation: t.slots[idx].generation}
	t.active++
}

func (t *Table) freeSlotLocked(s *Session) {
	idx := s.handle.index
	if int(idx) >= len(t.slots) || t.slots[idx].s != s {
		return
	}

	t.slots[idx].s = nil
	t.slots[idx].generation++
	t.free = append(t.free, idx)
	t.active--
}

func (t *Table) resolveLocked(h Handle) *Session {
	if !h.Valid() || int(h.index) >= len(t.slots) {
		return nil
	}
	sl := t.slots[h.index]
	if sl.generation != h.generation {
		return nil
	}
	return sl.s
}

func (t *Table) keys(s *Session) (privateKey, publicKey, listenKey) {
	tuple := s.Tuple()
	return privateKey{s.protocol, tuple.Private, tuple.Remote},
		publicKey{s.protocol, tuple.Public, tuple.Remote},
		listenKey{s.protocol, tuple.Public}
}

func (t *Table) indexLocked(s *Session) error {
	pk, pubk, lk := t.keys(s)
	f := s.Flags()

	if f.Has(FlagListen) {
		if _, ok := t.listen[lk]; ok {
			return ErrExists
		}
		t.listen[lk] = s
		s.setFlags(FlagHashed, 0)
		return nil
	}

	if _, ok := t.private[pk]; ok {
		return ErrExists
	}
	if _, ok := t.public[pubk]; ok {
		return ErrExists
	}
	if f.Has(FlagLoose) {
		if _, ok := t.listen[lk]; ok {
			return ErrExists
		}
		t.listen[lk] = s
	}
	t.private[pk] = s
	t.public[pubk] = s
	s.setFlags(FlagHashed, 0)
	return nil
}

func (t *Table) unindexLocked(s *Session) {
	if !s.Flags().Has(FlagHashed) {
		return
	}

	pk, pubk, lk := t.keys(s)
	if t.private[pk] == s {
		delete(t.private, pk)
	}
	if t.public[pubk] == s {
		delete(t.public, pubk)
	}
	if t.listen[lk] == s {
		delete(t.listen, lk)
	}
	s.setFlags(0, FlagHashed)
}

// bindLocked fills in the unknown parts of the tuple of s and rehashes it.
// If the bound tuple collides with another session s is left unchanged.
func (t *Table) bindLocked(s *Session, private, remote netip.AddrPort) {
	old := s.Tuple()
	oldFlags := s.Flags()

	tuple := old
	unset := FlagListen
	if oldFlags.Has(FlagNoPrivateAddr) && private.Addr().IsValid() {
		tuple.Private = netip.AddrPortFrom(private.Addr(), tuple.Private.Port())
		unset |= FlagNoPrivateAddr
	}
	if oldFlags.Has(FlagNoPrivatePort) && private.Port() != 0 {
		tuple.Private = netip.AddrPortFrom(tuple.Private.Addr(), private.Port())
		unset |= FlagNoPrivatePort
	}
	if oldFlags.Has(FlagNoRemoteAddr) && remote.Addr().IsValid() {
		tuple.Remote = netip.AddrPortFrom(remote.Addr(), tuple.Remote.Port())
		unset |= FlagNoRemoteAddr
	}
	if oldFlags.Has(FlagNoRemotePort) && remote.Port() != 0 {
		tuple.Remote = netip.AddrPortFrom(tuple.Remote.Addr(), remote.Port())
		unset |= FlagNoRemotePort
	}
	if tuple == old && !oldFlags.Has(FlagListen) {
		return
	}

	t.unindexLocked(s)
	s.tuple.Store(&tuple)
	s.setFlags(0, unset)
	if err := t.indexLocked(s); err != nil {
		s.tuple.Store(&old)
		s.flags.Store(uint32(oldFlags &^ FlagHashed))
		_ = t.indexLocked(s)
		return
	}

	if oldFlags.Has(FlagListen) && s.protocol == ProtocolTCP {
		s.mu.Lock()
		if s.state == StateListen {
			s.state = StateNone
		}
		s.mu.Unlock()
	}

	t.logger.Debug("Session bound", slog.String("session", s.String()))
}

func (t *Table) unlinkLocked(child *Session) {
	if parent := t.resolveLocked(child.control); parent != nil {
		for i, h := range parent.dependents {
			if h == child.handle {
				parent.dependents = append(parent.dependents[:i], parent.dependents[i+1:]...)
				break
			}
		}
	}
	child.control = Handle{}
}

func (t *Table) deleteLocked(s *Session) ([]*Session, bool) {
	if s.deleted.Load() {
		return nil, false
	}
	s.deleted.Store(true)

	t.unindexLocked(s)
	t.unlinkLocked(s)

	var dependents []*Session
	for _, h := range s.dependents {
		if d := t.resolveLocked(h); d != nil && !d.deleted.Load() {
			d.control = Handle{}
			dependents = append(dependents, d)
		}
	}
	s.dependents = nil

	t.ports.Release(s.protocol, s.Public().Port())

	if s.refs.Load() == 0 {
		t.freeSlotLocked(s)
	}

	return dependents, true
}

func (t *Table) finishDelete(s *Session, dependents []*Session) {
	limit := t.now().Add(t.expedite)
	for _, d := range dependents {
		d.mu.Lock()
		if d.deadline.After(limit) {
			d.deadline = limit
		}
		d.mu.Unlock()
	}

	t.deleted.Add(1)
	if h := t.hooks.Load(); h.Deleted != nil {
		h.Deleted(s)
	}
}
