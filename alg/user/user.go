// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package user exposes the session table to the control plane, so sessions
// can be created, inspected, retimed and removed from user space.
package user

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/session"
)

// Name of the module in the registry.
const Name = "user"

var _ alg.Controller = (*Module)(nil)

// Module is the session CRUD module.
type Module struct {
	alg.Nop
	logger *slog.Logger
	table  *session.Table
	public netip.Addr
}

// New creates the module. Entries without a public address are masqueraded
// behind public.
func New(logger *slog.Logger, table *session.Table, public netip.Addr) *Module {
	return &Module{
		logger: logger.With(slog.String("module", Name)),
		table:  table,
		public: public,
	}
}

func (m *Module) Name() string {
	return Name
}

// Control applies a session command. ADD fails if the entry collides with
// an existing session, INSERT replaces the colliding session. DELETE, GET
// and SET address a session by its public tuple, or by its private tuple
// when the entry carries no public port.
func (m *Module) Control(cmd alg.Command, e alg.Entry) (alg.Entry, error) {
	if cmd == alg.CommandFlush {
		n := m.table.Flush(Name)
		m.logger.Info("Flushed user sessions", slog.Int("count", n))
		return alg.Entry{}, nil
	}

	switch e.Protocol {
	case session.ProtocolTCP, session.ProtocolUDP, session.ProtocolICMP:
	default:
		return alg.Entry{}, fmt.Errorf("%w: protocol %s", alg.ErrInvalidEntry, e.Protocol)
	}

	switch cmd {
	case alg.CommandAdd, alg.CommandInsert:
		return m.create(cmd, e)

	case alg.CommandDelete:
		s, err := m.find(e)
		if err != nil {
			return alg.Entry{}, err
		}
		defer s.Release()

		result := alg.EntryFromSession(s)
		m.table.Delete(s)
		m.logger.Info("Deleted session", slog.String("session", s.String()))
		return result, nil

	case alg.CommandGet:
		s, err := m.find(e)
		if err != nil {
			return alg.Entry{}, err
		}
		defer s.Release()

		return alg.EntryFromSession(s), nil

	case alg.CommandSet:
		s, err := m.find(e)
		if err != nil {
			return alg.Entry{}, err
		}
		defer s.Release()

		s.SetTimeout(e.Timeout)
		s.Touch()
		return alg.EntryFromSession(s), nil
	}

	return alg.Entry{}, fmt.Errorf("%w: %s", alg.ErrUnsupported, cmd)
}

// List writes the whole session table.
func (m *Module) List(w io.Writer) error {
	return m.table.List(w)
}

func (m *Module) create(cmd alg.Command, e alg.Entry) (alg.Entry, error) {
	public := e.Public
	if !public.Addr().IsValid() {
		public = netip.AddrPortFrom(m.public, public.Port())
	}
	if !public.Addr().IsValid() {
		return alg.Entry{}, fmt.Errorf("%w: missing public address", alg.ErrInvalidEntry)
	}

	if cmd == alg.CommandInsert {
		m.evict(e.Protocol, public, e.Private, e.Remote)
	}

	s, err := m.table.Create(session.Spec{
		Protocol: e.Protocol,
		Public:   public,
		Private:  e.Private,
		Remote:   e.Remote,
		Flags:    e.Flags&session.FlagLoose | session.FlagUser,
		Timeout:  e.Timeout,
		Owner:    Name,
	})
	if err != nil {
		return alg.Entry{}, err
	}
	defer s.Release()

	if e.Flags.Has(session.FlagListen) {
		if err := m.table.Listen(s); err != nil {
			m.table.Delete(s)
			return alg.Entry{}, err
		}
	}

	m.logger.Info("Created session", slog.String("session", s.String()))

	return alg.EntryFromSession(s), nil
}

// evict deletes the sessions an insert would collide with.
func (m *Module) evict(proto session.Protocol, public, private, remote netip.AddrPort) {
	var found []*session.Session
	if public.Port() != 0 {
		if s := m.table.Find(proto, public, remote); s != nil {
			found = append(found, s)
		}
	}
	if s := m.table.FindPrivate(proto, private, remote); s != nil {
		found = append(found, s)
	}

	for _, s := range found {
		if !s.Deleted() {
			m.logger.Info("Replacing session", slog.String("session", s.String()))
			m.table.Delete(s)
		}
		s.Release()
	}
}

func (m *Module) find(e alg.Entry) (*session.Session, error) {
	var s *session.Session
	if e.Public.Port() != 0 {
		public := e.Public
		if !public.Addr().IsValid() {
			public = netip.AddrPortFrom(m.public, public.Port())
		}
		s = m.table.Find(e.Protocol, public, e.Remote)
	} else {
		s = m.table.FindPrivate(e.Protocol, e.Private, e.Remote)
	}
	if s == nil {
		return nil, session.ErrNotFound
	}
	if s.Deleted() {
		s.Release()
		return nil, session.ErrNotFound
	}
	return s, nil
}
