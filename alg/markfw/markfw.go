// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package markfw forwards inbound traffic by the classification mark an
// upstream classifier attached to the packet. Each mark holds an ordered
// list of private targets chosen in weighted round-robin order.
package markfw

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"slices"
	"sync"
	"text/tabwriter"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
)

// Name of the module in the registry.
const Name = "markfw"

var _ alg.Controller = (*Module)(nil)

type rule struct {
	// protocol restricts the rule when set.
	protocol session.Protocol
	sched    alg.Scheduler
}

// Module is the mark based forwarding module.
type Module struct {
	alg.Nop
	logger *slog.Logger
	table  *session.Table
	mu     sync.RWMutex
	rules  map[uint32]*rule
}

// New creates an empty mark forwarding module.
func New(logger *slog.Logger, table *session.Table) *Module {
	return &Module{
		logger: logger.With(slog.String("module", Name)),
		table:  table,
		rules:  make(map[uint32]*rule),
	}
}

func (m *Module) Name() string {
	return Name
}

func (m *Module) InRule(pkt *packet.Packet) bool {
	_, ok := m.match(pkt)
	return ok
}

func (m *Module) InCreate(pkt *packet.Packet, public netip.Addr) (*session.Session, error) {
	r, ok := m.match(pkt)
	if !ok {
		return nil, nil
	}

	target, ok := r.sched.Next()
	if !ok {
		return nil, nil
	}

	sport, dport, _ := pkt.Ports()
	if target.Port() == 0 {
		target = netip.AddrPortFrom(target.Addr(), dport)
	}

	m.logger.Debug("Forwarding marked packet",
		slog.Uint64("mark", uint64(pkt.Mark)), slog.String("target", target.String()))

	return m.table.Create(session.Spec{
		Protocol: session.Protocol(pkt.Protocol()),
		Public:   netip.AddrPortFrom(public, dport),
		Private:  target,
		Remote:   netip.AddrPortFrom(pkt.Source(), sport),
		Owner:    Name,
		Shared:   true,
	})
}

// Control edits the mark rules. A zero mark is reserved for unmarked
// traffic and rejected.
func (m *Module) Control(cmd alg.Command, e alg.Entry) (alg.Entry, error) {
	if cmd == alg.CommandFlush {
		m.mu.Lock()
		m.rules = make(map[uint32]*rule)
		m.mu.Unlock()
		m.logger.Info("Flushed mark forwarding rules")
		return alg.Entry{}, nil
	}

	if e.Mark == 0 {
		return alg.Entry{}, fmt.Errorf("%w: missing mark", alg.ErrInvalidEntry)
	}
	switch e.Protocol {
	case 0, session.ProtocolTCP, session.ProtocolUDP:
	default:
		return alg.Entry{}, fmt.Errorf("%w: protocol %s", alg.ErrInvalidEntry, e.Protocol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rules[e.Mark]

	switch cmd {
	case alg.CommandAdd, alg.CommandInsert:
		if !e.Private.Addr().IsValid() {
			return alg.Entry{}, fmt.Errorf("%w: missing target", alg.ErrInvalidEntry)
		}
		if !exists {
			r = &rule{protocol: e.Protocol}
			m.rules[e.Mark] = r
		}
		if slices.ContainsFunc(r.sched.Targets(), func(t alg.Target) bool { return t.Addr == e.Private }) {
			return alg.Entry{}, session.ErrExists
		}
		if cmd == alg.CommandInsert {
			r.sched.Insert(e.Private, e.Weight)
		} else {
			r.sched.Add(e.Private, e.Weight)
		}
		m.logger.Info("Added mark forwarding target",
			slog.Uint64("mark", uint64(e.Mark)), slog.String("target", e.Private.String()))
		return entry(e.Mark, r, e.Private)

	case alg.CommandDelete:
		if !exists {
			return alg.Entry{}, session.ErrNotFound
		}
		if e.Private.Addr().IsValid() && !r.sched.Remove(e.Private) {
			return alg.Entry{}, session.ErrNotFound
		}
		if !e.Private.Addr().IsValid() || r.sched.Len() == 0 {
			delete(m.rules, e.Mark)
		}
		return e, nil

	case alg.CommandGet:
		if !exists {
			return alg.Entry{}, session.ErrNotFound
		}
		return entry(e.Mark, r, e.Private)

	case alg.CommandSet:
		if !exists || !r.sched.Set(e.Private, e.Weight) {
			return alg.Entry{}, session.ErrNotFound
		}
		return entry(e.Mark, r, e.Private)
	}

	return alg.Entry{}, fmt.Errorf("%w: %s", alg.ErrUnsupported, cmd)
}

func (m *Module) List(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	marks := make([]uint32, 0, len(m.rules))
	for mark := range m.rules {
		marks = append(marks, mark)
	}
	slices.Sort(marks)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "MARK\tPROTO\tTARGET\tWEIGHT\tHITS")
	for _, mark := range marks {
		r := m.rules[mark]
		proto := "any"
		if r.protocol != 0 {
			proto = r.protocol.String()
		}
		for _, t := range r.sched.Targets() {
			fmt.Fprintf(tw, "%#x\t%s\t%s\t%d\t%d\n", mark, proto, t.Addr, t.Weight, t.Hits)
		}
	}
	return tw.Flush()
}

func (m *Module) match(pkt *packet.Packet) (*rule, bool) {
	if pkt.Mark == 0 {
		return nil, false
	}

	proto := session.Protocol(pkt.Protocol())
	if proto != session.ProtocolTCP && proto != session.ProtocolUDP {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[pkt.Mark]
	if !ok || (r.protocol != 0 && r.protocol != proto) {
		return nil, false
	}
	return r, true
}

func entry(mark uint32, r *rule, target netip.AddrPort) (alg.Entry, error) {
	for _, t := range r.sched.Targets() {
		if !target.Addr().IsValid() || t.Addr == target {
			return alg.Entry{
				Protocol: r.protocol,
				Private:  t.Addr,
				Mark:     mark,
				Weight:   t.Weight,
			}, nil
		}
	}
	return alg.Entry{}, session.ErrNotFound
}
