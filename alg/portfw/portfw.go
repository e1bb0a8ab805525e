// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package portfw implements static port forwarding. Each forwarded
// (protocol, port) is served by one or more private targets scheduled in
// weighted round-robin order.
package portfw

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sort"
	"sync"
	"text/tabwriter"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
)

// Name of the module in the registry.
const Name = "portfw"

var _ alg.Controller = (*Module)(nil)

type ruleKey struct {
	protocol session.Protocol
	port     uint16
}

type rule struct {
	// public restricts the rule to one public address when valid.
	public netip.Addr
	sched  alg.Scheduler
}

// Module is the static port forwarding module.
type Module struct {
	alg.Nop
	logger *slog.Logger
	table  *session.Table
	mu     sync.RWMutex
	rules  map[ruleKey]*rule
}

// New creates an empty port forwarding module.
func New(logger *slog.Logger, table *session.Table) *Module {
	return &Module{
		logger: logger.With(slog.String("module", Name)),
		table:  table,
		rules:  make(map[ruleKey]*rule),
	}
}

func (m *Module) Name() string {
	return Name
}

// InRule reports whether a forwarding rule covers the packet's destination.
func (m *Module) InRule(pkt *packet.Packet) bool {
	_, ok := m.match(pkt)
	return ok
}

// InCreate opens a session to the next target of the matching rule.
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

	return m.table.Create(session.Spec{
		Protocol: session.Protocol(pkt.Protocol()),
		Public:   netip.AddrPortFrom(public, dport),
		Private:  target,
		Remote:   netip.AddrPortFrom(pkt.Source(), sport),
		Owner:    Name,
		Shared:   true,
	})
}

// Control edits the forwarding rules. Entries name the forwarded protocol
// and public endpoint, and the private target with its weight.
func (m *Module) Control(cmd alg.Command, e alg.Entry) (alg.Entry, error) {
	if cmd == alg.CommandFlush {
		m.mu.Lock()
		m.rules = make(map[ruleKey]*rule)
		m.mu.Unlock()
		m.logger.Info("Flushed port forwarding rules")
		return alg.Entry{}, nil
	}

	if e.Protocol != session.ProtocolTCP && e.Protocol != session.ProtocolUDP {
		return alg.Entry{}, fmt.Errorf("%w: protocol %s", alg.ErrInvalidEntry, e.Protocol)
	}
	if e.Public.Port() == 0 {
		return alg.Entry{}, fmt.Errorf("%w: missing public port", alg.ErrInvalidEntry)
	}

	key := ruleKey{protocol: e.Protocol, port: e.Public.Port()}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rules[key]

	switch cmd {
	case alg.CommandAdd, alg.CommandInsert:
		if !e.Private.Addr().IsValid() {
			return alg.Entry{}, fmt.Errorf("%w: missing target", alg.ErrInvalidEntry)
		}
		if !exists {
			r = &rule{public: e.Public.Addr()}
			m.rules[key] = r
		}
		for _, t := range r.sched.Targets() {
			if t.Addr == e.Private {
				return alg.Entry{}, session.ErrExists
			}
		}
		if cmd == alg.CommandInsert {
			r.sched.Insert(e.Private, e.Weight)
		} else {
			r.sched.Add(e.Private, e.Weight)
		}
		m.logger.Info("Added port forwarding target",
			slog.String("protocol", e.Protocol.String()), slog.Int("port", int(key.port)),
			slog.String("target", e.Private.String()))
		return m.entry(key, r, e.Private)

	case alg.CommandDelete:
		if !exists {
			return alg.Entry{}, session.ErrNotFound
		}
		if e.Private.Addr().IsValid() {
			if !r.sched.Remove(e.Private) {
				return alg.Entry{}, session.ErrNotFound
			}
		}
		if !e.Private.Addr().IsValid() || r.sched.Len() == 0 {
			delete(m.rules, key)
		}
		return e, nil

	case alg.CommandGet:
		if !exists {
			return alg.Entry{}, session.ErrNotFound
		}
		return m.entry(key, r, e.Private)

	case alg.CommandSet:
		if !exists || !r.sched.Set(e.Private, e.Weight) {
			return alg.Entry{}, session.ErrNotFound
		}
		return m.entry(key, r, e.Private)
	}

	return alg.Entry{}, fmt.Errorf("%w: %s", alg.ErrUnsupported, cmd)
}

// List writes the forwarding rules.
func (m *Module) List(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]ruleKey, 0, len(m.rules))
	for k := range m.rules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].protocol != keys[j].protocol {
			return keys[i].protocol < keys[j].protocol
		}
		return keys[i].port < keys[j].port
	})

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTO\tPUBLIC\tTARGET\tWEIGHT\tHITS")
	for _, k := range keys {
		r := m.rules[k]
		public := "*"
		if r.public.IsValid() {
			public = r.public.String()
		}
		for _, t := range r.sched.Targets() {
			fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%d\t%d\n", k.protocol, public, k.port, t.Addr, t.Weight, t.Hits)
		}
	}
	return tw.Flush()
}

func (m *Module) match(pkt *packet.Packet) (*rule, bool) {
	proto := session.Protocol(pkt.Protocol())
	if proto != session.ProtocolTCP && proto != session.ProtocolUDP {
		return nil, false
	}

	_, dport, ok := pkt.Ports()
	if !ok {
		return nil, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[ruleKey{protocol: proto, port: dport}]
	if !ok || (r.public.IsValid() && r.public != pkt.Destination()) {
		return nil, false
	}
	return r, true
}

// entry describes the target of a rule, or its first target when target is
// unset.
func (m *Module) entry(key ruleKey, r *rule, target netip.AddrPort) (alg.Entry, error) {
	for _, t := range r.sched.Targets() {
		if !target.Addr().IsValid() || t.Addr == target {
			return alg.Entry{
				Protocol: key.protocol,
				Public:   netip.AddrPortFrom(r.public, key.port),
				Private:  t.Addr,
				Weight:   t.Weight,
			}, nil
		}
	}
	return alg.Entry{}, session.ErrNotFound
}
