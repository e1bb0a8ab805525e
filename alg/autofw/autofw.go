// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package autofw opens inbound port ranges on demand. A dynamic rule is
// activated when a private host sends traffic to the rule's control port,
// forwards the range to that host, and goes dormant once the host has been
// quiet for the rule's timeout. Fixed rules always forward to one host.
package autofw

import (
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
)

// Name of the module in the registry.
const Name = "autofw"

// DefaultTimeout is how long a dynamic rule stays active after the last
// control traffic.
const DefaultTimeout = 2 * time.Minute

var _ alg.Controller = (*Module)(nil)
var _ alg.Sweeper = (*Module)(nil)

type ruleKey struct {
	protocol session.Protocol
	low      uint16
	high     uint16
}

type rule struct {
	key             ruleKey
	controlProtocol session.Protocol
	controlPort     uint16
	timeout         time.Duration
	fixed           bool
	// where is the private host the range is forwarded to.
	where       netip.Addr
	lastContact time.Time
	active      bool
}

func (r *rule) covers(proto session.Protocol, port uint16) bool {
	return r.key.protocol == proto && port >= r.key.low && port <= r.key.high
}

// Module is the auto forwarding module.
type Module struct {
	alg.Nop
	logger *slog.Logger
	table  *session.Table
	mu     sync.Mutex
	rules  []*rule
}

// New creates an empty auto forwarding module.
func New(logger *slog.Logger, table *session.Table) *Module {
	return &Module{
		logger: logger.With(slog.String("module", Name)),
		table:  table,
	}
}

func (m *Module) Name() string {
	return Name
}

// OutRule activates the dynamic rules whose control port the packet is
// addressed to. It never claims the packet: the control traffic itself is
// masqueraded as usual.
func (m *Module) OutRule(pkt *packet.Packet) bool {
	_, dport, ok := pkt.Ports()
	if !ok {
		return false
	}
	proto := session.Protocol(pkt.Protocol())
	now := m.table.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules {
		if r.fixed || r.controlProtocol != proto || r.controlPort != dport {
			continue
		}
		if !r.active || r.where != pkt.Source() {
			m.logger.Info("Activated auto forwarding rule",
				slog.String("protocol", r.key.protocol.String()),
				slog.String("ports", portRange(r.key)),
				slog.String("host", pkt.Source().String()))
		}
		r.where = pkt.Source()
		r.lastContact = now
		r.active = true
	}

	return false
}

func (m *Module) InRule(pkt *packet.Packet) bool {
	_, ok := m.match(pkt)
	return ok
}

func (m *Module) InCreate(pkt *packet.Packet, public netip.Addr) (*session.Session, error) {
	where, ok := m.match(pkt)
	if !ok {
		return nil, nil
	}

	sport, dport, _ := pkt.Ports()
	return m.table.Create(session.Spec{
		Protocol: session.Protocol(pkt.Protocol()),
		Public:   netip.AddrPortFrom(public, dport),
		Private:  netip.AddrPortFrom(where, dport),
		Remote:   netip.AddrPortFrom(pkt.Source(), sport),
		Owner:    Name,
		Shared:   true,
	})
}

// Sweep deactivates dynamic rules whose host has gone quiet.
func (m *Module) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules {
		if r.fixed || !r.active || now.Sub(r.lastContact) < r.timeout {
			continue
		}
		r.active = false
		m.logger.Info("Auto forwarding rule expired",
			slog.String("protocol", r.key.protocol.String()),
			slog.String("ports", portRange(r.key)),
			slog.String("host", r.where.String()))
	}
}

// Control edits the rules. A rule is identified by its forwarded protocol
// and port range; entries with a private address are fixed rules.
func (m *Module) Control(cmd alg.Command, e alg.Entry) (alg.Entry, error) {
	if cmd == alg.CommandFlush {
		m.mu.Lock()
		m.rules = nil
		m.mu.Unlock()
		m.logger.Info("Flushed auto forwarding rules")
		return alg.Entry{}, nil
	}

	if e.Protocol != session.ProtocolTCP && e.Protocol != session.ProtocolUDP {
		return alg.Entry{}, fmt.Errorf("%w: protocol %s", alg.ErrInvalidEntry, e.Protocol)
	}
	high := e.PortHigh
	if high == 0 {
		high = e.PortLow
	}
	if e.PortLow == 0 || high < e.PortLow {
		return alg.Entry{}, fmt.Errorf("%w: port range %d-%d", alg.ErrInvalidEntry, e.PortLow, e.PortHigh)
	}
	key := ruleKey{protocol: e.Protocol, low: e.PortLow, high: high}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, r := range m.rules {
		if r.key == key {
			idx = i
			break
		}
	}

	switch cmd {
	case alg.CommandAdd, alg.CommandInsert:
		if idx >= 0 {
			return alg.Entry{}, session.ErrExists
		}

		r := &rule{key: key, timeout: e.Timeout}
		if r.timeout <= 0 {
			r.timeout = DefaultTimeout
		}
		if e.Private.Addr().IsValid() {
			r.fixed = true
			r.active = true
			r.where = e.Private.Addr()
		} else {
			if e.ControlProtocol != session.ProtocolTCP && e.ControlProtocol != session.ProtocolUDP {
				return alg.Entry{}, fmt.Errorf("%w: control protocol %s", alg.ErrInvalidEntry, e.ControlProtocol)
			}
			if e.ControlPort == 0 {
				return alg.Entry{}, fmt.Errorf("%w: missing control port", alg.ErrInvalidEntry)
			}
			r.controlProtocol = e.ControlProtocol
			r.controlPort = e.ControlPort
		}

		if cmd == alg.CommandInsert {
			m.rules = append([]*rule{r}, m.rules...)
		} else {
			m.rules = append(m.rules, r)
		}
		m.logger.Info("Added auto forwarding rule",
			slog.String("protocol", key.protocol.String()), slog.String("ports", portRange(key)))
		return r.entry(), nil

	case alg.CommandDelete:
		if idx < 0 {
			return alg.Entry{}, session.ErrNotFound
		}
		r := m.rules[idx]
		m.rules = append(m.rules[:idx], m.rules[idx+1:]...)
		return r.entry(), nil

	case alg.CommandGet:
		if idx < 0 {
			return alg.Entry{}, session.ErrNotFound
		}
		return m.rules[idx].entry(), nil

	case alg.CommandSet:
		if idx < 0 {
			return alg.Entry{}, session.ErrNotFound
		}
		r := m.rules[idx]
		if e.Timeout > 0 {
			r.timeout = e.Timeout
		}
		if r.fixed && e.Private.Addr().IsValid() {
			r.where = e.Private.Addr()
		}
		return r.entry(), nil
	}

	return alg.Entry{}, fmt.Errorf("%w: %s", alg.ErrUnsupported, cmd)
}

func (m *Module) List(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.table.Now()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTO\tPORTS\tCONTROL\tHOST\tSTATE\tIDLE")
	for _, r := range m.rules {
		control := "fixed"
		if !r.fixed {
			control = fmt.Sprintf("%s/%d", r.controlProtocol, r.controlPort)
		}
		host, state, idle := "-", "inactive", "-"
		if r.where.IsValid() {
			host = r.where.String()
		}
		if r.active {
			state = "active"
			if !r.fixed {
				idle = now.Sub(r.lastContact).Truncate(time.Second).String()
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.key.protocol, portRange(r.key), control, host, state, idle)
	}
	return tw.Flush()
}

func (m *Module) match(pkt *packet.Packet) (netip.Addr, bool) {
	_, dport, ok := pkt.Ports()
	if !ok {
		return netip.Addr{}, false
	}
	proto := session.Protocol(pkt.Protocol())
	now := m.table.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.rules {
		if !r.active || !r.covers(proto, dport) {
			continue
		}
		if !r.fixed && now.Sub(r.lastContact) >= r.timeout {
			continue
		}
		return r.where, true
	}
	return netip.Addr{}, false
}

func (r *rule) entry() alg.Entry {
	e := alg.Entry{
		Protocol:        r.key.protocol,
		PortLow:         r.key.low,
		PortHigh:        r.key.high,
		Timeout:         r.timeout,
		ControlProtocol: r.controlProtocol,
		ControlPort:     r.controlPort,
	}
	if r.where.IsValid() {
		e.Private = netip.AddrPortFrom(r.where, 0)
	}
	return e
}

func portRange(k ruleKey) string {
	if k.low == k.high {
		return fmt.Sprintf("%d", k.low)
	}
	return fmt.Sprintf("%d-%d", k.low, k.high)
}
