// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package ftp implements the FTP helper. It rewrites the data connection
// endpoints carried in PORT, EPRT, 227 and 229 messages and opens data
// sessions tied to the command session.
package ftp

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"sync"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
)

// Name of the module in the registry.
const Name = "ftp"

// DefaultPort is the FTP control port.
const DefaultPort = 21

var _ alg.Module = (*Module)(nil)

// Module is the FTP helper.
type Module struct {
	alg.Nop
	logger *slog.Logger
	table  *session.Table
	ports  map[uint16]bool
}

// control is attached to every FTP command session.
type control struct {
	mu sync.Mutex
	// data maps an advertised endpoint to the data session opened for it.
	data map[netip.AddrPort]session.Handle
}

// New creates the FTP helper for the given control ports.
func New(logger *slog.Logger, table *session.Table, ports ...uint16) *Module {
	if len(ports) == 0 {
		ports = []uint16{DefaultPort}
	}

	m := &Module{
		logger: logger.With(slog.String("module", Name)),
		table:  table,
		ports:  make(map[uint16]bool),
	}
	for _, port := range ports {
		m.ports[port] = true
	}
	return m
}

func (m *Module) Name() string {
	return Name
}

// Bindings returns the registry bindings for the control ports.
func (m *Module) Bindings() []alg.Binding {
	var bindings []alg.Binding
	for port := range m.ports {
		bindings = append(bindings, alg.Binding{Protocol: session.ProtocolTCP, Port: port})
	}
	return bindings
}

func (m *Module) SessionStart(s *session.Session) {
	if m.clientMode(s) || m.serverMode(s) {
		s.SetAppData(&control{data: make(map[netip.AddrPort]session.Handle)})
	}
}

// OutUpdate rewrites PORT and EPRT commands of private clients, and 227 and
// 229 replies of private servers.
func (m *Module) OutUpdate(pkt *packet.Packet, s *session.Session) (int, error) {
	payload := pkt.Payload()
	if len(payload) == 0 {
		return 0, nil
	}

	switch {
	case m.clientMode(s):
		if off := findLine(payload, "PORT "); off >= 0 {
			return m.rewritePort(pkt, s, off+len("PORT "))
		}
		if off := findLine(payload, "EPRT "); off >= 0 {
			return m.rewriteExtendedPort(pkt, s, off+len("EPRT "))
		}
	case m.serverMode(s):
		if off := findLine(payload, "227 "); off >= 0 {
			return m.rewritePassive(pkt, s, off)
		}
		if off := findLine(payload, "229 "); off >= 0 {
			return m.rewriteExtendedPassive(pkt, s, off)
		}
	}

	return 0, nil
}

// InUpdate watches passive mode replies sent to private clients and opens
// the matching data session ahead of the client's connection.
func (m *Module) InUpdate(pkt *packet.Packet, s *session.Session) (int, error) {
	if !m.clientMode(s) {
		return 0, nil
	}

	payload := pkt.Payload()
	var server netip.AddrPort
	if off := findLine(payload, "227 "); off >= 0 {
		line := payload[off+4 : lineEnd(payload, off)]
		start := bytes.IndexAny(line, "0123456789")
		if start < 0 {
			return 0, nil
		}
		ap, _, ok := parseTuple(line[start:])
		if !ok {
			return 0, nil
		}
		server = ap
	} else if off := findLine(payload, "229 "); off >= 0 {
		port, _, _, ok := parseExtendedPassive(payload[off:lineEnd(payload, off)])
		if !ok {
			return 0, nil
		}
		server = netip.AddrPortFrom(s.Remote().Addr(), port)
	} else {
		return 0, nil
	}

	data, err := m.dataSession(s, server, session.Spec{
		Protocol: session.ProtocolTCP,
		Public:   netip.AddrPortFrom(s.Public().Addr(), 0),
		Private:  netip.AddrPortFrom(s.Private().Addr(), 0),
		Remote:   server,
	}, false)
	if err != nil {
		return 0, err
	}
	data.Release()

	return 0, nil
}

func (m *Module) rewritePort(pkt *packet.Packet, s *session.Session, off int) (int, error) {
	advertised, n, ok := parseTuple(pkt.Payload()[off:])
	if !ok || advertised.Addr() != s.Private().Addr() {
		return 0, nil
	}

	data, err := m.listeningDataSession(s, advertised)
	if err != nil {
		return 0, err
	}
	defer data.Release()

	return m.replace(pkt, off, n, formatTuple(data.Public()))
}

func (m *Module) rewriteExtendedPort(pkt *packet.Packet, s *session.Session, off int) (int, error) {
	arg := pkt.Payload()[off:]
	advertised, n, ok := parseExtended(arg)
	if !ok || advertised.Addr() != s.Private().Addr() {
		return 0, nil
	}

	data, err := m.listeningDataSession(s, advertised)
	if err != nil {
		return 0, err
	}
	defer data.Release()

	return m.replace(pkt, off, n, formatExtended(arg[0], data.Public()))
}

func (m *Module) rewritePassive(pkt *packet.Packet, s *session.Session, off int) (int, error) {
	payload := pkt.Payload()
	line := payload[off+4 : lineEnd(payload, off)]
	start := bytes.IndexAny(line, "0123456789")
	if start < 0 {
		return 0, nil
	}

	advertised, n, ok := parseTuple(line[start:])
	if !ok || advertised.Addr() != s.Private().Addr() {
		return 0, nil
	}

	data, err := m.listeningDataSession(s, advertised)
	if err != nil {
		return 0, err
	}
	defer data.Release()

	return m.replace(pkt, off+4+start, n, formatTuple(data.Public()))
}

func (m *Module) rewriteExtendedPassive(pkt *packet.Packet, s *session.Session, off int) (int, error) {
	payload := pkt.Payload()
	port, portOff, n, ok := parseExtendedPassive(payload[off:lineEnd(payload, off)])
	if !ok {
		return 0, nil
	}

	data, err := m.listeningDataSession(s, netip.AddrPortFrom(s.Private().Addr(), port))
	if err != nil {
		return 0, err
	}
	defer data.Release()

	return m.replace(pkt, off+portOff, n, []byte(strconv.Itoa(int(data.Public().Port()))))
}

// listeningDataSession opens the session the remote peer connects on,
// matched on the remote address alone until the first connection binds it.
func (m *Module) listeningDataSession(s *session.Session, advertised netip.AddrPort) (*session.Session, error) {
	return m.dataSession(s, advertised, session.Spec{
		Protocol: session.ProtocolTCP,
		Public:   netip.AddrPortFrom(s.Public().Addr(), 0),
		Private:  advertised,
		Remote:   netip.AddrPortFrom(s.Remote().Addr(), 0),
	}, true)
}

// dataSession returns the data session recorded for key, creating and
// linking it to the control session s if needed.
func (m *Module) dataSession(s *session.Session, key netip.AddrPort, spec session.Spec, listen bool) (*session.Session, error) {
	ctrl, ok := s.AppData().(*control)
	if !ok {
		return nil, fmt.Errorf("session %s is not an FTP control session", s)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	if h, ok := ctrl.data[key]; ok {
		if data := m.table.Get(h); data != nil {
			return data, nil
		}
		delete(ctrl.data, key)
	}

	spec.Owner = Name
	data, err := m.table.Create(spec)
	if err != nil {
		m.logger.Warn("Failed to open data session", slog.Any("error", err))
		return nil, err
	}

	if err := m.table.LinkControl(data, s); err != nil {
		m.table.Delete(data)
		data.Release()
		return nil, err
	}

	if listen {
		if err := m.table.Listen(data); err != nil {
			m.table.Delete(data)
			data.Release()
			return nil, err
		}
	}

	ctrl.data[key] = data.Handle()
	m.logger.Debug("Opened data session", slog.String("session", data.String()))

	return data, nil
}

func (m *Module) replace(pkt *packet.Packet, off, n int, b []byte) (int, error) {
	delta, err := pkt.Replace(off, n, b)
	if err != nil {
		return 0, fmt.Errorf("failed to rewrite payload: %w", err)
	}
	return delta, nil
}

func (m *Module) clientMode(s *session.Session) bool {
	return s.Protocol() == session.ProtocolTCP && m.ports[s.Remote().Port()]
}

func (m *Module) serverMode(s *session.Session) bool {
	return s.Protocol() == session.ProtocolTCP && !m.clientMode(s) && m.ports[s.Private().Port()]
}
