// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package rtsp implements the streaming media control helper. It rewrites
// the client_port parameter of RTSP transport headers and opens the UDP
// sessions the media streams arrive on.
package rtsp

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
const Name = "rtsp"

// DefaultPort is the RTSP control port.
const DefaultPort = 554

const clientPortParam = "client_port="

var _ alg.Module = (*Module)(nil)

// Module is the RTSP helper.
type Module struct {
	alg.Nop
	logger *slog.Logger
	table  *session.Table
	ports  map[uint16]bool
}

type control struct {
	mu sync.Mutex
	// data maps a private client port to its media session.
	data map[uint16]session.Handle
	// private maps a public media port back to the private client port.
	private map[uint16]uint16
}

// New creates the RTSP helper for the given control ports.
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
	if m.clientMode(s) {
		s.SetAppData(&control{
			data:    make(map[uint16]session.Handle),
			private: make(map[uint16]uint16),
		})
	}
}

// OutUpdate replaces the private client ports requested in SETUP transport
// headers with masquerade ports.
func (m *Module) OutUpdate(pkt *packet.Packet, s *session.Session) (int, error) {
	ctrl, ok := s.AppData().(*control)
	if !ok {
		return 0, nil
	}

	return m.rewrite(pkt, func(port uint16) (uint16, bool) {
		data, err := m.mediaSession(s, ctrl, port)
		if err != nil {
			m.logger.Warn("Failed to open media session", slog.Any("error", err))
			return 0, false
		}
		defer data.Release()

		return data.Public().Port(), true
	})
}

// InUpdate restores the private client ports echoed back by the server.
func (m *Module) InUpdate(pkt *packet.Packet, s *session.Session) (int, error) {
	ctrl, ok := s.AppData().(*control)
	if !ok {
		return 0, nil
	}

	return m.rewrite(pkt, func(port uint16) (uint16, bool) {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()

		private, ok := ctrl.private[port]
		return private, ok
	})
}

// rewrite maps the ports of every client_port parameter in the payload.
func (m *Module) rewrite(pkt *packet.Packet, mapPort func(uint16) (uint16, bool)) (int, error) {
	var total int
	for off := 0; ; {
		payload := pkt.Payload()
		idx := bytes.Index(bytes.ToLower(payload[off:]), []byte(clientPortParam))
		if idx < 0 {
			return total, nil
		}
		start := off + idx + len(clientPortParam)

		ports, n := parsePortRange(payload[start:])
		if len(ports) == 0 {
			off = start
			continue
		}

		mapped := make([]string, 0, len(ports))
		for _, port := range ports {
			to, ok := mapPort(port)
			if !ok {
				return total, nil
			}
			mapped = append(mapped, strconv.Itoa(int(to)))
		}

		repl := []byte(joinPorts(mapped))
		delta, err := pkt.Replace(start, n, repl)
		if err != nil {
			return total, fmt.Errorf("failed to rewrite payload: %w", err)
		}
		total += delta
		off = start + len(repl)
	}
}

// mediaSession returns the UDP session for a private client port, opening a
// listening session tied to the control session if needed.
func (m *Module) mediaSession(s *session.Session, ctrl *control, port uint16) (*session.Session, error) {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()

	if h, ok := ctrl.data[port]; ok {
		if data := m.table.Get(h); data != nil {
			return data, nil
		}
		delete(ctrl.data, port)
	}

	data, err := m.table.Create(session.Spec{
		Protocol: session.ProtocolUDP,
		Public:   netip.AddrPortFrom(s.Public().Addr(), 0),
		Private:  netip.AddrPortFrom(s.Private().Addr(), port),
		Remote:   netip.AddrPortFrom(s.Remote().Addr(), 0),
		Owner:    Name,
	})
	if err != nil {
		return nil, err
	}

	if err := m.table.LinkControl(data, s); err != nil {
		m.table.Delete(data)
		data.Release()
		return nil, err
	}
	if err := m.table.Listen(data); err != nil {
		m.table.Delete(data)
		data.Release()
		return nil, err
	}

	ctrl.data[port] = data.Handle()
	ctrl.private[data.Public().Port()] = port

	m.logger.Debug("Opened media session", slog.String("session", data.String()))

	return data, nil
}

func (m *Module) clientMode(s *session.Session) bool {
	return s.Protocol() == session.ProtocolTCP && m.ports[s.Remote().Port()]
}

// parsePortRange parses "p" or "p1-p2". It returns the ports and the number
// of bytes consumed.
func parsePortRange(b []byte) ([]uint16, int) {
	var ports []uint16
	i := 0
	for len(ports) < 2 {
		start := i
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			i++
		}
		if i == start {
			break
		}
		port, err := strconv.ParseUint(string(b[start:i]), 10, 16)
		if err != nil || port == 0 {
			return nil, 0
		}
		ports = append(ports, uint16(port))

		if i >= len(b) || b[i] != '-' || len(ports) == 2 {
			break
		}
		i++
	}

	if len(ports) == 1 && i > 0 && b[i-1] == '-' {
		i--
	}
	return ports, i
}

func joinPorts(ports []string) string {
	if len(ports) == 1 {
		return ports[0]
	}
	return ports[0] + "-" + ports[1]
}
