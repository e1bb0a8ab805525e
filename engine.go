// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package masquerade is a network address translation engine. It rewrites
// packets travelling between a private network and the outside so that the
// private hosts share one public address, reassembling fragmented datagrams
// and running application level gateways on the way.
package masquerade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/fragment"
	"github.com/noisysockets/masquerade/internal/protocol"
	"github.com/noisysockets/masquerade/internal/util"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
	"github.com/noisysockets/netstack/pkg/tcpip/header"
	"github.com/noisysockets/netutil/ptr"
	"github.com/noisysockets/netutil/triemap"
	"golang.org/x/sync/errgroup"
)

// ErrDropPacket is returned (wrapped) for every packet the engine refuses
// to forward.
var ErrDropPacket = errors.New("drop packet")

const generatedQueueSize = 64

// EngineConfig is the configuration for the engine.
type EngineConfig struct {
	// Public is the address private traffic is masqueraded behind.
	Public netip.Addr
	// Masquerade holds the private source prefixes that are translated.
	// Traffic from other sources is forwarded untouched.
	Masquerade []netip.Prefix
	// SweepInterval is how often idle sessions, stale fragments and module
	// state are expired.
	SweepInterval *time.Duration
	// Sessions configures the session table.
	Sessions *session.TableConfig
	// Fragments configures the fragment reassembler.
	Fragments *fragment.Config
}

var defaultEngineConf = EngineConfig{
	Masquerade: []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("172.16.0.0/12"),
		netip.MustParsePrefix("192.168.0.0/16"),
	},
	SweepInterval: ptr.To(time.Second),
}

// EngineStats are cumulative engine counters.
type EngineStats struct {
	Translated  uint64
	Passthrough uint64
	Dropped     uint64
	Generated   uint64
}

// Engine is the forwarding path of the translator.
type Engine struct {
	logger        *slog.Logger
	public        netip.Addr
	masquerade    *triemap.TrieMap[struct{}]
	sweepInterval time.Duration
	table         *session.Table
	registry      *alg.Registry
	fragments     *fragment.Reassembler
	// generated holds locally originated ICMP messages awaiting delivery.
	generated chan *packet.Packet

	translated  atomic.Uint64
	passthrough atomic.Uint64
	dropped     atomic.Uint64
	sent        atomic.Uint64
}

// NewEngine creates an engine with an empty session table and module
// registry.
func NewEngine(logger *slog.Logger, conf *EngineConfig) (*Engine, error) {
	conf, err := util.ConfigWithDefaults(conf, &defaultEngineConf)
	if err != nil {
		return nil, fmt.Errorf("failed to populate configuration with defaults: %w", err)
	}

	if !conf.Public.Is4() {
		return nil, fmt.Errorf("public address %q is not an IPv4 address", conf.Public)
	}

	masquerade := triemap.New[struct{}]()
	for _, prefix := range conf.Masquerade {
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("masquerade prefix %s is not IPv4", prefix)
		}
		masquerade.Insert(prefix, struct{}{})
	}

	table, err := session.NewTable(logger.With(slog.String("component", "sessions")), conf.Sessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create session table: %w", err)
	}

	fragments, err := fragment.New(logger.With(slog.String("component", "fragments")), conf.Fragments)
	if err != nil {
		return nil, fmt.Errorf("failed to create fragment reassembler: %w", err)
	}

	registry := alg.NewRegistry(logger.With(slog.String("component", "alg")))
	registry.Attach(table)

	e := &Engine{
		logger:        logger,
		public:        conf.Public,
		masquerade:    masquerade,
		sweepInterval: *conf.SweepInterval,
		table:         table,
		registry:      registry,
		fragments:     fragments,
		generated:     make(chan *packet.Packet, generatedQueueSize),
	}

	fragments.OnTimeExceeded(e.timeExceeded)

	return e, nil
}

// Public returns the masquerade address.
func (e *Engine) Public() netip.Addr {
	return e.public
}

// Table returns the session table.
func (e *Engine) Table() *session.Table {
	return e.table
}

// Registry returns the module registry.
func (e *Engine) Registry() *alg.Registry {
	return e.registry
}

// Fragments returns the fragment reassembler.
func (e *Engine) Fragments() *fragment.Reassembler {
	return e.fragments
}

// Stats returns the engine counters.
func (e *Engine) Stats() EngineStats {
	return EngineStats{
		Translated:  e.translated.Load(),
		Passthrough: e.passthrough.Load(),
		Dropped:     e.dropped.Load(),
		Generated:   e.sent.Load(),
	}
}

// Masqueraded reports whether traffic from addr is translated.
func (e *Engine) Masqueraded(addr netip.Addr) bool {
	_, ok := e.masquerade.Get(addr)
	return ok
}

// HandleOutbound processes a packet travelling from the private network to
// the outside. The engine takes ownership of pkt. It returns the packet to
// forward, which is a reassembled datagram when pkt completed one, or nil
// when pkt was held for reassembly. Refused packets are released and
// reported with an error wrapping ErrDropPacket.
func (e *Engine) HandleOutbound(pkt *packet.Packet) (*packet.Packet, error) {
	return e.handle(session.Outbound, pkt)
}

// HandleInbound processes a packet travelling from the outside to the
// private network, with the same ownership rules as HandleOutbound.
func (e *Engine) HandleInbound(pkt *packet.Packet) (*packet.Packet, error) {
	return e.handle(session.Inbound, pkt)
}

// Generated returns the queue of ICMP messages originated by the engine.
// Messages are addressed to their recipient and must be written to the
// interface facing it.
func (e *Engine) Generated() <-chan *packet.Packet {
	return e.generated
}

// Sweep expires idle sessions, stale fragment queues and module state.
func (e *Engine) Sweep(now time.Time) {
	if n := e.table.Sweep(now); n > 0 {
		e.logger.Debug("Expired sessions", slog.Int("count", n))
	}
	if n := e.fragments.Expire(now); n > 0 {
		e.logger.Debug("Expired fragment queues", slog.Int("count", n))
	}
	e.registry.Sweep(now)
}

// Run sweeps periodically until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(e.sweepInterval)
		defer ticker.Stop()

		e.logger.Debug("Started sweeping", slog.Duration("interval", e.sweepInterval))
		defer e.logger.Debug("Finished sweeping")

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				e.Sweep(e.table.Now())
			}
		}
	})

	return g.Wait()
}

func (e *Engine) handle(dir session.Direction, pkt *packet.Packet) (*packet.Packet, error) {
	if err := pkt.Validate(); err != nil {
		return nil, e.drop(pkt, dir, err)
	}

	if pkt.IsFragment() {
		datagram, err := e.fragments.Receive(pkt)
		pkt.Release()
		if err != nil {
			return nil, e.drop(nil, dir, err)
		}
		if datagram == nil {
			return nil, nil
		}
		pkt = datagram
	}

	var translated bool
	var err error
	if dir == session.Outbound {
		translated, err = e.outbound(pkt)
	} else {
		translated, err = e.inbound(pkt)
	}
	if err != nil {
		return nil, e.drop(pkt, dir, err)
	}

	if translated {
		e.translated.Add(1)
	} else {
		e.passthrough.Add(1)
	}
	return pkt, nil
}

func (e *Engine) drop(pkt *packet.Packet, dir session.Direction, err error) error {
	e.dropped.Add(1)

	attrs := []any{slog.String("direction", dir.String()), slog.Any("error", err)}
	if pkt != nil {
		if b := pkt.Bytes(); len(b) >= header.IPv4MinimumSize {
			attrs = append(attrs,
				slog.String("src", pkt.Source().String()),
				slog.String("dst", pkt.Destination().String()))
		}
		pkt.Release()
	}
	e.logger.Debug("Dropping packet", attrs...)

	if errors.Is(err, ErrDropPacket) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDropPacket, err)
}

func (e *Engine) outbound(pkt *packet.Packet) (bool, error) {
	src := pkt.Source()
	if src == e.public || !e.Masqueraded(src) {
		return false, nil
	}

	proto, err := supported(pkt)
	if err != nil {
		return false, err
	}

	if q, ok := protocol.Quote(pkt); ok {
		return true, e.translateOutboundError(pkt, q)
	}

	sport, dport, ok := pkt.Ports()
	if !ok {
		return false, fmt.Errorf("truncated %s header", proto)
	}
	private := netip.AddrPortFrom(src, sport)
	remote := netip.AddrPortFrom(pkt.Destination(), dport)
	if proto == session.ProtocolICMP {
		remote = netip.AddrPortFrom(remote.Addr(), 0)
	}

	interested := e.rules(session.Outbound, proto, dport, pkt)

	s := e.table.LookupPrivate(proto, private, remote)
	if s == nil {
		if s, err = e.create(session.Outbound, interested, pkt, func() (*session.Session, error) {
			if proto == session.ProtocolICMP && pkt.ICMPv4().Type() != header.ICMPv4Echo {
				return nil, nil
			}
			return e.table.Create(session.Spec{
				Protocol: proto,
				Public:   netip.AddrPortFrom(e.public, 0),
				Private:  private,
				Remote:   remote,
				Flags:    session.FlagAwaitReply,
			})
		}); err != nil {
			// Another packet of the same flow got there first.
			if !errors.Is(err, session.ErrExists) {
				return false, err
			}
			if s = e.table.LookupPrivate(proto, private, remote); s == nil {
				return false, err
			}
		}
	}
	defer s.Release()

	e.translate(session.Outbound, pkt, s)
	return true, nil
}

func (e *Engine) inbound(pkt *packet.Packet) (bool, error) {
	if pkt.Destination() != e.public {
		return false, nil
	}

	proto, err := supported(pkt)
	if err != nil {
		return false, err
	}

	if q, ok := protocol.Quote(pkt); ok {
		return true, e.translateInboundError(pkt, q)
	}

	sport, dport, ok := pkt.Ports()
	if !ok {
		return false, fmt.Errorf("truncated %s header", proto)
	}
	public := netip.AddrPortFrom(pkt.Destination(), dport)
	remote := netip.AddrPortFrom(pkt.Source(), sport)
	if proto == session.ProtocolICMP {
		remote = netip.AddrPortFrom(remote.Addr(), 0)
	}

	interested := e.rules(session.Inbound, proto, dport, pkt)

	s := e.table.LookupPublic(proto, public, remote)
	if s == nil {
		if s, err = e.create(session.Inbound, interested, pkt, func() (*session.Session, error) {
			return nil, nil
		}); err != nil {
			if !errors.Is(err, session.ErrExists) {
				return false, err
			}
			if s = e.table.LookupPublic(proto, public, remote); s == nil {
				return false, err
			}
		}
	}
	defer s.Release()

	e.translate(session.Inbound, pkt, s)
	return true, nil
}

// rules runs the rule hooks of the candidate modules and returns those
// interested in the packet.
func (e *Engine) rules(dir session.Direction, proto session.Protocol, port uint16, pkt *packet.Packet) []alg.Module {
	var interested []alg.Module
	for _, m := range e.registry.Candidates(proto, port) {
		var ok bool
		if dir == session.Outbound {
			ok = m.OutRule(pkt)
		} else {
			ok = m.InRule(pkt)
		}
		if ok {
			interested = append(interested, m)
		}
	}
	return interested
}

// create gives the interested modules a chance to create the session before
// falling back to fallback. It never returns a nil session without an error.
func (e *Engine) create(dir session.Direction, interested []alg.Module, pkt *packet.Packet, fallback func() (*session.Session, error)) (*session.Session, error) {
	for _, m := range interested {
		var s *session.Session
		var err error
		if dir == session.Outbound {
			s, err = m.OutCreate(pkt, e.public)
		} else {
			s, err = m.InCreate(pkt, e.public)
		}
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", m.Name(), err)
		}
		if s == nil {
			continue
		}

		if !s.Flags().Has(session.FlagHashed) {
			if err := e.table.Index(s); err != nil {
				e.table.Delete(s)
				s.Release()
				return nil, fmt.Errorf("module %s: %w", m.Name(), err)
			}
		}
		return s, nil
	}

	s, err := fallback()
	if err != nil {
		if errors.Is(err, session.ErrPortsExhausted) {
			e.logger.Warn("Masquerade ports exhausted",
				slog.String("protocol", session.Protocol(pkt.Protocol()).String()))
		}
		return nil, err
	}
	if s == nil {
		return nil, errors.New("no session")
	}
	return s, nil
}

// translate rewrites pkt for s and runs the bound module's update hook.
func (e *Engine) translate(dir session.Direction, pkt *packet.Packet, s *session.Session) {
	app := e.registry.Bind(s)

	var seq uint32
	var flags header.TCPFlags
	tcp := pkt.TCP()
	if tcp != nil {
		seq = tcp.SequenceNumber()
		flags = tcp.Flags()
		s.AdjustTCP(dir, tcp)
	}

	if dir == session.Outbound {
		public := s.Public()
		pkt.SetSource(public.Addr())
		pkt.SetSourcePort(public.Port())
	} else {
		private := s.Private()
		pkt.SetDestination(private.Addr())
		pkt.SetDestinationPort(private.Port())
	}

	if app != nil {
		var diff int
		var err error
		if dir == session.Outbound {
			diff, err = app.OutUpdate(pkt, s)
		} else {
			diff, err = app.InUpdate(pkt, s)
		}
		if err != nil {
			// The packet is still forwarded, unmodified by the module.
			e.logger.Debug("Module update failed",
				slog.String("module", app.Name()), slog.String("session", s.String()),
				slog.Any("error", err))
		}
		if diff != 0 && tcp != nil {
			s.Resize(dir, seq, diff)
		}
	}

	s.Observe(dir, flags)
	pkt.UpdateChecksums()
}

// translateOutboundError rewrites an ICMP error a private host sent about
// a datagram it received through the translator.
func (e *Engine) translateOutboundError(pkt *packet.Packet, q protocol.Quoted) error {
	proto := session.Protocol(q.Protocol())
	private, remote := q.Destination(), q.Source()
	if proto == session.ProtocolICMP {
		remote = netip.AddrPortFrom(remote.Addr(), 0)
	}

	s := e.table.FindPrivate(proto, private, remote)
	if s == nil {
		return fmt.Errorf("no session for quoted %s datagram", proto)
	}
	defer s.Release()

	public := s.Public()
	q.SetDestination(public)
	pkt.SetSource(public.Addr())
	pkt.UpdateChecksums()

	return nil
}

// translateInboundError rewrites an ICMP error about a datagram the
// translator sent on behalf of a private host.
func (e *Engine) translateInboundError(pkt *packet.Packet, q protocol.Quoted) error {
	proto := session.Protocol(q.Protocol())
	public, remote := q.Source(), q.Destination()
	if proto == session.ProtocolICMP {
		remote = netip.AddrPortFrom(remote.Addr(), 0)
	}

	s := e.table.Find(proto, public, remote)
	if s == nil {
		return fmt.Errorf("no session for quoted %s datagram", proto)
	}
	defer s.Release()

	private := s.Private()
	q.SetSource(private)
	pkt.SetDestination(private.Addr())
	pkt.UpdateChecksums()

	return nil
}

func (e *Engine) timeExceeded(quote *packet.Packet) {
	defer quote.Release()

	msg, err := protocol.TimeExceeded(e.public, quote.Bytes())
	if err != nil {
		e.logger.Debug("Failed to build time exceeded message", slog.Any("error", err))
		return
	}

	select {
	case e.generated <- msg:
		e.sent.Add(1)
	default:
		e.logger.Debug("Dropping time exceeded message, queue full")
		msg.Release()
	}
}

func supported(pkt *packet.Packet) (session.Protocol, error) {
	proto := session.Protocol(pkt.Protocol())
	switch proto {
	case session.ProtocolTCP, session.ProtocolUDP, session.ProtocolICMP:
		return proto, nil
	}
	return 0, fmt.Errorf("unsupported protocol %d", pkt.Protocol())
}
