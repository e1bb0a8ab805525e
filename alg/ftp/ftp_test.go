// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ftp_test

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/masquerade/alg/ftp"
	"github.com/noisysockets/masquerade/internal/testutil"
	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
	"github.com/stretchr/testify/require"
)

var (
	publicAddr = netip.MustParseAddr("203.0.113.1")
	client     = netip.MustParseAddrPort("192.168.1.10:40000")
	server     = netip.MustParseAddrPort("198.51.100.7:21")
)

type fixture struct {
	table   *session.Table
	module  *ftp.Module
	control *session.Session
}

func newFixture(t *testing.T, private, remote netip.AddrPort) *fixture {
	logger := slogt.New(t)

	table, err := session.NewTable(logger, nil)
	require.NoError(t, err)

	m := ftp.New(logger, table)

	control, err := table.Create(session.Spec{
		Protocol: session.ProtocolTCP,
		Public:   netip.AddrPortFrom(publicAddr, 0),
		Private:  private,
		Remote:   remote,
	})
	require.NoError(t, err)
	t.Cleanup(control.Release)

	require.True(t, control.BindApp(ftp.Name))
	m.SessionStart(control)

	return &fixture{table: table, module: m, control: control}
}

func segment(t *testing.T, src, dst netip.AddrPort, payload string) *packet.Packet {
	return testutil.TCP(t, testutil.TCPSegment{
		Src:     src,
		Dst:     dst,
		Seq:     1000,
		ACK:     true,
		PSH:     true,
		Payload: []byte(payload),
	})
}

func tuple(ap netip.AddrPort) string {
	a := ap.Addr().As4()
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", a[0], a[1], a[2], a[3], ap.Port()>>8, ap.Port()&0xff)
}

func TestActiveMode(t *testing.T) {
	f := newFixture(t, client, server)

	// 156*256+64 = 40000
	command := "PORT 192,168,1,10,156,64\r\n"

	pkt := segment(t, client, server, command)
	delta, err := f.module.OutUpdate(pkt, f.control)
	require.NoError(t, err)
	require.Equal(t, 2, f.table.Len())
	require.Equal(t, 1, f.table.Dependents(f.control))

	// Find the data session through its public endpoint.
	payload := string(pkt.Payload())
	var data *session.Session
	for _, s := range f.table.Snapshot() {
		if s != f.control {
			data = s
		} else {
			s.Release()
		}
	}
	require.NotNil(t, data)
	defer data.Release()

	want := "PORT " + tuple(data.Public()) + "\r\n"
	require.Equal(t, want, payload)
	require.Equal(t, len(want)-len(command), delta)

	require.Equal(t, netip.MustParseAddrPort("192.168.1.10:40000"), data.Private())
	require.Equal(t, publicAddr, data.Public().Addr())
	require.True(t, data.Flags().Has(session.FlagListen))
	require.Equal(t, ftp.Name, data.Owner())

	// The server connects back from its data port.
	got := f.table.LookupPublic(session.ProtocolTCP, data.Public(), netip.MustParseAddrPort("198.51.100.7:20"))
	require.Same(t, data, got)
	got.Release()

	parent := f.table.Control(data)
	require.Same(t, f.control, parent)
	parent.Release()

	t.Run("Retransmission", func(t *testing.T) {
		pkt := segment(t, client, server, command)
		again, err := f.module.OutUpdate(pkt, f.control)
		require.NoError(t, err)
		require.Equal(t, delta, again)
		require.Equal(t, want, string(pkt.Payload()))
		require.Equal(t, 2, f.table.Len())
	})

	t.Run("Foreign Address", func(t *testing.T) {
		pkt := segment(t, client, server, "PORT 10,0,0,1,0,80\r\n")
		delta, err := f.module.OutUpdate(pkt, f.control)
		require.NoError(t, err)
		require.Zero(t, delta)
		require.Equal(t, "PORT 10,0,0,1,0,80\r\n", string(pkt.Payload()))
	})

	t.Run("Other Commands", func(t *testing.T) {
		pkt := segment(t, client, server, "USER anonymous\r\n")
		delta, err := f.module.OutUpdate(pkt, f.control)
		require.NoError(t, err)
		require.Zero(t, delta)
	})

	t.Run("Control Deleted", func(t *testing.T) {
		f.table.Delete(f.control)
		require.Nil(t, f.table.Control(data))
		require.False(t, data.Deleted())
	})
}

func TestExtendedActiveMode(t *testing.T) {
	f := newFixture(t, client, server)

	command := "EPRT |1|192.168.1.10|40001|\r\n"
	pkt := segment(t, client, server, command)

	delta, err := f.module.OutUpdate(pkt, f.control)
	require.NoError(t, err)

	var data *session.Session
	for _, s := range f.table.Snapshot() {
		if s.Private() == netip.MustParseAddrPort("192.168.1.10:40001") {
			data = s
		} else {
			s.Release()
		}
	}
	require.NotNil(t, data)
	defer data.Release()

	want := fmt.Sprintf("EPRT |1|203.0.113.1|%d|\r\n", data.Public().Port())
	require.Equal(t, want, string(pkt.Payload()))
	require.Equal(t, len(want)-len(command), delta)
}

func TestPassiveModeClient(t *testing.T) {
	f := newFixture(t, client, server)

	// 200*256+10 = 51210
	pkt := segment(t, server, client, "227 Entering Passive Mode (198,51,100,7,200,10).\r\n")
	delta, err := f.module.InUpdate(pkt, f.control)
	require.NoError(t, err)
	require.Zero(t, delta)
	require.Equal(t, 1, f.table.Dependents(f.control))

	dataPort := netip.MustParseAddrPort("192.168.1.10:50000")
	dataServer := netip.MustParseAddrPort("198.51.100.7:51210")

	data := f.table.LookupPrivate(session.ProtocolTCP, dataPort, dataServer)
	require.NotNil(t, data)
	defer data.Release()

	require.Equal(t, dataPort, data.Private())
	require.False(t, data.Flags().Has(session.FlagNoPrivatePort))

	t.Run("Extended", func(t *testing.T) {
		pkt := segment(t, server, client, "229 Entering Extended Passive Mode (|||6446|)\r\n")
		_, err := f.module.InUpdate(pkt, f.control)
		require.NoError(t, err)

		data := f.table.LookupPrivate(session.ProtocolTCP, netip.MustParseAddrPort("192.168.1.10:50001"),
			netip.MustParseAddrPort("198.51.100.7:6446"))
		require.NotNil(t, data)
		data.Release()
	})
}

func TestPassiveModeServer(t *testing.T) {
	private := netip.MustParseAddrPort("192.168.1.20:21")
	remote := netip.MustParseAddrPort("198.51.100.9:51000")
	f := newFixture(t, private, remote)

	// 100*256+0 = 25600
	reply := "227 Entering Passive Mode (192,168,1,20,100,0)\r\n"
	pkt := segment(t, private, remote, reply)

	delta, err := f.module.OutUpdate(pkt, f.control)
	require.NoError(t, err)

	var data *session.Session
	for _, s := range f.table.Snapshot() {
		if s != f.control {
			data = s
		} else {
			s.Release()
		}
	}
	require.NotNil(t, data)
	defer data.Release()

	want := "227 Entering Passive Mode (" + tuple(data.Public()) + ")\r\n"
	require.Equal(t, want, string(pkt.Payload()))
	require.Equal(t, len(want)-len(reply), delta)
	require.Equal(t, netip.MustParseAddrPort("192.168.1.20:25600"), data.Private())

	got := f.table.LookupPublic(session.ProtocolTCP, data.Public(), netip.MustParseAddrPort("198.51.100.9:51001"))
	require.Same(t, data, got)
	got.Release()

	t.Run("Extended", func(t *testing.T) {
		reply := "229 Entering Extended Passive Mode (|||25601|)\r\n"
		pkt := segment(t, private, remote, reply)

		_, err := f.module.OutUpdate(pkt, f.control)
		require.NoError(t, err)

		payload := string(pkt.Payload())
		require.NotEqual(t, reply, payload)

		var port uint16
		_, err = fmt.Sscanf(payload, "229 Entering Extended Passive Mode (|||%d|)", &port)
		require.NoError(t, err)
		require.True(t, f.table.Ports().Range().Contains(port))
	})
}
