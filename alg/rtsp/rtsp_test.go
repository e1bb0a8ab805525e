// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package rtsp_test

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/masquerade/alg/rtsp"
	"github.com/noisysockets/masquerade/internal/testutil"
	"github.com/noisysockets/masquerade/session"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	logger := slogt.New(t)

	client := netip.MustParseAddrPort("192.168.1.10:40000")
	server := netip.MustParseAddrPort("198.51.100.7:554")

	table, err := session.NewTable(logger, nil)
	require.NoError(t, err)

	m := rtsp.New(logger, table)

	control, err := table.Create(session.Spec{
		Protocol: session.ProtocolTCP,
		Public:   netip.MustParseAddrPort("203.0.113.1:0"),
		Private:  client,
		Remote:   server,
	})
	require.NoError(t, err)
	t.Cleanup(control.Release)
	m.SessionStart(control)

	request := "SETUP rtsp://example.com/media RTSP/1.0\r\n" +
		"CSeq: 3\r\n" +
		"Transport: RTP/AVP;unicast;client_port=5000-5001\r\n\r\n"

	pkt := testutil.TCP(t, testutil.TCPSegment{Src: client, Dst: server, Seq: 1, ACK: true, Payload: []byte(request)})
	outDelta, err := m.OutUpdate(pkt, control)
	require.NoError(t, err)
	require.Equal(t, 2, table.Dependents(control))

	rtp := table.LookupPublic(session.ProtocolUDP, netip.MustParseAddrPort("203.0.113.1:0"), server)
	require.Nil(t, rtp)

	var public [2]uint16
	for _, s := range table.Snapshot() {
		switch s.Private().Port() {
		case 5000:
			public[0] = s.Public().Port()
		case 5001:
			public[1] = s.Public().Port()
		}
		s.Release()
	}
	require.NotZero(t, public[0])
	require.NotZero(t, public[1])

	rewritten := fmt.Sprintf("SETUP rtsp://example.com/media RTSP/1.0\r\n"+
		"CSeq: 3\r\n"+
		"Transport: RTP/AVP;unicast;client_port=%d-%d\r\n\r\n", public[0], public[1])
	require.Equal(t, rewritten, string(pkt.Payload()))
	require.Equal(t, len(rewritten)-len(request), outDelta)

	// Media from the server's port binds the listening session.
	rtp = table.LookupPublic(session.ProtocolUDP, netip.AddrPortFrom(control.Public().Addr(), public[0]),
		netip.MustParseAddrPort("198.51.100.7:6970"))
	require.NotNil(t, rtp)
	require.Equal(t, netip.MustParseAddrPort("192.168.1.10:5000"), rtp.Private())
	rtp.Release()

	reply := fmt.Sprintf("RTSP/1.0 200 OK\r\n"+
		"CSeq: 3\r\n"+
		"Transport: RTP/AVP;unicast;client_port=%d-%d;server_port=6970-6971\r\n\r\n", public[0], public[1])
	pkt = testutil.TCP(t, testutil.TCPSegment{Src: server, Dst: client, Seq: 1, ACK: true, Payload: []byte(reply)})

	inDelta, err := m.InUpdate(pkt, control)
	require.NoError(t, err)
	require.Equal(t, -outDelta, inDelta)
	require.Equal(t, "RTSP/1.0 200 OK\r\n"+
		"CSeq: 3\r\n"+
		"Transport: RTP/AVP;unicast;client_port=5000-5001;server_port=6970-6971\r\n\r\n", string(pkt.Payload()))

	t.Run("Repeated Setup", func(t *testing.T) {
		pkt := testutil.TCP(t, testutil.TCPSegment{Src: client, Dst: server, Seq: 1, ACK: true, Payload: []byte(request)})
		_, err := m.OutUpdate(pkt, control)
		require.NoError(t, err)
		require.Equal(t, rewritten, string(pkt.Payload()))
		require.Equal(t, 3, table.Len())
	})

	t.Run("Single Port", func(t *testing.T) {
		request := "SETUP rtsp://example.com/audio RTSP/1.0\r\nTransport: RTP/AVP;client_port=6000\r\n\r\n"
		pkt := testutil.TCP(t, testutil.TCPSegment{Src: client, Dst: server, Seq: 2, ACK: true, Payload: []byte(request)})

		_, err := m.OutUpdate(pkt, control)
		require.NoError(t, err)
		require.NotContains(t, string(pkt.Payload()), "client_port=6000\r\n")
		require.Equal(t, 4, table.Len())
	})
}
