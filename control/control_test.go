// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package control_test

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/alg/portfw"
	"github.com/noisysockets/masquerade/alg/user"
	"github.com/noisysockets/masquerade/control"
	"github.com/noisysockets/masquerade/fragment"
	"github.com/noisysockets/masquerade/session"
	"github.com/stretchr/testify/require"
)

var publicAddr = netip.MustParseAddr("203.0.113.1")

func TestWire(t *testing.T) {
	req := &control.Request{
		Command: alg.CommandInsert,
		Module:  portfw.Name,
		Entry: alg.Entry{
			Protocol:        session.ProtocolTCP,
			Public:          netip.AddrPortFrom(publicAddr, 80),
			Private:         netip.MustParseAddrPort("192.168.1.20:8080"),
			Remote:          netip.AddrPortFrom(netip.Addr{}, 0),
			Flags:           session.FlagUser | session.FlagLoose,
			Timeout:         90 * time.Second,
			Mark:            0xbeef,
			Weight:          3,
			ControlProtocol: session.ProtocolUDP,
			ControlPort:     5000,
			PortLow:         6000,
			PortHigh:        6010,
		},
	}

	b, err := req.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, control.RequestSize)

	var got control.Request
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *req, got)

	t.Run("Malformed", func(t *testing.T) {
		var r control.Request
		require.ErrorIs(t, r.UnmarshalBinary(b[:len(b)-1]), control.ErrMalformedRequest)

		bad := bytes.Clone(b)
		bad[0] = 9
		require.ErrorIs(t, r.UnmarshalBinary(bad), control.ErrMalformedRequest)

		bad = bytes.Clone(b)
		bad[1] = 42
		require.ErrorIs(t, r.UnmarshalBinary(bad), control.ErrMalformedRequest)

		bad = bytes.Clone(b)
		copy(bad[4:20], make([]byte, 16))
		require.ErrorIs(t, r.UnmarshalBinary(bad), control.ErrMalformedRequest)
	})

	t.Run("Encoding Errors", func(t *testing.T) {
		_, err := (&control.Request{Command: alg.CommandAdd, Module: "a-module-name-too-long"}).MarshalBinary()
		require.ErrorIs(t, err, control.ErrMalformedRequest)

		_, err = (&control.Request{
			Command: alg.CommandAdd,
			Module:  user.Name,
			Entry:   alg.Entry{Private: netip.MustParseAddrPort("[2001:db8::1]:80")},
		}).MarshalBinary()
		require.ErrorIs(t, err, control.ErrMalformedRequest)
	})
}

func TestStatus(t *testing.T) {
	require.Equal(t, control.StatusOK, control.StatusFromError(nil))
	require.Equal(t, control.StatusExists, control.StatusFromError(session.ErrExists))
	require.Equal(t, control.StatusNotFound, control.StatusFromError(session.ErrNotFound))
	require.Equal(t, control.StatusNoBuffers, control.StatusFromError(session.ErrPortsExhausted))
	require.Equal(t, control.StatusNoBuffers, control.StatusFromError(fragment.ErrNoBuffers))
	require.Equal(t, control.StatusUnsupported, control.StatusFromError(alg.ErrUnknownModule))
	require.Equal(t, control.StatusInvalid, control.StatusFromError(alg.ErrInvalidEntry))
	require.Equal(t, control.StatusInvalid, control.StatusFromError(control.ErrMalformedRequest))

	require.ErrorIs(t, control.StatusNotFound.Err(), session.ErrNotFound)
	require.Equal(t, "no buffers", control.StatusNoBuffers.String())
}

func newDispatcher(t *testing.T) *control.Dispatcher {
	logger := slogt.New(t)

	table, err := session.NewTable(logger, nil)
	require.NoError(t, err)

	registry := alg.NewRegistry(logger)
	registry.Attach(table)
	require.NoError(t, registry.Register(user.New(logger, table, publicAddr)))
	require.NoError(t, registry.Register(portfw.New(logger, table)))

	return control.NewDispatcher(logger, registry)
}

func TestServeConn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := control.NewServer(slogt.New(t), newDispatcher(t))

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- srv.ServeConn(ctx, serverConn)
	}()

	client := control.NewClient(clientConn)

	entry := alg.Entry{
		Protocol: session.ProtocolUDP,
		Private:  netip.MustParseAddrPort("192.168.1.10:5000"),
		Remote:   netip.MustParseAddrPort("198.51.100.7:5000"),
	}

	resp, err := client.Do(ctx, &control.Request{Command: alg.CommandAdd, Module: user.Name, Entry: entry})
	require.NoError(t, err)
	require.Equal(t, control.StatusOK, resp.Status)
	require.Equal(t, publicAddr, resp.Entry.Public.Addr())

	resp, err = client.Do(ctx, &control.Request{Command: alg.CommandAdd, Module: user.Name, Entry: entry})
	require.ErrorIs(t, err, session.ErrExists)
	require.Equal(t, control.StatusExists, resp.Status)

	_, err = client.Do(ctx, &control.Request{Command: alg.CommandGet, Module: "nope", Entry: entry})
	require.ErrorIs(t, err, alg.ErrUnsupported)

	resp, err = client.Do(ctx, &control.Request{Command: control.CommandList, Module: user.Name})
	require.NoError(t, err)
	require.Contains(t, string(resp.Listing), "192.168.1.10:5000")

	_, err = client.Do(ctx, &control.Request{Command: alg.CommandFlush, Module: user.Name})
	require.NoError(t, err)

	_, err = client.Do(ctx, &control.Request{Command: alg.CommandGet, Module: user.Name, Entry: entry})
	require.ErrorIs(t, err, session.ErrNotFound)

	t.Run("Malformed Request", func(t *testing.T) {
		b := make([]byte, control.RequestSize)
		_, err := clientConn.Write(b)
		require.NoError(t, err)

		resp, err := control.ReadResponse(clientConn)
		require.NoError(t, err)
		require.Equal(t, control.StatusInvalid, resp.Status)
	})

	require.NoError(t, client.Close())
	require.NoError(t, <-done)
}

func TestServeConnClosedPeer(t *testing.T) {
	srv := control.NewServer(slogt.New(t), newDispatcher(t))

	t.Run("Before First Request", func(t *testing.T) {
		serverConn, clientConn := net.Pipe()
		require.NoError(t, clientConn.Close())

		require.NoError(t, srv.ServeConn(context.Background(), serverConn))
	})

	t.Run("After Response", func(t *testing.T) {
		serverConn, clientConn := net.Pipe()
		done := make(chan error, 1)
		go func() {
			done <- srv.ServeConn(context.Background(), serverConn)
		}()

		client := control.NewClient(clientConn)
		_, err := client.Do(context.Background(), &control.Request{Command: control.CommandList, Module: user.Name})
		require.NoError(t, err)
		require.NoError(t, client.Close())

		require.NoError(t, <-done)
	})
}

func TestServe(t *testing.T) {
	dir, err := os.MkdirTemp("", "masq")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = os.RemoveAll(dir)
	})

	path := filepath.Join(dir, "control.sock")

	lis, err := control.Listen(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := control.NewServer(slogt.New(t), newDispatcher(t))

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, lis)
	}()

	client, err := control.Dial(ctx, path)
	require.NoError(t, err)

	resp, err := client.Do(ctx, &control.Request{
		Command: alg.CommandAdd,
		Module:  portfw.Name,
		Entry: alg.Entry{
			Protocol: session.ProtocolTCP,
			Public:   netip.AddrPortFrom(publicAddr, 80),
			Private:  netip.MustParseAddrPort("192.168.1.20:8080"),
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Entry.Weight)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, client.Close())
}
