// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// IdleTimeout is how long the server waits for the next request on a
// connection.
const IdleTimeout = time.Minute

// Server serves control requests on a stream listener.
type Server struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
}

// NewServer creates a server dispatching requests through d.
func NewServer(logger *slog.Logger, d *Dispatcher) *Server {
	return &Server{
		logger:     logger,
		dispatcher: d,
	}
}

// Listen opens a unix socket at path, replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale control socket: %w", err)
	}

	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on control socket: %w", err)
	}
	return lis, nil
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return lis.Close()
	})

	var conns sync.WaitGroup
	g.Go(func() error {
		defer conns.Wait()

		for {
			conn, err := lis.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("failed to accept control connection: %w", err)
			}

			conns.Add(1)
			go func() {
				defer conns.Done()

				if err := s.ServeConn(ctx, conn); err != nil {
					s.logger.Warn("Control connection failed", slog.Any("error", err))
				}
			}()
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ServeConn handles requests on conn until the peer closes it.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(IdleTimeout)); err != nil {
			if peerGone(err) {
				return nil
			}
			return err
		}

		req, err := ReadRequest(conn)
		if err != nil {
			var netErr net.Error
			if peerGone(err) || ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
				return nil
			}
			if errors.Is(err, ErrMalformedRequest) {
				s.logger.Debug("Malformed control request", slog.Any("error", err))
				if _, err := (&Response{Status: StatusInvalid}).WriteTo(conn); err != nil {
					return err
				}
				continue
			}
			return err
		}

		resp := s.dispatcher.Handle(req)
		if _, err := resp.WriteTo(conn); err != nil {
			return fmt.Errorf("failed to write control response: %w", err)
		}
	}
}

// peerGone reports whether err means the connection was closed.
func peerGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}

// Client issues requests to a control server.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the control socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial control socket: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

// Do sends a request and waits for its response. A failure status is
// returned as the matching sentinel error alongside the response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	b, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	if _, err := c.conn.Write(b); err != nil {
		return nil, fmt.Errorf("failed to send control request: %w", err)
	}

	resp, err := ReadResponse(c.conn)
	if err != nil {
		return nil, fmt.Errorf("failed to read control response: %w", err)
	}
	return resp, resp.Status.Err()
}

func (c *Client) Close() error {
	return c.conn.Close()
}
