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
	"bytes"
	"log/slog"
	"sync"

	"github.com/noisysockets/masquerade/alg"
)

// Dispatcher applies requests to the modules of a registry. Requests are
// applied one at a time.
type Dispatcher struct {
	logger   *slog.Logger
	registry *alg.Registry
	mu       sync.Mutex
}

// NewDispatcher creates a dispatcher for the modules of registry.
func NewDispatcher(logger *slog.Logger, registry *alg.Registry) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: registry,
	}
}

// Handle applies a request. Failures are reported in the response status.
func (d *Dispatcher) Handle(req *Request) *Response {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, err := d.registry.Controller(req.Module)
	if err != nil {
		d.logger.Debug("Rejected control request",
			slog.String("module", req.Module), slog.Any("error", err))
		return &Response{Status: StatusFromError(err)}
	}

	if req.Command == CommandList {
		var buf bytes.Buffer
		if err := c.List(&buf); err != nil {
			d.logger.Warn("Failed to list module entries",
				slog.String("module", req.Module), slog.Any("error", err))
			return &Response{Status: StatusInvalid}
		}
		return &Response{Status: StatusOK, Listing: buf.Bytes()}
	}

	e, err := c.Control(req.Command, req.Entry)
	if err != nil {
		d.logger.Debug("Control request failed",
			slog.String("module", req.Module), slog.String("command", req.Command.String()),
			slog.Any("error", err))
		return &Response{Status: StatusFromError(err)}
	}

	return &Response{Status: StatusOK, Entry: e}
}
