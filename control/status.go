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
	"errors"
	"fmt"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/fragment"
	"github.com/noisysockets/masquerade/session"
)

// Status is the outcome of a request.
type Status uint8

const (
	StatusOK Status = iota
	StatusInvalid
	StatusExists
	StatusNotFound
	StatusNoBuffers
	StatusUnsupported
)

var statusNames = map[Status]string{
	StatusOK:          "ok",
	StatusInvalid:     "invalid",
	StatusExists:      "exists",
	StatusNotFound:    "not found",
	StatusNoBuffers:   "no buffers",
	StatusUnsupported: "unsupported",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status-%d", uint8(s))
}

// StatusFromError maps an error returned by a module onto a status.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, session.ErrExists):
		return StatusExists
	case errors.Is(err, session.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, session.ErrPortsExhausted), errors.Is(err, fragment.ErrNoBuffers):
		return StatusNoBuffers
	case errors.Is(err, alg.ErrUnsupported), errors.Is(err, alg.ErrUnknownModule):
		return StatusUnsupported
	default:
		return StatusInvalid
	}
}

// Err converts a status back into the sentinel error it stands for.
func (s Status) Err() error {
	switch s {
	case StatusOK:
		return nil
	case StatusInvalid:
		return alg.ErrInvalidEntry
	case StatusExists:
		return session.ErrExists
	case StatusNotFound:
		return session.ErrNotFound
	case StatusNoBuffers:
		return session.ErrPortsExhausted
	case StatusUnsupported:
		return alg.ErrUnsupported
	}
	return fmt.Errorf("unknown status %d", uint8(s))
}
