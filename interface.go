// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package masquerade

import (
	"context"
	"io"

	"github.com/noisysockets/masquerade/packet"
)

// Interface is a network interface carrying raw IPv4 packets.
type Interface interface {
	io.Closer

	// MTU returns the Maximum Transmission Unit of the interface.
	MTU() int

	// BatchSize returns the preferred/max number of packets that can be read or
	// written in a single read/write call.
	BatchSize() int

	// Read one or more packets from the interface (without any additional headers).
	// On a successful read it returns a slice of packets of up-to length batchSize.
	// The caller is responsible for releasing the packets. The caller can
	// optionally supply an unallocated packets slice (eg. from a previous call
	// to Read()) that will be used to store the read packets.
	Read(ctx context.Context, packets []*packet.Packet) ([]*packet.Packet, error)

	// Write one or more packets to the interface (without any additional headers).
	// Ownership of the written packets is transferred to the interface and
	// they must not be accessed after a write operation. It returns the number
	// of packets written.
	Write(ctx context.Context, packets []*packet.Packet) (int, error)
}
