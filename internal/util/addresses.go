// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package util

import (
	"net/netip"

	"github.com/noisysockets/netstack/pkg/tcpip"
)

// AddrFrom returns a netip.Addr from a tcpip.Address.
func AddrFrom(addr tcpip.Address) (netipAddr netip.Addr) {
	netipAddr, _ = netip.AddrFromSlice(addr.AsSlice())
	return netipAddr.Unmap()
}

// AddressFrom returns a tcpip.Address from a netip.Addr. IPv4-mapped IPv6
// addresses are converted to their four byte form.
func AddressFrom(addr netip.Addr) tcpip.Address {
	addr = addr.Unmap()
	if addr.Is4() {
		return tcpip.AddrFrom4(addr.As4())
	}

	return tcpip.AddrFromSlice(addr.AsSlice())
}
