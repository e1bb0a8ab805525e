// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package ftp

import (
	"bytes"
	"fmt"
	"net/netip"
	"strconv"
)

// hasPrefixFold reports whether b begins with prefix, ignoring case.
func hasPrefixFold(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && bytes.EqualFold(b[:len(prefix)], []byte(prefix))
}

// findLine returns the offset of the first line of b starting with prefix.
func findLine(b []byte, prefix string) int {
	for off := 0; off < len(b); {
		if hasPrefixFold(b[off:], prefix) {
			return off
		}
		nl := bytes.IndexByte(b[off:], '\n')
		if nl < 0 {
			break
		}
		off += nl + 1
	}
	return -1
}

// lineEnd returns the offset of the end of the line starting at off.
func lineEnd(b []byte, off int) int {
	if nl := bytes.IndexByte(b[off:], '\n'); nl >= 0 {
		return off + nl
	}
	return len(b)
}

// parseTuple parses the "h1,h2,h3,h4,p1,p2" form used by PORT and the 227
// reply. It returns the endpoint and the number of bytes consumed.
func parseTuple(b []byte) (netip.AddrPort, int, bool) {
	var v [6]int
	i := 0
	for k := range v {
		start := i
		for i < len(b) && b[i] >= '0' && b[i] <= '9' {
			v[k] = v[k]*10 + int(b[i]-'0')
			if v[k] > 255 {
				return netip.AddrPort{}, 0, false
			}
			i++
		}
		if i == start {
			return netip.AddrPort{}, 0, false
		}
		if k < len(v)-1 {
			if i >= len(b) || b[i] != ',' {
				return netip.AddrPort{}, 0, false
			}
			i++
		}
	}

	addr := netip.AddrFrom4([4]byte{byte(v[0]), byte(v[1]), byte(v[2]), byte(v[3])})
	port := uint16(v[4]<<8 | v[5])
	if port == 0 {
		return netip.AddrPort{}, 0, false
	}
	return netip.AddrPortFrom(addr, port), i, true
}

func formatTuple(ap netip.AddrPort) []byte {
	a := ap.Addr().As4()
	return []byte(fmt.Sprintf("%d,%d,%d,%d,%d,%d", a[0], a[1], a[2], a[3], ap.Port()>>8, ap.Port()&0xff))
}

// parseExtended parses the "|1|addr|port|" argument of EPRT starting at the
// first delimiter. It returns the endpoint and the number of bytes consumed.
func parseExtended(b []byte) (netip.AddrPort, int, bool) {
	if len(b) == 0 {
		return netip.AddrPort{}, 0, false
	}

	delim := b[0]
	fields := make([][]byte, 0, 3)
	i := 1
	for len(fields) < 3 {
		j := bytes.IndexByte(b[i:], delim)
		if j < 0 {
			return netip.AddrPort{}, 0, false
		}
		fields = append(fields, b[i:i+j])
		i += j + 1
	}

	if string(fields[0]) != "1" {
		return netip.AddrPort{}, 0, false
	}
	addr, err := netip.ParseAddr(string(fields[1]))
	if err != nil || !addr.Is4() {
		return netip.AddrPort{}, 0, false
	}
	port, err := strconv.ParseUint(string(fields[2]), 10, 16)
	if err != nil || port == 0 {
		return netip.AddrPort{}, 0, false
	}

	return netip.AddrPortFrom(addr, uint16(port)), i, true
}

func formatExtended(delim byte, ap netip.AddrPort) []byte {
	d := string(delim)
	return []byte(d + "1" + d + ap.Addr().String() + d + strconv.Itoa(int(ap.Port())) + d)
}

// parseExtendedPassive finds the port of a "(|||port|)" argument within b.
// It returns the offset and length of the port digits.
func parseExtendedPassive(b []byte) (port uint16, off, n int, ok bool) {
	open := bytes.IndexByte(b, '(')
	if open < 0 || open+4 >= len(b) {
		return 0, 0, 0, false
	}

	delim := b[open+1]
	if b[open+2] != delim || b[open+3] != delim {
		return 0, 0, 0, false
	}

	off = open + 4
	end := bytes.IndexByte(b[off:], delim)
	if end <= 0 {
		return 0, 0, 0, false
	}

	p, err := strconv.ParseUint(string(b[off:off+end]), 10, 16)
	if err != nil || p == 0 {
		return 0, 0, 0, false
	}

	return uint16(p), off, end, true
}
