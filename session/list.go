// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package session

import (
	"fmt"
	"io"
	"net/netip"
	"text/tabwriter"
	"time"
)

// List writes a human readable listing of every live session.
func (t *Table) List(w io.Writer) error {
	now := t.now()

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PROTO\tPRIVATE\tREMOTE\tPUBLIC\tSTATE\tFLAGS\tREFS\tTTL\tOWNER\tAPP")

	for _, s := range t.Snapshot() {
		tuple := s.Tuple()
		ttl := s.Deadline().Sub(now).Truncate(time.Second)
		// The snapshot holds one reference itself.
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			s.Protocol(), endpoint(tuple.Private), endpoint(tuple.Remote), endpoint(tuple.Public),
			s.State(), s.Flags(), s.Refs()-1, max(ttl, 0), dash(s.Owner()), dash(s.App()))
		s.Release()
	}

	return tw.Flush()
}

func endpoint(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "*"
	}
	return ap.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
