// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package session

// SequenceTracker records the cumulative change in TCP stream length caused
// by payload rewriting in one direction.
type SequenceTracker struct {
	// InitSeq is the original sequence number of the most recently resized segment.
	InitSeq uint32
	// Delta applies to segments after InitSeq.
	Delta int32
	// PreviousDelta applies to segments at or before InitSeq.
	PreviousDelta int32

	active bool
}

// After reports whether a comes strictly after b in modular sequence space.
func After(a, b uint32) bool {
	return int32(b-a) < 0
}

// Active reports whether any resize has been recorded.
func (t *SequenceTracker) Active() bool {
	return t.active
}

// Update records that the segment starting at seq changed length by diff.
// Retransmissions of already accounted segments are ignored. It reports
// whether the tracker changed.
func (t *SequenceTracker) Update(seq uint32, diff int32) bool {
	if t.active && !After(seq, t.InitSeq) {
		return false
	}

	t.PreviousDelta = t.Delta
	t.Delta += diff
	t.InitSeq = seq
	t.active = true
	return true
}

// AdjustSeq maps an original sequence number into the rewritten stream.
func (t *SequenceTracker) AdjustSeq(seq uint32) uint32 {
	if !t.active {
		return seq
	}
	if After(seq, t.InitSeq) {
		return seq + uint32(t.Delta)
	}
	return seq + uint32(t.PreviousDelta)
}

// AdjustAck maps an acknowledgement of the rewritten stream back into the
// original sequence space.
func (t *SequenceTracker) AdjustAck(ack uint32) uint32 {
	if !t.active {
		return ack
	}
	if After(ack-uint32(t.Delta), t.InitSeq) {
		return ack - uint32(t.Delta)
	}
	return ack - uint32(t.PreviousDelta)
}
