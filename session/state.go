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
	"maps"
	"strings"
	"time"

	"github.com/noisysockets/netstack/pkg/tcpip/header"
)

// State is the lifecycle state of a session.
type State int

const (
	StateNone State = iota
	StateListen
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait
	StateCloseWait
	StateLastAck
	StateTimeWait
	StateClose
	StateUDP
	StateICMP
)

var stateNames = [...]string{
	StateNone:        "NONE",
	StateListen:      "LISTEN",
	StateSynSent:     "SYN_SENT",
	StateSynRecv:     "SYN_RECV",
	StateEstablished: "ESTABLISHED",
	StateFinWait:     "FIN_WAIT",
	StateCloseWait:   "CLOSE_WAIT",
	StateLastAck:     "LAST_ACK",
	StateTimeWait:    "TIME_WAIT",
	StateClose:       "CLOSE",
	StateUDP:         "UDP",
	StateICMP:        "ICMP",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// ParseState parses a state name, ignoring case.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if strings.EqualFold(name, n) {
			return State(s), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

// Timeouts maps each state to the idle time after which a session in that
// state expires.
type Timeouts map[State]time.Duration

// DefaultTimeouts returns the stock timeout table.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		StateNone:        30 * time.Second,
		StateListen:      2 * time.Minute,
		StateSynSent:     2 * time.Minute,
		StateSynRecv:     time.Minute,
		StateEstablished: 15 * time.Minute,
		StateFinWait:     2 * time.Minute,
		StateCloseWait:   time.Minute,
		StateLastAck:     30 * time.Second,
		StateTimeWait:    2 * time.Minute,
		StateClose:       10 * time.Second,
		StateUDP:         5 * time.Minute,
		StateICMP:        time.Minute,
	}
}

// merged returns a copy of the defaults overridden by t.
func (t Timeouts) merged() Timeouts {
	out := DefaultTimeouts()
	maps.Copy(out, t)
	return out
}

func initialState(proto Protocol) State {
	switch proto {
	case ProtocolUDP:
		return StateUDP
	case ProtocolICMP:
		return StateICMP
	default:
		return StateNone
	}
}

// nextTCPState computes the state after observing a segment with the given
// flags travelling in dir. origin is the direction of the connection opener.
func nextTCPState(cur State, origin, dir Direction, flags header.TCPFlags) State {
	if flags.Contains(header.TCPFlagRst) {
		return StateClose
	}

	syn := flags.Contains(header.TCPFlagSyn)
	ack := flags.Contains(header.TCPFlagAck)
	fin := flags.Contains(header.TCPFlagFin)

	switch cur {
	case StateNone, StateListen, StateClose, StateTimeWait:
		switch {
		case syn && !ack && dir == Outbound:
			return StateSynSent
		case syn && !ack:
			return StateSynRecv
		case cur == StateNone || cur == StateListen:
			// Picked up mid-stream.
			if fin {
				return StateFinWait
			}
			return StateEstablished
		}
	case StateSynSent, StateSynRecv:
		if !syn && ack && dir == origin {
			return StateEstablished
		}
		if fin {
			return StateFinWait
		}
	case StateEstablished:
		if fin {
			if dir == origin {
				return StateFinWait
			}
			return StateCloseWait
		}
	case StateFinWait:
		if fin && dir != origin {
			return StateTimeWait
		}
	case StateCloseWait:
		if fin && dir == origin {
			return StateLastAck
		}
	case StateLastAck:
		if ack && dir != origin {
			return StateTimeWait
		}
	}

	return cur
}

func (t Timeouts) get(s State) time.Duration {
	if d, ok := t[s]; ok {
		return d
	}
	return t[StateNone]
}
