// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package control implements the control plane: a fixed size binary
// request/response protocol carrying module commands, a dispatcher applying
// them to the registered modules, and a unix socket server.
package control

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/session"
)

// Version of the wire protocol.
const Version = 1

// CommandList asks a module for its human readable listing. It is carried in
// the command field alongside the alg commands.
const CommandList alg.Command = 0x80

// MaxListing bounds the listing attached to a response.
const MaxListing = 1 << 20

const moduleNameSize = 16

// ErrMalformedRequest is returned for requests that cannot be decoded.
var ErrMalformedRequest = errors.New("malformed request")

// Request is a control plane command addressed to a module.
type Request struct {
	Command alg.Command
	Module  string
	Entry   alg.Entry
}

// Response is the result of a request.
type Response struct {
	Status Status
	Entry  alg.Entry
	// Listing holds the output of CommandList.
	Listing []byte
}

type wireEntry struct {
	Protocol        uint8
	ControlProtocol uint8
	_               [2]byte
	Flags           uint32
	PublicAddr      [4]byte
	PrivateAddr     [4]byte
	RemoteAddr      [4]byte
	PublicPort      uint16
	PrivatePort     uint16
	RemotePort      uint16
	ControlPort     uint16
	PortLow         uint16
	PortHigh        uint16
	TimeoutMillis   uint32
	Mark            uint32
	Weight          uint32
}

type wireRequest struct {
	Version uint8
	Command uint8
	_       [2]byte
	Module  [moduleNameSize]byte
	Entry   wireEntry
}

type wireResponse struct {
	Version uint8
	Status  uint8
	_       [2]byte
	Length  uint32
	Entry   wireEntry
}

var (
	// RequestSize is the encoded size of a request.
	RequestSize = binary.Size(wireRequest{})
	// ResponseSize is the encoded size of a response, excluding any listing.
	ResponseSize = binary.Size(wireResponse{})
)

// MarshalBinary encodes the request.
func (r *Request) MarshalBinary() ([]byte, error) {
	if len(r.Module) == 0 || len(r.Module) > moduleNameSize {
		return nil, fmt.Errorf("%w: module name %q", ErrMalformedRequest, r.Module)
	}

	w := wireRequest{
		Version: Version,
		Command: uint8(r.Command),
	}
	copy(w.Module[:], r.Module)

	var err error
	if w.Entry, err = encodeEntry(r.Entry); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(RequestSize)
	if err := binary.Write(&buf, binary.BigEndian, &w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a request.
func (r *Request) UnmarshalBinary(b []byte) error {
	if len(b) != RequestSize {
		return fmt.Errorf("%w: size %d", ErrMalformedRequest, len(b))
	}

	var w wireRequest
	if err := binary.Read(bytes.NewReader(b), binary.BigEndian, &w); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedRequest, err)
	}
	if w.Version != Version {
		return fmt.Errorf("%w: version %d", ErrMalformedRequest, w.Version)
	}

	cmd := alg.Command(w.Command)
	switch cmd {
	case alg.CommandAdd, alg.CommandInsert, alg.CommandDelete, alg.CommandGet,
		alg.CommandSet, alg.CommandFlush, CommandList:
	default:
		return fmt.Errorf("%w: command %d", ErrMalformedRequest, w.Command)
	}

	name := w.Module[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return fmt.Errorf("%w: missing module", ErrMalformedRequest)
	}

	*r = Request{
		Command: cmd,
		Module:  string(name),
		Entry:   decodeEntry(w.Entry),
	}
	return nil
}

// ReadRequest reads one request from rd.
func ReadRequest(rd io.Reader) (*Request, error) {
	b := make([]byte, RequestSize)
	if _, err := io.ReadFull(rd, b); err != nil {
		return nil, err
	}

	var req Request
	if err := req.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &req, nil
}

// WriteTo writes the encoded response followed by its listing.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	if len(r.Listing) > MaxListing {
		return 0, fmt.Errorf("listing too large: %d bytes", len(r.Listing))
	}

	wr := wireResponse{
		Version: Version,
		Status:  uint8(r.Status),
		Length:  uint32(len(r.Listing)),
	}

	var err error
	if wr.Entry, err = encodeEntry(r.Entry); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	buf.Grow(ResponseSize + len(r.Listing))
	if err := binary.Write(&buf, binary.BigEndian, &wr); err != nil {
		return 0, err
	}
	buf.Write(r.Listing)

	return buf.WriteTo(w)
}

// ReadResponse reads one response from rd.
func ReadResponse(rd io.Reader) (*Response, error) {
	var w wireResponse
	if err := binary.Read(rd, binary.BigEndian, &w); err != nil {
		return nil, err
	}
	if w.Version != Version {
		return nil, fmt.Errorf("unsupported response version %d", w.Version)
	}
	if w.Length > MaxListing {
		return nil, fmt.Errorf("listing too large: %d bytes", w.Length)
	}

	resp := &Response{
		Status: Status(w.Status),
		Entry:  decodeEntry(w.Entry),
	}
	if w.Length > 0 {
		resp.Listing = make([]byte, w.Length)
		if _, err := io.ReadFull(rd, resp.Listing); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func encodeEntry(e alg.Entry) (wireEntry, error) {
	if e.Timeout < 0 || e.Timeout > time.Duration(^uint32(0))*time.Millisecond {
		return wireEntry{}, fmt.Errorf("%w: timeout %s", ErrMalformedRequest, e.Timeout)
	}
	if e.Weight < 0 {
		return wireEntry{}, fmt.Errorf("%w: weight %d", ErrMalformedRequest, e.Weight)
	}

	w := wireEntry{
		Protocol:        uint8(e.Protocol),
		ControlProtocol: uint8(e.ControlProtocol),
		Flags:           uint32(e.Flags),
		PublicPort:      e.Public.Port(),
		PrivatePort:     e.Private.Port(),
		RemotePort:      e.Remote.Port(),
		ControlPort:     e.ControlPort,
		PortLow:         e.PortLow,
		PortHigh:        e.PortHigh,
		TimeoutMillis:   uint32(e.Timeout / time.Millisecond),
		Mark:            e.Mark,
		Weight:          uint32(e.Weight),
	}

	for _, a := range []struct {
		dst  *[4]byte
		addr netip.Addr
	}{
		{&w.PublicAddr, e.Public.Addr()},
		{&w.PrivateAddr, e.Private.Addr()},
		{&w.RemoteAddr, e.Remote.Addr()},
	} {
		if !a.addr.IsValid() {
			continue
		}
		if !a.addr.Unmap().Is4() {
			return wireEntry{}, fmt.Errorf("%w: address %s is not IPv4", ErrMalformedRequest, a.addr)
		}
		*a.dst = a.addr.Unmap().As4()
	}

	return w, nil
}

func decodeEntry(w wireEntry) alg.Entry {
	return alg.Entry{
		Protocol:        session.Protocol(w.Protocol),
		ControlProtocol: session.Protocol(w.ControlProtocol),
		Flags:           session.Flags(w.Flags),
		Public:          netip.AddrPortFrom(decodeAddr(w.PublicAddr), w.PublicPort),
		Private:         netip.AddrPortFrom(decodeAddr(w.PrivateAddr), w.PrivatePort),
		Remote:          netip.AddrPortFrom(decodeAddr(w.RemoteAddr), w.RemotePort),
		ControlPort:     w.ControlPort,
		PortLow:         w.PortLow,
		PortHigh:        w.PortHigh,
		Timeout:         time.Duration(w.TimeoutMillis) * time.Millisecond,
		Mark:            w.Mark,
		Weight:          int(w.Weight),
	}
}

// decodeAddr maps the unspecified address to the zero Addr.
func decodeAddr(b [4]byte) netip.Addr {
	if b == [4]byte{} {
		return netip.Addr{}
	}
	return netip.AddrFrom4(b)
}
