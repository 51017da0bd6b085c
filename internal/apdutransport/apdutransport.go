// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apdutransport implements the network/transport (NT) layer:
// fragmentation of one APDU into chain-flagged packets on transmit, and
// reassembly on receive, over the data-link layer below.
package apdutransport

import (
	"context"
	"errors"
	"fmt"
)

// Packet header bit layout per the external interface.
const (
	chainFirst = 0x80
	chainLast  = 0x40
)

const packetHeaderLen = 1

// ChainKind classifies one packet's position within its chain.
type ChainKind int

const (
	ChainOnly ChainKind = iota
	ChainFirst
	ChainMiddle
	ChainLast
)

func classify(header byte) ChainKind {
	first := header&chainFirst != 0
	last := header&chainLast != 0
	switch {
	case first && last:
		return ChainOnly
	case first:
		return ChainFirst
	case last:
		return ChainLast
	default:
		return ChainMiddle
	}
}

func headerFor(kind ChainKind) byte {
	switch kind {
	case ChainOnly:
		return chainFirst | chainLast
	case ChainFirst:
		return chainFirst
	case ChainLast:
		return chainLast
	default:
		return 0
	}
}

// ErrChainIntegrity is returned for malformed chain ordering (e.g. MIDDLE
// before FIRST) or for a reassembled APDU overflowing the caller's rx
// capacity.
var ErrChainIntegrity = errors.New("packet chain integrity violated")

// DataLink is the subset of the data-link layer the NT layer depends on.
type DataLink interface {
	Send(ctx context.Context, payload []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

// NT fragments and reassembles APDUs over a DataLink, enforcing the MTU
// derived from the negotiated DATA_REG_LEN.
type NT struct {
	dl  DataLink
	mtu int
}

// New creates an NT layer over dl with the given MTU (maximum APDU
// fragment bytes per frame, i.e. DATA_REG_LEN - 5 - 1).
func New(dl DataLink, mtu int) *NT {
	return &NT{dl: dl, mtu: mtu}
}

// SetMTU updates the fragment size, e.g. after a PHY renegotiation during
// reset.
func (nt *NT) SetMTU(mtu int) { nt.mtu = mtu }

// Send fragments apdu into one or more packets and transmits them in
// order, aborting on the first data-link failure. No partial transmission
// is retried by this layer; the dispatcher decides whether to reset.
func (nt *NT) Send(ctx context.Context, apdu []byte) error {
	if nt.mtu <= 0 {
		return fmt.Errorf("apdutransport: non-positive MTU %d", nt.mtu)
	}

	if len(apdu) <= nt.mtu {
		return nt.sendFragment(ctx, ChainOnly, apdu)
	}

	offset := 0
	for offset < len(apdu) {
		remaining := len(apdu) - offset
		n := nt.mtu
		if remaining < n {
			n = remaining
		}
		kind := ChainMiddle
		switch {
		case offset == 0:
			kind = ChainFirst
		case offset+n == len(apdu):
			kind = ChainLast
		}
		if err := nt.sendFragment(ctx, kind, apdu[offset:offset+n]); err != nil {
			return err
		}
		offset += n
	}
	return nil
}

func (nt *NT) sendFragment(ctx context.Context, kind ChainKind, fragment []byte) error {
	packet := make([]byte, packetHeaderLen+len(fragment))
	packet[0] = headerFor(kind)
	copy(packet[packetHeaderLen:], fragment)
	return nt.dl.Send(ctx, packet)
}

// Recv reassembles one APDU, enforcing that rx fits within cap(out) and
// that the chain is well formed: FIRST|ONLY starts it, MIDDLE continues
// it, LAST|ONLY ends it. Returns the reassembled bytes, which always
// alias out's backing array (a chain that would outgrow cap(out) is
// rejected instead).
func (nt *NT) Recv(ctx context.Context, out []byte) ([]byte, error) {
	result := out[:0]
	first := true

	for {
		packet, err := nt.dl.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if len(packet) < packetHeaderLen {
			return nil, fmt.Errorf("%w: empty packet", ErrChainIntegrity)
		}
		kind := classify(packet[0])
		fragment := packet[packetHeaderLen:]

		if first && kind != ChainFirst && kind != ChainOnly {
			return nil, fmt.Errorf("%w: chain did not start with FIRST or ONLY", ErrChainIntegrity)
		}
		if !first && (kind == ChainFirst || kind == ChainOnly) {
			return nil, fmt.Errorf("%w: unexpected FIRST/ONLY mid-chain", ErrChainIntegrity)
		}
		first = false

		if len(result)+len(fragment) > cap(out) {
			return nil, fmt.Errorf("%w: reassembled APDU exceeds caller capacity", ErrChainIntegrity)
		}
		result = append(result, fragment...)

		if kind == ChainOnly || kind == ChainLast {
			return result, nil
		}
	}
}
