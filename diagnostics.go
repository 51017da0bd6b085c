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

package optiga

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Diagnostics is a point-in-time snapshot of a Device's health, meant to be
// attached to a bug report or shipped to a support channel as a single
// compact blob rather than scraped out of free-form logs.
type Diagnostics struct {
	State         string            `cbor:"state"`
	Metrics       DispatchMetrics   `cbor:"metrics"`
	ResetCount    int32             `cbor:"reset_count"`
	FatalError    string            `cbor:"fatal_error,omitempty"`
	WireTrace     []TraceEntrySnap  `cbor:"wire_trace"`
}

// TraceEntrySnap is the CBOR-friendly projection of a TraceEntry: the
// dispatcher's internal TraceEntry carries a time.Time and a typed
// direction enum, neither of which round-trips usefully through CBOR
// without a custom codec, so Diagnostics flattens them to plain fields.
type TraceEntrySnap struct {
	Direction string `cbor:"direction"`
	Note      string `cbor:"note"`
	Data      []byte `cbor:"data"`
}

// Snapshot assembles a Diagnostics bundle from the dispatcher's current
// state, metrics, fatal error (if any), and wire trace.
func (d *Device) Snapshot() Diagnostics {
	entries := d.Trace()
	wire := make([]TraceEntrySnap, len(entries))
	for i, e := range entries {
		wire[i] = TraceEntrySnap{
			Direction: string(e.Direction),
			Note:      e.Note,
			Data:      e.Data,
		}
	}

	diag := Diagnostics{
		State:      d.State().String(),
		Metrics:    d.Metrics(),
		ResetCount: d.resetCounter.Load(),
		WireTrace:  wire,
	}
	if fatal := d.FatalError(); fatal != nil {
		diag.FatalError = fatal.Error()
	}
	return diag
}

// EncodeCBOR serialises a Diagnostics bundle for attaching to a support
// ticket or writing to a crash-report file.
func (diag Diagnostics) EncodeCBOR() ([]byte, error) {
	b, err := cbor.Marshal(diag)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: encode: %w", err)
	}
	return b, nil
}

// DecodeDiagnosticsCBOR parses a bundle previously produced by EncodeCBOR,
// e.g. when a support tool reads an attached crash report back in.
func DecodeDiagnosticsCBOR(b []byte) (Diagnostics, error) {
	var diag Diagnostics
	if err := cbor.Unmarshal(b, &diag); err != nil {
		return Diagnostics{}, fmt.Errorf("diagnostics: decode: %w", err)
	}
	return diag, nil
}
