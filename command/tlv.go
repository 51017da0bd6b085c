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

// Package command implements the external command-encoder boundary: it
// builds APDU bodies for the secure element's crypto and data-object
// operations and decodes the responses, against the dispatcher's Submit.
// The core itself never parses a body — that contract lives entirely here.
package command

import (
	"encoding/binary"
	"fmt"
)

// appendTLV appends one tag-length-value item (tag: 1 byte, length:
// big-endian u16, value) to buf.
func appendTLV(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

// firstTLV extracts the first tag-length-value item from body, returning
// its tag, value, and the bytes remaining after it.
func firstTLV(body []byte) (tag byte, value, rest []byte, err error) {
	if len(body) < 3 {
		return 0, nil, nil, fmt.Errorf("command: TLV body too short: %d bytes", len(body))
	}
	tag = body[0]
	n := int(binary.BigEndian.Uint16(body[1:3]))
	if 3+n > len(body) {
		return 0, nil, nil, fmt.Errorf("command: TLV length %d exceeds body of %d bytes", n, len(body)-3)
	}
	return tag, body[3 : 3+n], body[3+n:], nil
}

// expectTLV extracts the first TLV item and verifies its tag matches want.
func expectTLV(body []byte, want byte) ([]byte, error) {
	tag, value, _, err := firstTLV(body)
	if err != nil {
		return nil, err
	}
	if tag != want {
		return nil, fmt.Errorf("command: expected TLV tag 0x%02X, got 0x%02X", want, tag)
	}
	return value, nil
}
