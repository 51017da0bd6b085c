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

package datalink

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16_EmptyInput(t *testing.T) {
	t.Parallel()
	assert.Equal(t, uint16(0), CRC16(nil))
}

func TestCRC16_KnownVector(t *testing.T) {
	t.Parallel()
	// "123456789" is the standard CRC-16/XMODEM check value (init 0x0000,
	// poly 0x1021, no reflection, no final XOR) — the variant this
	// implementation computes, not CRC-16/CCITT-FALSE (init 0xFFFF).
	got := CRC16([]byte("123456789"))
	assert.Equal(t, uint16(0x31C3), got)
}

func TestVerifyCRC16_RoundTrip(t *testing.T) {
	t.Parallel()

	body := []byte{0x00, 0x00, 0x03, 0xAA, 0xBB, 0xCC}
	crc := CRC16(body)
	framed := append(append([]byte{}, body...), byte(crc>>8), byte(crc))

	assert.True(t, VerifyCRC16(framed))
}

func TestVerifyCRC16_DetectsCorruption(t *testing.T) {
	t.Parallel()

	body := []byte{0x00, 0x00, 0x03, 0xAA, 0xBB, 0xCC}
	crc := CRC16(body)
	framed := append(append([]byte{}, body...), byte(crc>>8), byte(crc))
	framed[2] ^= 0xFF

	assert.False(t, VerifyCRC16(framed))
}

func TestVerifyCRC16_TooShort(t *testing.T) {
	t.Parallel()
	assert.False(t, VerifyCRC16([]byte{0x01}))
}
