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

// Package i2c binds optiga.Bus to a two-wire OPTIGA over Linux I2C.
package i2c

import (
	"fmt"
	"strings"
	"time"

	optiga "github.com/go-optiga/optigatrust"
	"github.com/go-optiga/optigatrust/internal/syncutil"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// optigaAddr is the element's default 7-bit I2C address (datasheet
	// 0x30, already in 7-bit form unlike the PN532's 8-bit 0x48).
	optigaAddr = 0x30

	maxClockFreq = 400 * physic.KiloHertz
)

// Bus implements optiga.Bus over periph.io's I2C binding.
type Bus struct {
	mu      syncutil.Mutex
	dev     *i2c.Dev
	bus     i2c.BusCloser
	busName string
}

// parseI2CPath accepts "/dev/i2c-1:0x30" (detection format) or a bare
// "/dev/i2c-1" bus path.
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// New opens busName (e.g. "/dev/i2c-1") and binds the element's address.
func New(busName string) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("i2c: init periph host: %w", err)
	}

	b, err := i2creg.Open(parseI2CPath(busName))
	if err != nil {
		return nil, fmt.Errorf("i2c: open bus %s: %w", busName, err)
	}
	if err := b.SetSpeed(maxClockFreq); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("i2c: set speed: %w", err)
	}

	return &Bus{
		dev:     &i2c.Dev{Addr: optigaAddr, Bus: b},
		bus:     b,
		busName: busName,
	}, nil
}

// Tx performs one register transaction: write w, then optionally read len(r)
// bytes in the same I2C transaction (periph.io's Tx does both phases without
// releasing the bus between them, matching the element's combined-format
// register protocol).
func (b *Bus) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dev == nil {
		return fmt.Errorf("i2c: bus closed")
	}
	if err := b.dev.Tx(w, r); err != nil {
		return fmt.Errorf("i2c: tx on %s: %w", b.busName, err)
	}
	return nil
}

// SetTimeout is a no-op: periph.io's i2c.Dev has no per-transaction
// deadline, so the bounded retry in internal/phy is what actually limits
// how long a register transaction is allowed to take.
func (b *Bus) SetTimeout(time.Duration) error { return nil }

// Close releases the OS file descriptor backing the I2C bus.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	b.bus = nil
	b.dev = nil
	if err != nil {
		return fmt.Errorf("i2c: close: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not yet been called.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dev != nil
}

// Type identifies this binding as I2C.
func (*Bus) Type() optiga.BusType { return optiga.BusI2C }

var _ optiga.Bus = (*Bus)(nil)
