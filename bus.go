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
	"errors"
	"time"

	"github.com/go-optiga/optigatrust/internal/syncutil"
)

// Bus is the two-wire transaction primitive the PHY layer is built on. It
// is deliberately minimal: one register transaction per call, no framing,
// no retry — all of that lives above in internal/phy. Named Bus rather
// than Transport to keep the term "transport" free for the network/
// transport (NT) layer above the data link.
type Bus interface {
	// Tx performs one register transaction: if w is non-empty it is
	// written to the peer; if r is non-empty it is then filled by
	// reading from the peer. Implementations that need a register
	// select phase before a read do so internally.
	Tx(w, r []byte) error

	// SetTimeout bounds how long a single Tx may block.
	SetTimeout(timeout time.Duration) error

	// Close releases the underlying bus handle.
	Close() error

	// IsConnected reports whether the bus handle still looks usable.
	IsConnected() bool

	// Type identifies the concrete binding, for logging.
	Type() BusType
}

// BusType identifies a concrete Bus implementation.
type BusType string

const (
	BusI2C    BusType = "i2c"
	BusSPI    BusType = "spi"
	BusSerial BusType = "serialbridge"
	BusMock   BusType = "mock"
)

// MockBus is an in-memory Bus for tests that do not need full wire-level
// fidelity (its own tests are in bus_test.go; for wire fidelity, see
// internal/testing.VirtualOptiga). Responses and errors are keyed by the
// register address written as the first byte of w.
type MockBus struct {
	mu        syncutil.Mutex
	responses map[byte][]byte
	errs      map[byte]error
	callCount map[byte]int
	delay     time.Duration
	connected bool
}

// NewMockBus creates a MockBus ready for use.
func NewMockBus() *MockBus {
	return &MockBus{
		responses: make(map[byte][]byte),
		errs:      make(map[byte]error),
		callCount: make(map[byte]int),
		connected: true,
	}
}

func (m *MockBus) Tx(w, r []byte) error {
	m.mu.Lock()
	connected := m.connected
	delay := m.delay
	m.mu.Unlock()

	if !connected {
		return errors.New("mock bus not connected")
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	if len(w) == 0 {
		return nil
	}
	reg := w[0]

	m.mu.Lock()
	m.callCount[reg]++
	err, hasErr := m.errs[reg]
	resp, hasResp := m.responses[reg]
	m.mu.Unlock()

	if hasErr {
		return err
	}
	if len(r) > 0 && hasResp {
		n := copy(r, resp)
		if n < len(r) {
			return errors.New("mock bus response shorter than requested read")
		}
	}
	return nil
}

func (m *MockBus) SetTimeout(time.Duration) error { return nil }

func (m *MockBus) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *MockBus) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (*MockBus) Type() BusType { return BusMock }

// SetResponse configures the bytes returned by a read keyed on register reg.
func (m *MockBus) SetResponse(reg byte, resp []byte) {
	m.mu.Lock()
	m.responses[reg] = resp
	m.mu.Unlock()
}

// SetError injects an error to be returned every time register reg is
// addressed, until ClearError removes it.
func (m *MockBus) SetError(reg byte, err error) {
	m.mu.Lock()
	m.errs[reg] = err
	m.mu.Unlock()
}

// ClearError removes a previously injected error.
func (m *MockBus) ClearError(reg byte) {
	m.mu.Lock()
	delete(m.errs, reg)
	m.mu.Unlock()
}

// SetDelay simulates bus latency on every Tx.
func (m *MockBus) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// CallCount returns how many Tx calls addressed register reg.
func (m *MockBus) CallCount(reg byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[reg]
}

// Reset clears call counts and reconnects the bus.
func (m *MockBus) Reset() {
	m.mu.Lock()
	m.callCount = make(map[byte]int)
	m.connected = true
	m.mu.Unlock()
}
