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

// Package spi binds optiga.Bus to a two-wire OPTIGA over SPI.
package spi

import (
	"fmt"
	"time"

	optiga "github.com/go-optiga/optigatrust"
	"github.com/go-optiga/optigatrust/internal/syncutil"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

const (
	defaultFreq = 1 * physic.MegaHertz
	mode        = spi.Mode0
	bitsPerWord = 8
)

// Bus implements optiga.Bus over periph.io's SPI binding. Unlike the
// PN532's SPI mode, the element is MSB-first, so no bit reversal is needed.
type Bus struct {
	mu       syncutil.Mutex
	port     spi.PortCloser
	conn     spi.Conn
	portName string
}

// New opens portName (e.g. "/dev/spidev0.0") and connects at defaultFreq.
func New(portName string) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("spi: init periph host: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, fmt.Errorf("spi: open port %s: %w", portName, err)
	}
	conn, err := port.Connect(defaultFreq, mode, bitsPerWord)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("spi: connect: %w", err)
	}

	return &Bus{port: port, conn: conn, portName: portName}, nil
}

// Tx performs one full-duplex SPI transaction. The element's SPI register
// protocol, like I2C, prepends the register address to w; reading a
// register is a single Tx(addr, buf) call with a combined write/read phase.
func (b *Bus) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("spi: bus closed")
	}

	if len(r) == 0 {
		if err := b.conn.Tx(w, nil); err != nil {
			return fmt.Errorf("spi: tx on %s: %w", b.portName, err)
		}
		return nil
	}

	// A read phase needs a full-duplex buffer at least as long as the
	// response: shift out w, then zero bytes while shifting in r.
	txBuf := make([]byte, len(w)+len(r))
	copy(txBuf, w)
	rxBuf := make([]byte, len(txBuf))
	if err := b.conn.Tx(txBuf, rxBuf); err != nil {
		return fmt.Errorf("spi: tx on %s: %w", b.portName, err)
	}
	copy(r, rxBuf[len(w):])
	return nil
}

// SetTimeout is a no-op; periph.io's spi.Conn has no per-transaction
// deadline, matching the I2C binding.
func (b *Bus) SetTimeout(time.Duration) error { return nil }

// Close releases the SPI port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	b.conn = nil
	if err != nil {
		return fmt.Errorf("spi: close: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not yet been called.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Type identifies this binding as SPI.
func (*Bus) Type() optiga.BusType { return optiga.BusSPI }

var _ optiga.Bus = (*Bus)(nil)
