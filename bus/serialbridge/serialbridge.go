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

// Package serialbridge binds optiga.Bus to an OPTIGA reached through a
// USB-UART bridge board that proxies two-wire register transactions: the
// bridge's own tiny framing wraps each Tx so the element's register
// semantics survive a byte stream that has no chip-select of its own.
package serialbridge

import (
	"fmt"
	"time"

	optiga "github.com/go-optiga/optigatrust"
	"github.com/go-optiga/optigatrust/internal/syncutil"
	"go.bug.st/serial"
)

// Bridge frame markers, chosen to be distinguishable from register address
// bytes (0x80-0x88 per internal/phy) so a desynced bridge is detectable.
const (
	bridgeReq  = 0xAA
	bridgeResp = 0x55
)

// Bus implements optiga.Bus over a serial port talking to a bridge MCU.
type Bus struct {
	mu       syncutil.Mutex
	port     serial.Port
	portName string
	timeout  time.Duration
}

// New opens portName (e.g. "/dev/ttyUSB0") at the bridge's fixed baud rate.
func New(portName string) (*Bus, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialbridge: open %s: %w", portName, err)
	}

	timeout := 100 * time.Millisecond
	if err := port.SetReadTimeout(timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialbridge: set read timeout: %w", err)
	}

	return &Bus{port: port, portName: portName, timeout: timeout}, nil
}

// Tx wraps w/r in the bridge's request/response frame and round-trips it:
// [bridgeReq, len(w) u16 BE, w..., len(r) u16 BE] -> [bridgeResp, r...].
func (b *Bus) Tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return fmt.Errorf("serialbridge: port closed")
	}

	req := make([]byte, 0, 5+len(w))
	req = append(req, bridgeReq, byte(len(w)>>8), byte(len(w)))
	req = append(req, w...)
	req = append(req, byte(len(r)>>8), byte(len(r)))

	n, err := b.port.Write(req)
	if err != nil {
		return fmt.Errorf("serialbridge: write: %w", err)
	}
	if n != len(req) {
		return fmt.Errorf("serialbridge: short write: wrote %d of %d bytes", n, len(req))
	}

	if len(r) == 0 {
		return b.readAck()
	}
	return b.readResponse(r)
}

// readAck consumes the one-byte bridgeResp acknowledgement for a write-only
// transaction.
func (b *Bus) readAck() error {
	ack := make([]byte, 1)
	if err := b.readFull(ack); err != nil {
		return fmt.Errorf("serialbridge: read ack: %w", err)
	}
	if ack[0] != bridgeResp {
		return fmt.Errorf("serialbridge: unexpected ack byte %#02x", ack[0])
	}
	return nil
}

// readResponse reads the bridgeResp marker followed by exactly len(r) bytes.
func (b *Bus) readResponse(r []byte) error {
	header := make([]byte, 1)
	if err := b.readFull(header); err != nil {
		return fmt.Errorf("serialbridge: read response marker: %w", err)
	}
	if header[0] != bridgeResp {
		return fmt.Errorf("serialbridge: unexpected response marker %#02x", header[0])
	}
	if err := b.readFull(r); err != nil {
		return fmt.Errorf("serialbridge: read response body: %w", err)
	}
	return nil
}

// readFull reads exactly len(buf) bytes, retrying short reads the way the
// serial port's timeout-bounded Read can produce them.
func (b *Bus) readFull(buf []byte) error {
	deadline := time.Now().Add(b.timeout * time.Duration(len(buf)+1))
	got := 0
	for got < len(buf) {
		n, err := b.port.Read(buf[got:])
		if err != nil {
			return err
		}
		got += n
		if n == 0 && time.Now().After(deadline) {
			return fmt.Errorf("timed out after %d of %d bytes", got, len(buf))
		}
	}
	return nil
}

// SetTimeout rebinds the serial port's read timeout.
func (b *Bus) SetTimeout(timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return fmt.Errorf("serialbridge: port closed")
	}
	if err := b.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("serialbridge: set read timeout: %w", err)
	}
	b.timeout = timeout
	return nil
}

// Close closes the serial port.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	if err != nil {
		return fmt.Errorf("serialbridge: close: %w", err)
	}
	return nil
}

// IsConnected reports whether Close has not yet been called.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port != nil
}

// Type identifies this binding as a serial bridge.
func (*Bus) Type() optiga.BusType { return optiga.BusSerial }

var _ optiga.Bus = (*Bus)(nil)
