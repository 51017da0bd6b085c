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

// Package testing provides VirtualOptiga, a wire-level simulator of the
// secure element's register model. It runs the real internal/datalink
// and internal/apdutransport code on the "device" side of the wire too,
// so tests exercise the actual framing/sequencing/fragmentation logic
// end to end rather than a hand-rolled stand-in.
package testing

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	optiga "github.com/go-optiga/optigatrust"
	"github.com/go-optiga/optigatrust/internal/apdutransport"
	"github.com/go-optiga/optigatrust/internal/datalink"
	"github.com/go-optiga/optigatrust/internal/phy"
	"github.com/go-optiga/optigatrust/internal/syncutil"
)

// ResponderFunc computes a device response APDU for a received host APDU.
type ResponderFunc func(apdu []byte) []byte

var _ optiga.Bus = (*VirtualOptiga)(nil)

// VirtualOptiga simulates the element's PHY register file over a Bus-
// shaped Tx(w, r []byte) error, backed by a device-side data-link/
// transport stack running in its own goroutine.
type VirtualOptiga struct {
	mu         syncutil.Mutex
	dataRegLen uint16

	hostToDevice chan []byte
	deviceToHost chan []byte
	dataAvail    atomic.Bool

	alwaysNACK    atomic.Bool
	corruptCRCN   atomic.Int32
	pendingLen    atomic.Uint32
	statusOverride *byte
	lastErrorCode byte

	handler ResponderFunc
	devicePort *devicePort
	deviceDL   *datalink.DataLink
	deviceNT   *apdutransport.NT

	closeOnce sync.Once
	stopCh    chan struct{}
}

// NewVirtualOptiga creates a simulator with the given DATA_REG_LEN and
// starts its device-side server loop. handler may be nil to use
// DefaultHandler, which answers the fixed OpenApplication/GetErrorCode/
// ChipID scenarios and answers anything else with an empty success.
func NewVirtualOptiga(dataRegLen uint16, handler ResponderFunc) *VirtualOptiga {
	vo := &VirtualOptiga{
		dataRegLen:   dataRegLen,
		hostToDevice: make(chan []byte, 1),
		deviceToHost: make(chan []byte, 1),
		handler:      handler,
		stopCh:       make(chan struct{}),
	}
	if vo.handler == nil {
		vo.handler = vo.DefaultHandler
	}

	vo.devicePort = &devicePort{vo: vo}
	vo.deviceDL = datalink.New(vo.devicePort, 3)
	vo.deviceNT = apdutransport.New(vo.deviceDL, datalink.MaxPayload(int(dataRegLen))-1)

	go vo.serve()
	return vo
}

// Close stops the device-side server loop.
func (vo *VirtualOptiga) Close() error {
	vo.closeOnce.Do(func() { close(vo.stopCh) })
	return nil
}

// SetTimeout is a no-op: the simulator's channels never block indefinitely
// in test use, so there is no deadline to plumb through.
func (vo *VirtualOptiga) SetTimeout(time.Duration) error { return nil }

// IsConnected always reports true; the simulator has no notion of a
// disconnected peer short of Close, after which it should not be used.
func (vo *VirtualOptiga) IsConnected() bool { return true }

// Type reports optiga.BusMock so logging identifies traffic as simulated.
func (vo *VirtualOptiga) Type() optiga.BusType { return optiga.BusMock }

func (vo *VirtualOptiga) serve() {
	ctx := context.Background()
	recvBuf := make([]byte, 4096)
	for {
		select {
		case <-vo.stopCh:
			return
		default:
		}
		apdu, err := vo.deviceNT.Recv(ctx, recvBuf)
		if err != nil {
			continue
		}
		resp := vo.handler(append([]byte(nil), apdu...))
		_ = vo.deviceNT.Send(ctx, resp)
	}
}

// devicePort adapts VirtualOptiga's channels to datalink.DataPort, playing
// the role internal/phy.PHY plays on the host side.
type devicePort struct {
	vo *VirtualOptiga
}

func (p *devicePort) DataRegLen() uint16 { return p.vo.dataRegLen }

func (p *devicePort) WriteData(ctx context.Context, bytes []byte) error {
	frame := append([]byte(nil), bytes...)
	if n := p.vo.corruptCRCN.Load(); n > 0 {
		p.vo.corruptCRCN.Add(-1)
		frame[len(frame)-1] ^= 0xFF
	}
	select {
	case p.vo.deviceToHost <- frame:
		p.vo.pendingLen.Store(uint32(len(frame)))
		p.vo.dataAvail.Store(true)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *devicePort) ReadData(ctx context.Context, buf []byte) (int, error) {
	select {
	case frame := <-p.vo.hostToDevice:
		return copy(buf, frame), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Tx implements the Bus interface the real PHY layer is built on.
func (vo *VirtualOptiga) Tx(w, r []byte) error {
	if vo.alwaysNACK.Load() {
		return fmt.Errorf("virtualoptiga: NACK (fault injected)")
	}
	if len(w) == 0 {
		return nil
	}

	switch addr := w[0]; addr {
	case phy.RegSoftReset:
		return vo.handleSoftReset()
	case phy.RegDataLen:
		return vo.handleDataLenRead(r)
	case phy.RegStatus:
		return vo.handleStatusRead(r)
	case phy.RegData:
		if len(r) == 0 {
			return vo.handleDataWrite(w[1:])
		}
		return vo.handleDataRead(r)
	default:
		return fmt.Errorf("virtualoptiga: unknown register %#02x", addr)
	}
}

func drainBytesChan(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (vo *VirtualOptiga) handleSoftReset() error {
	vo.mu.Lock()
	defer vo.mu.Unlock()
	drainBytesChan(vo.hostToDevice)
	drainBytesChan(vo.deviceToHost)
	vo.dataAvail.Store(false)
	return nil
}

func (vo *VirtualOptiga) handleDataLenRead(r []byte) error {
	vo.mu.Lock()
	n := vo.dataRegLen
	vo.mu.Unlock()
	if len(r) < 2 {
		return fmt.Errorf("virtualoptiga: DATA_REG_LEN read buffer too small")
	}
	binary.BigEndian.PutUint16(r, n)
	return nil
}

// handleStatusRead fills the 4-byte I2C_STATE register: byte 0 carries
// the busy/data-available flags, bytes 2-3 carry the big-endian length of
// the frame currently waiting in the data register (0 if none).
func (vo *VirtualOptiga) handleStatusRead(r []byte) error {
	if len(r) < 4 {
		return fmt.Errorf("virtualoptiga: status read buffer too small")
	}
	var status byte
	var length uint32
	if vo.dataAvail.Load() {
		status |= 0x02
		length = vo.pendingLen.Load()
	}
	r[0] = status
	r[1] = 0
	binary.BigEndian.PutUint16(r[2:4], uint16(length))
	return nil
}

func (vo *VirtualOptiga) handleDataWrite(frame []byte) error {
	select {
	case vo.hostToDevice <- append([]byte(nil), frame...):
		return nil
	default:
		return fmt.Errorf("virtualoptiga: device FIFO full")
	}
}

func (vo *VirtualOptiga) handleDataRead(r []byte) error {
	select {
	case frame := <-vo.deviceToHost:
		vo.dataAvail.Store(false)
		copy(r, frame)
		return nil
	default:
		return fmt.Errorf("virtualoptiga: no data available")
	}
}

// SetAlwaysNACK makes every Tx fail, simulating a peer that never
// acknowledges a register transaction.
func (vo *VirtualOptiga) SetAlwaysNACK(on bool) { vo.alwaysNACK.Store(on) }

// CorruptNextFrames flips the FCS of the next n frames the device sends,
// forcing the host's data-link layer to detect a CRC mismatch.
func (vo *VirtualOptiga) CorruptNextFrames(n int) { vo.corruptCRCN.Store(int32(n)) }

// CorruptNextResponseStatus arranges for the next APDU response's status
// byte to be overwritten with code, and for a subsequent GetErrorCode
// query to return it.
func (vo *VirtualOptiga) CorruptNextResponseStatus(code byte) {
	vo.mu.Lock()
	defer vo.mu.Unlock()
	c := code
	vo.statusOverride = &c
}

// DefaultHandler answers the fixed OpenApplication and GetErrorCode
// exchanges and a literal ChipID request; anything else gets the fixed
// response {0x00, 0x00, 0x00, 0x00} (zero status, zero length, nothing
// echoed) so generic round-trip tests have
// something deterministic to assert on.
func (vo *VirtualOptiga) DefaultHandler(apdu []byte) []byte {
	var resp []byte
	switch {
	case isOpenApplication(apdu):
		resp = []byte{0x00, 0x00, 0x00, 0x00}
	case isGetErrorCode(apdu):
		vo.mu.Lock()
		code := vo.lastErrorCode
		vo.mu.Unlock()
		resp = []byte{0x00, 0x00, 0x00, 0x01, code}
	case isChipIDQuery(apdu):
		body := make([]byte, 27)
		for i := range body {
			body[i] = byte(i)
		}
		resp = append([]byte{0x00, 0x00, 0x00, 0x1B}, body...)
	default:
		resp = []byte{0x00, 0x00, 0x00, 0x00}
	}

	vo.mu.Lock()
	if vo.statusOverride != nil && !isGetErrorCode(apdu) {
		resp[0] = *vo.statusOverride
		vo.lastErrorCode = *vo.statusOverride
		vo.statusOverride = nil
	}
	vo.mu.Unlock()
	return resp
}

func isOpenApplication(apdu []byte) bool {
	return len(apdu) == 20 && apdu[0] == 0xF0
}

func isGetErrorCode(apdu []byte) bool {
	return len(apdu) == 10 && apdu[0] == 0x01 && apdu[4] == 0xF1 && apdu[5] == 0xC2
}

func isChipIDQuery(apdu []byte) bool {
	return len(apdu) == 6 && apdu[0] == 0x81 && apdu[4] == 0xE0 && apdu[5] == 0xC2
}
