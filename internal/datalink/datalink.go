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
	"context"
	"errors"
	"fmt"

	"github.com/go-optiga/optigatrust/internal/bufpool"
)

// DataPort is the physical-layer operations the data-link layer needs.
// internal/phy.PHY satisfies this structurally; datalink never imports
// phy directly so the dispatcher is free to wire either the real PHY or a
// test double.
type DataPort interface {
	WriteData(ctx context.Context, bytes []byte) error
	ReadData(ctx context.Context, buf []byte) (int, error)
	DataRegLen() uint16
}

// ErrSeqDesync is returned when a received DATA frame's sequence number is
// neither the expected next value nor the previously delivered one.
var ErrSeqDesync = errors.New("data-link sequence desynchronised")

// ErrRetriesExhausted is returned when N_DL retransmissions all failed.
var ErrRetriesExhausted = errors.New("data-link retries exhausted")

// DataLink implements stop-and-wait delivery of one frame at a time: at
// most one outstanding frame, piggyback acknowledgement on the next frame
// in the other direction.
type DataLink struct {
	port DataPort

	txSeq       byte
	rxSeq       byte
	lastAckSent byte
	lastTxFrame []byte
	delivered   bool // whether rxSeq-1 was already delivered (for dup detection)

	maxRetries int
}

// New creates a DataLink over port. maxRetries is N_DL from the external
// interface.
func New(port DataPort, maxRetries int) *DataLink {
	return &DataLink{port: port, maxRetries: maxRetries}
}

// Init issues a SYNC control frame and resets sequence counters. Per the
// external interface this is unconditional — dl_init always resyncs,
// it does not attempt to detect whether the peer is already in sync.
func (dl *DataLink) Init(ctx context.Context) error {
	dl.txSeq = 0
	dl.rxSeq = 0
	dl.lastAckSent = 0
	dl.delivered = false

	frame, err := BuildSyncFrame(nil, dl.txSeq, dl.lastAckSent)
	if err != nil {
		return err
	}
	if err := dl.port.WriteData(ctx, frame); err != nil {
		return fmt.Errorf("dl_init: %w", err)
	}
	return nil
}

// Send builds a DATA frame carrying payload and writes it, retaining the
// bytes for retransmission should the round trip's receive side time out
// or fail CRC.
func (dl *DataLink) Send(ctx context.Context, payload []byte) error {
	buf := bufpool.Get(frameOverhead + len(payload))
	frame, err := buildFrame(buf, 0, dl.txSeq, dl.lastAckSent, false, payload)
	if err != nil {
		bufpool.Put(buf)
		return err
	}

	if err := dl.port.WriteData(ctx, frame); err != nil {
		bufpool.Put(buf)
		return fmt.Errorf("dl_send: %w", err)
	}

	dl.lastTxFrame = append(dl.lastTxFrame[:0], frame...)
	dl.txSeq = (dl.txSeq + 1) & fctrSeqMask
	bufpool.Put(buf)
	return nil
}

// Recv reads one frame, consuming and looping past any CONTROL frames,
// validating sequence order, and retransmitting the last frame sent (up
// to maxRetries) on timeout or CRC failure.
func (dl *DataLink) Recv(ctx context.Context) ([]byte, error) {
	var lastErr error
	desyncRetried := false
	for attempt := 0; attempt <= dl.maxRetries; attempt++ {
		payload, err := dl.recvOnce(ctx)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if errors.Is(err, ErrSeqDesync) {
			// SYNC already issued by recvOnce; one extra retry as
			// specified ("retry current round-trip once").
			if desyncRetried || attempt >= dl.maxRetries {
				break
			}
			desyncRetried = true
			continue
		}

		if attempt < dl.maxRetries && dl.lastTxFrame != nil {
			if retxErr := dl.port.WriteData(ctx, dl.lastTxFrame); retxErr != nil {
				return nil, fmt.Errorf("dl retransmit: %w", retxErr)
			}
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

func (dl *DataLink) recvOnce(ctx context.Context) ([]byte, error) {
	for {
		raw := bufpool.Get(int(dl.port.DataRegLen()))
		n, err := dl.port.ReadData(ctx, raw)
		if err != nil {
			bufpool.Put(raw)
			return nil, fmt.Errorf("dl_recv read: %w", err)
		}
		frame, perr := ParseFrame(raw[:n])
		if perr != nil {
			bufpool.Put(raw)
			return nil, fmt.Errorf("dl_recv parse: %w", perr)
		}
		payload := append([]byte(nil), frame.Payload...)
		bufpool.Put(raw)

		if frame.Type == FrameControl {
			if frame.Sync {
				dl.txSeq = 0
				dl.rxSeq = 0
				dl.delivered = false
			}
			continue
		}

		switch {
		case frame.Seq == dl.rxSeq:
			dl.lastAckSent = dl.rxSeq
			dl.rxSeq = (dl.rxSeq + 1) & fctrSeqMask
			dl.delivered = true
			return payload, nil
		case dl.delivered && frame.Seq == (dl.rxSeq-1)&fctrSeqMask:
			// Retransmission of the frame we already delivered: it is
			// dropped and not delivered again. No acknowledgement frame
			// is sent for it; lastAckSent already names it and goes out
			// on the next frame this side sends.
			continue
		default:
			_ = dl.sendSync(ctx)
			return nil, ErrSeqDesync
		}
	}
}

func (dl *DataLink) sendSync(ctx context.Context) error {
	frame, err := BuildSyncFrame(nil, dl.txSeq, dl.lastAckSent)
	if err != nil {
		return err
	}
	return dl.port.WriteData(ctx, frame)
}
