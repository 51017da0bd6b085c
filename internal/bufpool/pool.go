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

// Package bufpool provides reusable byte slices for the hot paths of frame
// processing, used by internal/datalink so that one
// round trip allocates at most a handful of times regardless of how many
// frames it takes.
package bufpool

import "sync"

// Size thresholds for buffer categories. FrameBufferSize fits the largest
// data-link frame the core will ever build: 5-byte header + 0xFFFF payload
// would blow this, but DATA_REG_LEN is realistically in the low hundreds;
// requests above LargeBufferSize simply bypass the pool.
const (
	SmallBufferSize  = 16
	MediumBufferSize = 255
	FrameBufferSize  = 270
	LargeBufferSize  = 2048
)

// Pool manages reusable byte slices bucketed by size class.
type Pool struct {
	small  sync.Pool
	medium sync.Pool
	frame  sync.Pool
	large  sync.Pool
}

// Default is the package-wide pool; most callers use the package-level
// helpers below rather than constructing their own Pool.
var Default = New()

// New creates a Pool with its size classes pre-wired.
func New() *Pool {
	return &Pool{
		small:  sync.Pool{New: func() any { b := make([]byte, SmallBufferSize); return &b }},
		medium: sync.Pool{New: func() any { b := make([]byte, MediumBufferSize); return &b }},
		frame:  sync.Pool{New: func() any { b := make([]byte, FrameBufferSize); return &b }},
		large:  sync.Pool{New: func() any { b := make([]byte, LargeBufferSize); return &b }},
	}
}

// Get returns a buffer of at least size bytes. Return it with Put when done.
func (p *Pool) Get(size int) []byte {
	switch {
	case size <= SmallBufferSize:
		return get(&p.small, size)
	case size <= MediumBufferSize:
		return get(&p.medium, size)
	case size <= FrameBufferSize:
		return get(&p.frame, size)
	case size <= LargeBufferSize:
		return get(&p.large, size)
	default:
		return make([]byte, size)
	}
}

func get(pool *sync.Pool, size int) []byte {
	bufPtr, ok := pool.Get().(*[]byte)
	if !ok {
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// Put returns buf to the pool it was drawn from, zeroing it first since
// APDU bodies may carry key material or signatures.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	for i := range buf {
		buf[i] = 0
	}

	switch cap(buf) {
	case SmallBufferSize:
		full := buf[:SmallBufferSize]
		p.small.Put(&full)
	case MediumBufferSize:
		full := buf[:MediumBufferSize]
		p.medium.Put(&full)
	case FrameBufferSize:
		full := buf[:FrameBufferSize]
		p.frame.Put(&full)
	case LargeBufferSize:
		full := buf[:LargeBufferSize]
		p.large.Put(&full)
	default:
		// Directly allocated oversized buffer; let GC reclaim it.
	}
}

// Get acquires a buffer from the default pool.
func Get(size int) []byte { return Default.Get(size) }

// Put returns a buffer to the default pool.
func Put(buf []byte) { Default.Put(buf) }
