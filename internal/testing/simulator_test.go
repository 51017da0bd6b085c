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

package testing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-optiga/optigatrust/internal/phy"
)

func TestVirtualOptiga_SoftResetSucceeds(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	require.NoError(t, vo.Tx([]byte{phy.RegSoftReset}, nil))
}

func TestVirtualOptiga_DataLenReadReportsConfiguredValue(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	buf := make([]byte, 2)
	require.NoError(t, vo.Tx([]byte{phy.RegDataLen}, buf))
	assert.Equal(t, byte(0x00), buf[0])
	assert.Equal(t, byte(0x40), buf[1])
}

func TestVirtualOptiga_AlwaysNACKFailsEveryTx(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	vo.SetAlwaysNACK(true)
	err := vo.Tx([]byte{phy.RegStatus}, make([]byte, 1))
	require.Error(t, err)
}

func TestVirtualOptiga_UnknownRegisterIsAnError(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	err := vo.Tx([]byte{0xEE}, nil)
	require.Error(t, err)
}

func TestVirtualOptiga_DefaultHandler_OpenApplication(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	apdu := make([]byte, 20)
	apdu[0] = 0xF0
	resp := vo.DefaultHandler(apdu)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, resp)
}

func TestVirtualOptiga_DefaultHandler_ChipIDQuery(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	apdu := []byte{0x81, 0x00, 0x00, 0x00, 0xE0, 0xC2}
	resp := vo.DefaultHandler(apdu)
	require.Len(t, resp, 4+27)
	assert.Equal(t, byte(0x00), resp[0])
}

func TestVirtualOptiga_DefaultHandler_UnknownEchoesZeroStatus(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	resp := vo.DefaultHandler([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00}, resp)
}

func TestVirtualOptiga_CorruptNextResponseStatusAffectsNextHandlerCall(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	vo.CorruptNextResponseStatus(0x2A)
	resp := vo.DefaultHandler([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Equal(t, byte(0x2A), resp[0])

	// The override is consumed; the next call is unaffected.
	resp = vo.DefaultHandler([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	assert.Equal(t, byte(0x00), resp[0])
}

func TestVirtualOptiga_CorruptNextResponseStatus_GetErrorCodeReturnsIt(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	vo.CorruptNextResponseStatus(0x37)
	_ = vo.DefaultHandler([]byte{0x01, 0x02, 0x03, 0x04, 0x05})

	errCodeQuery := []byte{0x01, 0x00, 0x00, 0x00, 0xF1, 0xC2, 0x00, 0x00, 0x00, 0x01}
	resp := vo.DefaultHandler(errCodeQuery)
	require.Len(t, resp, 5)
	assert.Equal(t, byte(0x37), resp[4])
}

func TestVirtualOptiga_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	require.NoError(t, vo.Close())
	require.NoError(t, vo.Close())
}

func TestVirtualOptiga_TypeReportsMock(t *testing.T) {
	t.Parallel()

	vo := NewVirtualOptiga(0x40, nil)
	t.Cleanup(func() { _ = vo.Close() })

	assert.Equal(t, "mock", string(vo.Type()))
}
