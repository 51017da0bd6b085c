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

package command

import (
	"context"
	"encoding/binary"
	"fmt"

	optiga "github.com/go-optiga/optigatrust"
)

// Command codes against the element's APDU command set. The core treats
// these as opaque bytes; they are meaningful only to the element and to
// the encoders below.
const (
	cmdGetDataObject = 0x01
	cmdSetDataObject = 0x82
	cmdGetRandom     = 0x0C
	cmdCalcHash      = 0xB1
	cmdCalcSign      = 0xB8
	cmdVerifySign    = 0xB9
	cmdGenKeyPair    = 0xB3
	cmdCalcSSec      = 0xB4
)

// TLV tags carried inside a command body. Scoped per command; the same
// byte value means different things in different bodies.
const (
	tagRandomLength = 0x81
	tagRandomValue  = 0x01

	tagData   = 0x01
	tagDigest = 0x02

	tagOID       = 0x01
	tagAlgorithm = 0x01
	tagKeyUsage  = 0x02
	tagPublicKey = 0x02

	tagSignature      = 0x01
	tagSignatureCheck = 0x03

	tagPeerPublicKey = 0x02
	tagSharedSecret  = 0x01
)

const responseHeaderLen = 4

// buildAPDU lays out the fixed {cmd, param, len_be16} header followed by
// body into a freshly allocated slice.
func buildAPDU(cmd, param byte, body []byte) []byte {
	apdu := make([]byte, responseHeaderLen, responseHeaderLen+len(body))
	apdu[0] = cmd
	apdu[1] = param
	binary.BigEndian.PutUint16(apdu[2:4], uint16(len(body)))
	return append(apdu, body...)
}

// decodeHeader validates a response's {sta, _, outlen_be16} header and
// returns the status byte and the body bytes that follow it.
func decodeHeader(resp []byte) (status byte, body []byte, err error) {
	if len(resp) < responseHeaderLen {
		return 0, nil, fmt.Errorf("command: response shorter than header: %d bytes", len(resp))
	}
	status = resp[0]
	outlen := int(binary.BigEndian.Uint16(resp[2:4]))
	if outlen != len(resp)-responseHeaderLen {
		return status, nil, fmt.Errorf("command: response outlen %d does not match body of %d bytes", outlen, len(resp)-responseHeaderLen)
	}
	return status, resp[responseHeaderLen:], nil
}

// submitAndWait builds a descriptor around tx and a freshly allocated rx
// buffer of rxCap bytes, submits it, waits for completion, and returns
// the response body on success.
func submitAndWait(ctx context.Context, dev *optiga.Device, tx []byte, rxCap int) ([]byte, error) {
	rx := make([]byte, rxCap)
	desc := optiga.NewDescriptor(tx, rx)
	if err := dev.Submit(ctx, desc); err != nil {
		return nil, fmt.Errorf("command: submit: %w", err)
	}
	outcome, err := desc.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("command: wait: %w", err)
	}
	if outcome > 0 {
		return nil, &optiga.ElementError{Command: fmt.Sprintf("cmd=%#02x", tx[0]), ErrorCode: byte(outcome)}
	}
	if outcome < 0 {
		if fatal := dev.FatalError(); fatal != nil {
			return nil, fmt.Errorf("command: transport failure: %w", fatal)
		}
		return nil, fmt.Errorf("command: transport failure: %w", optiga.ErrDead)
	}

	status, body, herr := decodeHeader(desc.Rx[:desc.RxLen])
	if herr != nil {
		return nil, herr
	}
	if status != 0 {
		return nil, fmt.Errorf("command: unexpected non-zero status %#02x despite success outcome", status)
	}
	return body, nil
}

// GetRandom requests n bytes from the element's TRNG/DRNG.
func GetRandom(ctx context.Context, dev *optiga.Device, n uint16) ([]byte, error) {
	if n == 0 {
		return nil, fmt.Errorf("command: GetRandom: n must be > 0")
	}
	lenField := make([]byte, 2)
	binary.BigEndian.PutUint16(lenField, n)
	body := appendTLV(nil, tagRandomLength, lenField)

	tx := buildAPDU(cmdGetRandom, 0x00, body)
	resp, err := submitAndWait(ctx, dev, tx, responseHeaderLen+3+int(n))
	if err != nil {
		return nil, err
	}
	return expectTLV(resp, tagRandomValue)
}

// GetDataObject reads length bytes starting at offset from the data
// object named by oid. length == 0 reads the whole object, up to cap.
func GetDataObject(ctx context.Context, dev *optiga.Device, oid, offset, length uint16) ([]byte, error) {
	body := make([]byte, 6)
	binary.BigEndian.PutUint16(body[0:2], oid)
	binary.BigEndian.PutUint16(body[2:4], offset)
	binary.BigEndian.PutUint16(body[4:6], length)

	rxCap := int(length)
	if rxCap == 0 {
		rxCap = 1700 // receive capacity used when no length is given
	}

	tx := buildAPDU(cmdGetDataObject, 0x00, body)
	return submitAndWait(ctx, dev, tx, responseHeaderLen+rxCap)
}

// SetDataObjectType selects the write semantics of SetDataObject.
type SetDataObjectType byte

const (
	// WriteErase overwrites the object's contents entirely, zero-filling
	// any bytes past the new data's length.
	WriteErase SetDataObjectType = 0x00
	// WriteAppend writes starting at an explicit offset without
	// disturbing surrounding bytes.
	WriteAppend SetDataObjectType = 0x01
	// WriteCountUpdate is used only by Counter: the body is interpreted
	// as a signed increment rather than literal object bytes.
	WriteCountUpdate SetDataObjectType = 0x03
)

// SetDataObject writes data into the object named by oid starting at
// offset, per writeType.
func SetDataObject(ctx context.Context, dev *optiga.Device, oid, offset uint16, data []byte, writeType SetDataObjectType) error {
	body := make([]byte, 4, 4+len(data))
	binary.BigEndian.PutUint16(body[0:2], oid)
	binary.BigEndian.PutUint16(body[2:4], offset)
	body = append(body, data...)

	tx := buildAPDU(cmdSetDataObject, byte(writeType), body)
	_, err := submitAndWait(ctx, dev, tx, responseHeaderLen)
	return err
}

// CalcHash computes the SHA-256 digest of data on the element.
func CalcHash(ctx context.Context, dev *optiga.Device, data []byte) ([32]byte, error) {
	var out [32]byte
	body := appendTLV(nil, tagData, data)
	tx := buildAPDU(cmdCalcHash, 0x00, body)

	resp, err := submitAndWait(ctx, dev, tx, responseHeaderLen+3+32)
	if err != nil {
		return out, err
	}
	digest, err := expectTLV(resp, tagDigest)
	if err != nil {
		return out, err
	}
	if len(digest) != 32 {
		return out, fmt.Errorf("command: CalcHash: digest is %d bytes, want 32", len(digest))
	}
	copy(out[:], digest)
	return out, nil
}

// Curve identifies the key algorithm for GenKeyPair/CalcSign.
type Curve byte

const (
	CurveNISTP256 Curve = 0x03
	CurveNISTP384 Curve = 0x04
	CurveNISTP521 Curve = 0x05
	CurveRSA1024  Curve = 0x41
	CurveRSA2048  Curve = 0x42
)

// KeyUsage flags restrict what an on-chip key may be used for.
type KeyUsage byte

const (
	KeyUsageAuthentication KeyUsage = 0x01
	KeyUsageSignature      KeyUsage = 0x10
	KeyUsageKeyAgreement   KeyUsage = 0x20
)

// maxPublicKeyBytes bounds an RSA-2048 public key's DER encoding with
// headroom; callers needing more should size their own rx buffer via
// submitAndWait directly.
const maxPublicKeyBytes = 320

// GenKeyPair generates a key pair of the given curve/algorithm on the
// element and returns the public key; the private key never leaves the
// element.
func GenKeyPair(ctx context.Context, dev *optiga.Device, curve Curve, usage KeyUsage) ([]byte, error) {
	body := appendTLV(nil, tagAlgorithm, []byte{byte(curve)})
	body = appendTLV(body, tagKeyUsage, []byte{byte(usage)})
	tx := buildAPDU(cmdGenKeyPair, 0x00, body)

	resp, err := submitAndWait(ctx, dev, tx, responseHeaderLen+3+maxPublicKeyBytes)
	if err != nil {
		return nil, err
	}
	return expectTLV(resp, tagPublicKey)
}

const maxSignatureBytes = 320

// CalcSign signs digest with the private key referenced by keyOID,
// returning an ASN.1 DER signature.
func CalcSign(ctx context.Context, dev *optiga.Device, keyOID uint16, digest []byte) ([]byte, error) {
	oidBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(oidBytes, keyOID)
	body := appendTLV(nil, tagOID, oidBytes)
	body = appendTLV(body, tagDigest, digest)
	tx := buildAPDU(cmdCalcSign, 0x00, body)

	resp, err := submitAndWait(ctx, dev, tx, responseHeaderLen+3+maxSignatureBytes)
	if err != nil {
		return nil, err
	}
	return expectTLV(resp, tagSignature)
}

// VerifySign verifies signature over digest using the public key
// referenced by keyOID. A failed verification surfaces as an
// *optiga.ElementError, not a nil signature.
func VerifySign(ctx context.Context, dev *optiga.Device, keyOID uint16, digest, signature []byte) error {
	oidBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(oidBytes, keyOID)
	body := appendTLV(nil, tagOID, oidBytes)
	body = appendTLV(body, tagDigest, digest)
	body = appendTLV(body, tagSignatureCheck, signature)
	tx := buildAPDU(cmdVerifySign, 0x00, body)

	_, err := submitAndWait(ctx, dev, tx, responseHeaderLen)
	return err
}

const maxSharedSecretBytes = 128

// ECDHDeriveSecret derives a shared secret from the element's private key
// referenced by keyOID and peerPublicKey.
func ECDHDeriveSecret(ctx context.Context, dev *optiga.Device, keyOID uint16, peerPublicKey []byte) ([]byte, error) {
	oidBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(oidBytes, keyOID)
	body := appendTLV(nil, tagOID, oidBytes)
	body = appendTLV(body, tagPeerPublicKey, peerPublicKey)
	tx := buildAPDU(cmdCalcSSec, 0x00, body)

	resp, err := submitAndWait(ctx, dev, tx, responseHeaderLen+3+maxSharedSecretBytes)
	if err != nil {
		return nil, err
	}
	return expectTLV(resp, tagSharedSecret)
}

// Counter increments the monotonic counter object named by oid and
// returns its new value. Counters are a thin derivation over
// GetDataObject/SetDataObject rather than a distinct command, matching
// how the element itself models them.
func Counter(ctx context.Context, dev *optiga.Device, oid uint16, increment uint32) (uint32, error) {
	incBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(incBytes, increment)
	if err := SetDataObject(ctx, dev, oid, 0, incBytes, WriteCountUpdate); err != nil {
		return 0, fmt.Errorf("command: Counter: increment: %w", err)
	}

	body, err := GetDataObject(ctx, dev, oid, 0, 4)
	if err != nil {
		return 0, fmt.Errorf("command: Counter: readback: %w", err)
	}
	if len(body) != 4 {
		return 0, fmt.Errorf("command: Counter: readback is %d bytes, want 4", len(body))
	}
	return binary.BigEndian.Uint32(body), nil
}
