// Copyright © 2015 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package protocol implements the Semtech UDP Packet Forwarder wire format:
// header classification, acknowledgement framing, and gateway identifiers.
//
// This package relies on the SemTech Protocol accessible on github:
// https://github.com/TheThingsNetwork/packet_forwarder/blob/master/PROTOCOL.TXT
package protocol

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

// ProtocolVersion is the first byte of every Semtech UDP frame. The
// multiplexer never rewrites this byte; it only ever echoes back
// whatever version the gateway sent.
type ProtocolVersion byte

// Supported protocol versions.
const (
	V1 ProtocolVersion = 0x01
	V2 ProtocolVersion = 0x02
)

// PacketType identifies the Semtech UDP message kind, found at offset 3 of
// every frame.
type PacketType byte

// Available packet types.
const (
	PushData PacketType = 0x00 // Sent by the gateway for an uplink message with data
	PushAck  PacketType = 0x01 // Sent by the gateway's recipient in response to a PUSH_DATA
	PullData PacketType = 0x02 // Sent periodically by the gateway to keep a connection open
	PullResp PacketType = 0x03 // Sent by the gateway's recipient to transmit data back to the gateway
	PullAck  PacketType = 0x04 // Sent by the gateway's recipient in response to a PULL_DATA
	TxAck    PacketType = 0x05 // Sent by the gateway in response to a PULL_RESP
)

func (t PacketType) String() string {
	switch t {
	case PushData:
		return "PUSH_DATA"
	case PushAck:
		return "PUSH_ACK"
	case PullData:
		return "PULL_DATA"
	case PullResp:
		return "PULL_RESP"
	case PullAck:
		return "PULL_ACK"
	case TxAck:
		return "TX_ACK"
	default:
		return "UNKNOWN"
	}
}

// Upstream reports whether frames of this type carry a GatewayId at bytes
// 4-11 (PUSH_DATA, PULL_DATA, TX_ACK do; PULL_RESP does not, and the ack
// types carry no body at all).
func (t PacketType) Upstream() bool {
	switch t {
	case PushData, PullData, TxAck:
		return true
	default:
		return false
	}
}

// GatewayId is the fixed 8-byte gateway identifier carried in upstream
// frames. It is compared for equality bytewise and rendered lowercase hex.
type GatewayId [8]byte

// String renders the GatewayId as lowercase hex, e.g. "0102030405060708".
func (g GatewayId) String() string {
	return hex.EncodeToString(g[:])
}

// Header is the result of classifying a raw Semtech UDP datagram: the
// common fields present on every frame, plus the GatewayId when present.
type Header struct {
	Version    ProtocolVersion
	Token      uint16
	Type       PacketType
	GatewayId  GatewayId
	HasGateway bool
}

// DecodeError reports a malformed Semtech UDP frame.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "semtech: decode error: " + e.Reason
}

func decodeErrorf(format string, args ...interface{}) error {
	return &DecodeError{Reason: errors.Errorf(format, args...).Error()}
}

// Classify parses the common 4-or-12-byte header of a Semtech UDP frame.
// It requires at least 4 bytes and fails with a *DecodeError when the
// frame is too short or the type octet is not one of the six known types.
// Upstream types (PUSH_DATA, PULL_DATA, TX_ACK) additionally require at
// least 12 bytes to include the GatewayId.
func Classify(raw []byte) (Header, error) {
	var h Header

	if len(raw) < 4 {
		return h, decodeErrorf("at least 4 bytes are required, got %d", len(raw))
	}

	switch ProtocolVersion(raw[0]) {
	case V1, V2:
		h.Version = ProtocolVersion(raw[0])
	default:
		return h, decodeErrorf("unrecognized protocol version 0x%02x", raw[0])
	}

	h.Token = binary.BigEndian.Uint16(raw[1:3])

	switch PacketType(raw[3]) {
	case PushData, PushAck, PullData, PullResp, PullAck, TxAck:
		h.Type = PacketType(raw[3])
	default:
		return h, decodeErrorf("unrecognized packet type 0x%02x", raw[3])
	}

	if h.Type.Upstream() {
		if len(raw) < 12 {
			return h, decodeErrorf("%s requires at least 12 bytes, got %d", h.Type, len(raw))
		}
		copy(h.GatewayId[:], raw[4:12])
		h.HasGateway = true
	}

	return h, nil
}

// ExtractRandomToken reads the big-endian 16-bit random token from bytes
// 1-2 of a frame without validating the rest of the header.
func ExtractRandomToken(raw []byte) (uint16, error) {
	if len(raw) < 3 {
		return 0, decodeErrorf("at least 3 bytes are required, got %d", len(raw))
	}
	return binary.BigEndian.Uint16(raw[1:3]), nil
}

// AckFor builds the 4-byte acknowledgement frame for a PUSH_DATA or
// PULL_DATA request: [version, token_hi, token_lo, ackType]. Version and
// token are copied verbatim from the request.
func AckFor(request []byte, ackType PacketType) ([]byte, error) {
	if len(request) < 3 {
		return nil, decodeErrorf("at least 3 bytes are required, got %d", len(request))
	}
	return []byte{request[0], request[1], request[2], byte(ackType)}, nil
}

// HeaderBytes renders h back into the leading header bytes of a frame (4
// bytes for frames without a gateway id, 12 bytes for upstream frames).
// Callers append the JSON payload, if any, themselves.
func (h Header) HeaderBytes() []byte {
	tok := make([]byte, 2)
	binary.BigEndian.PutUint16(tok, h.Token)

	out := make([]byte, 0, 12)
	out = append(out, byte(h.Version), tok[0], tok[1], byte(h.Type))
	if h.HasGateway {
		out = append(out, h.GatewayId[:]...)
	}
	return out
}
