// Package filter implements the LoRaWAN frame filter: it parses just
// enough of a raw PHYPayload to extract a DevAddr (data uplinks) or a
// JoinEUI (join requests) and matches those against prefix rules,
// following the MHDR layout described in github.com/brocaar/lorawan.
package filter

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// MType is the 3-bit message type occupying bits 7..5 of a PHYPayload's
// first octet.
type MType byte

// Message types relevant to filtering. Only JoinRequest and the data
// types are distinguished; everything else (JoinAccept, RejoinRequest,
// Proprietary) is treated as "other".
const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RejoinRequest
	Proprietary
)

func (m MType) isData() bool {
	switch m {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		return true
	default:
		return false
	}
}

// Prefix is a (value, bit-length) pair matched against the high bits of a
// DevAddr (up to 32 bits) or JoinEUI (up to 64 bits).
type Prefix struct {
	Value  uint64
	Length uint8 // 0-32 for DevAddr prefixes, 0-64 for JoinEUI prefixes
}

// Matches reports whether the high p.Length bits of x equal the high
// p.Length bits of p.Value (MSB-first, unsigned). A zero-length prefix
// matches everything.
func (p Prefix) Matches(x uint64, bits uint8) bool {
	if p.Length == 0 {
		return true
	}
	shift := bits - p.Length
	mask := (uint64(1)<<p.Length - 1) << shift
	return (p.Value & mask) == (x & mask)
}

// String renders the prefix in "hex/bits" form, matching the
// configuration syntax from spec.md §6.
func (p Prefix) String() string {
	return fmt.Sprintf("%x/%d", p.Value, p.Length)
}

// Set is the per-server filter configuration: two prefix lists combined
// with OR within each list, and AND between the two lists (an empty list
// is treated as "matches everything").
type Set struct {
	DevAddrPrefixes []Prefix // matched against 32-bit DevAddr
	JoinEUIPrefixes []Prefix // matched against 64-bit JoinEUI
}

// Matches decodes just enough of phy to classify it and decides whether
// it satisfies s. An empty payload never matches, nor does a Join Request
// or data frame too short to hold its JoinEUI or DevAddr. Join Accept
// and any other uplink-direction MType not explicitly handled here match
// only when both prefix lists are empty (the safe default from
// spec.md §9's Open Question).
func (s Set) Matches(phy []byte) bool {
	if len(phy) < 1 {
		return false
	}
	mtype := MType(phy[0] >> 5)

	switch {
	case mtype == JoinRequest:
		if len(phy) < 9 {
			return false
		}
		joinEUI := binary.LittleEndian.Uint64(phy[1:9])
		return matchesAny(s.JoinEUIPrefixes, joinEUI, 64)
	case mtype.isData():
		if len(phy) < 5 {
			return false
		}
		devAddr := uint64(binary.LittleEndian.Uint32(phy[1:5]))
		return matchesAny(s.DevAddrPrefixes, devAddr, 32)
	default:
		return len(s.DevAddrPrefixes) == 0 && len(s.JoinEUIPrefixes) == 0
	}
}

// ParsePrefix parses the "hex/bits" syntax used in configuration files for
// both DevAddr prefixes (maxBits 32) and JoinEUI prefixes (maxBits 64).
func ParsePrefix(s string, maxBits uint8) (Prefix, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return Prefix{}, errors.Errorf("filter: prefix %q must be of the form hex/bits", s)
	}

	value, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return Prefix{}, errors.Wrapf(err, "filter: invalid hex value in prefix %q", s)
	}

	bits, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return Prefix{}, errors.Wrapf(err, "filter: invalid bit length in prefix %q", s)
	}
	if bits > uint64(maxBits) {
		return Prefix{}, errors.Errorf("filter: prefix %q exceeds maximum bit length %d", s, maxBits)
	}

	return Prefix{Value: value, Length: uint8(bits)}, nil
}

// ParseDevAddrPrefix parses a "hex/bits" DevAddr prefix (bits <= 32).
func ParseDevAddrPrefix(s string) (Prefix, error) {
	return ParsePrefix(s, 32)
}

// ParseJoinEUIPrefix parses a "hex/bits" JoinEUI prefix (bits <= 64).
func ParseJoinEUIPrefix(s string) (Prefix, error) {
	return ParsePrefix(s, 64)
}

func matchesAny(prefixes []Prefix, x uint64, bits uint8) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if p.Matches(x, bits) {
			return true
		}
	}
	return false
}
