// Package wire encodes and decodes the fixed-size byte layouts carried over
// the air: PVN public variables (spec §3, §6) and the RSU envelope/ACK
// frames (spec §6). All multi-byte fields are little-endian, matching the
// reference platform; every node in a deployment must agree on this.
package wire

import "encoding/binary"

// Sentinel values from spec §3.
const (
	UndefinedID  uint16 = 0
	RootParentID uint16 = 0xFFFF
	UnknownDist  uint8  = 0xFF
	RootChildren uint8  = 0xFF
)

// PlainVariable is the 4-byte plain-variant public variable: (u8, u16, u8).
type PlainVariable struct {
	DistanceToRoot uint8
	ParentID       uint16
	ChildrenCount  uint8
}

// PlainSize is size_of_variable for the plain variant.
const PlainSize = 4

// Encode writes v's wire representation into a fresh 4-byte slice.
func (v PlainVariable) Encode() []byte {
	b := make([]byte, PlainSize)
	b[0] = v.DistanceToRoot
	binary.LittleEndian.PutUint16(b[1:3], v.ParentID)
	b[3] = v.ChildrenCount
	return b
}

// DecodePlainVariable parses a 4-byte plain public variable.
func DecodePlainVariable(b []byte) (PlainVariable, bool) {
	if len(b) != PlainSize {
		return PlainVariable{}, false
	}
	return PlainVariable{
		DistanceToRoot: b[0],
		ParentID:       binary.LittleEndian.Uint16(b[1:3]),
		ChildrenCount:  b[3],
	}, true
}

// EnergyTier mirrors the EA variant's energy_state enum.
type EnergyTier uint8

const (
	EnergyUndefined EnergyTier = 0
	EnergyHigh      EnergyTier = 1
	EnergyMiddle    EnergyTier = 2
	EnergyLow       EnergyTier = 3
)

// EAVariable is the 8-byte energy-aware public variable:
// (u8, u8, u8, u16, u8, u8) — DistHigh, DistMiddle, DistLow, ParentID,
// ChildrenCount, EnergyState.
type EAVariable struct {
	DistHigh      uint8
	DistMiddle    uint8
	DistLow       uint8
	ParentID      uint16
	ChildrenCount uint8
	EnergyState   EnergyTier
}

// EASize is size_of_variable for the energy-aware variant.
const EASize = 8

func (v EAVariable) Encode() []byte {
	b := make([]byte, EASize)
	b[0] = v.DistHigh
	b[1] = v.DistMiddle
	b[2] = v.DistLow
	binary.LittleEndian.PutUint16(b[3:5], v.ParentID)
	b[5] = v.ChildrenCount
	b[6] = uint8(v.EnergyState)
	// b[7] is implementation-defined padding; zeroed for cross-node agreement.
	return b
}

func DecodeEAVariable(b []byte) (EAVariable, bool) {
	if len(b) != EASize {
		return EAVariable{}, false
	}
	return EAVariable{
		DistHigh:      b[0],
		DistMiddle:    b[1],
		DistLow:       b[2],
		ParentID:      binary.LittleEndian.Uint16(b[3:5]),
		ChildrenCount: b[5],
		EnergyState:   EnergyTier(b[6]),
	}, true
}

// AckByte is the RSU ACK payload: a single literal byte 'A'.
const AckByte byte = 'A'

// EncodeEnvelope prepends a one-byte sequence number to payload.
func EncodeEnvelope(seqNo uint8, payload []byte) []byte {
	env := make([]byte, 1+len(payload))
	env[0] = seqNo
	copy(env[1:], payload)
	return env
}

// DecodeEnvelope splits an RSU data frame into its sequence number and
// application payload. ok is false for an empty frame.
func DecodeEnvelope(frame []byte) (seqNo uint8, payload []byte, ok bool) {
	if len(frame) < 1 {
		return 0, nil, false
	}
	return frame[0], frame[1:], true
}
