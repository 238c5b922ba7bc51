package sample

import (
	"encoding/binary"
	"fmt"
	"math"
)

// UBX NAV-RELPOSNED identifiers.
const (
	ClassNAV        byte = 0x01
	IDRelPosNED     byte = 0x3C
	relposLenV0          = 40
	relposLenV1          = 64
	flagFixOK            = 1 << 0
	flagRelPosValid      = 1 << 2
)

// IsRelPosNED reports whether class and id identify NAV-RELPOSNED.
func IsRelPosNED(class, id byte) bool {
	return class == ClassNAV && id == IDRelPosNED
}

// DecodeRelPosNED extracts a Position from a NAV-RELPOSNED payload. Both the
// 40-byte version 0 and 64-byte version 1 layouts are accepted. The fix is
// valid when the receiver reports gnssFixOK and relPosValid.
func DecodeRelPosNED(payload []byte) (Position, error) {
	var hp, acc, flags int
	switch {
	case len(payload) == relposLenV0 && payload[0] == 0x00:
		hp, acc, flags = 20, 24, 36
	case len(payload) == relposLenV1 && payload[0] == 0x01:
		hp, acc, flags = 32, 36, 60
	default:
		return Position{}, fmt.Errorf("relposned: unsupported payload (version %d, %d bytes)", versionOf(payload), len(payload))
	}

	le := binary.LittleEndian
	p := Position{ITOW: int64(le.Uint32(payload[4:]))}
	for i := 0; i < 3; i++ {
		cm := int32(le.Uint32(payload[8+4*i:]))
		tenthMM := int8(payload[hp+i])
		p.Rel[i] = float64(cm)*0.01 + float64(tenthMM)*0.0001
		p.Acc[i] = float64(le.Uint32(payload[acc+4*i:])) * 0.0001
	}
	f := le.Uint32(payload[flags:])
	p.Valid = f&flagFixOK != 0 && f&flagRelPosValid != 0
	return p, nil
}

func versionOf(payload []byte) int {
	if len(payload) == 0 {
		return -1
	}
	return int(payload[0])
}

// EncodeRelPosNED renders p as a version 1 NAV-RELPOSNED payload, to 0.1 mm
// resolution.
func EncodeRelPosNED(p Position) []byte {
	out := make([]byte, relposLenV1)
	le := binary.LittleEndian
	out[0] = 0x01
	le.PutUint32(out[4:], uint32(p.ITOW))
	for i := 0; i < 3; i++ {
		tenths := int64(math.Round(p.Rel[i] * 10000))
		cm := tenths / 100
		le.PutUint32(out[8+4*i:], uint32(int32(cm)))
		out[32+i] = byte(int8(tenths - cm*100))
		le.PutUint32(out[36+4*i:], uint32(math.Round(p.Acc[i]*10000)))
	}
	var flags uint32
	if p.Valid {
		flags = flagFixOK | flagRelPosValid
	}
	le.PutUint32(out[60:], flags)
	return out
}
