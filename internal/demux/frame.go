// Package demux splits a raw receiver byte stream into NMEA sentences, UBX
// frames and RTCM3 frames. The three framings are multiplexed on one stream
// and recognised byte by byte, so a corrupted or truncated frame never costs
// more than the bytes of that frame.
package demux

import (
	"encoding/binary"
	"fmt"
)

// Start bytes of the three framings.
const (
	NMEAStart    byte = '$'
	UBXSyncChar1 byte = 0xB5
	UBXSyncChar2 byte = 0x62
	RTCMStart    byte = 0xD3
)

// MaxRTCMPayload is the largest payload the 10-bit RTCM3 length field can carry.
const MaxRTCMPayload = 1023

// Kind identifies the framing of a Frame.
type Kind int

const (
	KindNMEA Kind = iota
	KindUBX
	KindRTCM
)

func (k Kind) String() string {
	switch k {
	case KindNMEA:
		return "nmea"
	case KindUBX:
		return "ubx"
	case KindRTCM:
		return "rtcm"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Frame is one fully delimited, validated protocol unit.
type Frame interface {
	Kind() Kind
	// Encode returns the frame's wire bytes.
	Encode() []byte
}

// NMEA is a text sentence. Sentence holds everything from '$' up to but
// excluding the CR LF terminator.
type NMEA struct {
	Sentence string
}

func (NMEA) Kind() Kind { return KindNMEA }

func (f NMEA) Encode() []byte {
	return []byte(f.Sentence + "\r\n")
}

// UBX is a binary frame: sync chars, class, id, little-endian length,
// payload and the two checksum bytes.
type UBX struct {
	Class   byte
	ID      byte
	Payload []byte
	CkA     byte
	CkB     byte
}

func (UBX) Kind() Kind { return KindUBX }

func (f UBX) Encode() []byte {
	return EncodeUBX(f.Class, f.ID, f.Payload)
}

// RTCM is an RTCM3 transport frame. CRC carries the three trailing bytes as
// received.
type RTCM struct {
	Payload []byte
	CRC     [3]byte
}

func (RTCM) Kind() Kind { return KindRTCM }

// MessageType returns the 12-bit message number at the start of the payload,
// or 0 when the payload is too short to hold one.
func (f RTCM) MessageType() int {
	if len(f.Payload) < 2 {
		return 0
	}
	return int(f.Payload[0])<<4 | int(f.Payload[1])>>4
}

func (f RTCM) Encode() []byte {
	out := make([]byte, 0, len(f.Payload)+6)
	out = append(out, RTCMStart, byte(len(f.Payload)>>8)&0x03, byte(len(f.Payload)))
	out = append(out, f.Payload...)
	return append(out, f.CRC[:]...)
}

// UBXChecksum runs the two-accumulator additive checksum over data, which
// must span class, id, length and payload.
func UBXChecksum(data []byte) (a, b byte) {
	for _, c := range data {
		a += c
		b += a
	}
	return a, b
}

// EncodeUBX builds a complete UBX frame with a valid checksum.
func EncodeUBX(class, id byte, payload []byte) []byte {
	out := make([]byte, 6, len(payload)+8)
	out[0], out[1], out[2], out[3] = UBXSyncChar1, UBXSyncChar2, class, id
	binary.LittleEndian.PutUint16(out[4:], uint16(len(payload)))
	out = append(out, payload...)
	a, b := UBXChecksum(out[2:])
	return append(out, a, b)
}

var crc24qTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		crc := uint32(i) << 16
		for j := 0; j < 8; j++ {
			crc <<= 1
			if crc&0x1000000 != 0 {
				crc ^= 0x1864CFB
			}
		}
		t[i] = crc & 0xFFFFFF
	}
	return t
}()

// CRC24Q is the RTCM3 transport CRC (polynomial 0x1864CFB, zero init).
func CRC24Q(data []byte) uint32 {
	var crc uint32
	for _, b := range data {
		crc = ((crc << 8) & 0xFFFFFF) ^ crc24qTable[byte(crc>>16)^b]
	}
	return crc
}

// EncodeRTCM builds an RTCM3 frame with a valid CRC-24Q.
func EncodeRTCM(payload []byte) ([]byte, error) {
	if len(payload) > MaxRTCMPayload {
		return nil, fmt.Errorf("rtcm payload of %d bytes exceeds %d", len(payload), MaxRTCMPayload)
	}
	out := make([]byte, 0, len(payload)+6)
	out = append(out, RTCMStart, byte(len(payload)>>8)&0x03, byte(len(payload)))
	out = append(out, payload...)
	crc := CRC24Q(out)
	return append(out, byte(crc>>16), byte(crc>>8), byte(crc)), nil
}

// NMEAChecksum XORs every byte of body, which excludes '$' and '*'.
func NMEAChecksum(body string) byte {
	var x byte
	for i := 0; i < len(body); i++ {
		x ^= body[i]
	}
	return x
}

// EncodeNMEA wraps body as "$body*HH\r\n".
func EncodeNMEA(body string) []byte {
	return []byte(fmt.Sprintf("$%s*%02X\r\n", body, NMEAChecksum(body)))
}
