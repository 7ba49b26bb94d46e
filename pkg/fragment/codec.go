// Package fragment implements the reliable fragment protocol carried
// inside XBee RF frames: a 13-byte DATA header plus payload plus CRC16,
// and the NACK/DONE control messages that drive retransmission.
//
// Grounded on other_examples/firestige-Otus/reassembly.go's header-then-
// payload fragment layout, and pkg/crc for the CRC16 guard every message
// carries.
package fragment

import (
	"encoding/binary"
	"fmt"

	"github.com/librescoot/xbeed/pkg/crc"
)

// Protocol constants, fixed by spec.md §4.6.
const (
	Version byte = 0x01

	TypeData byte = 0x01
	TypeNack byte = 0x02
	TypeDone byte = 0x03

	HeaderSize = 13
	CRCSize    = 2

	DefaultMaxPayload = 30
	MaxTunablePayload = 34

	MaxMessageSize = 10240
)

// ParseError reports a malformed fragment-layer message: bad CRC, wrong
// version, or under-length buffer. Always local — never propagated past
// the receiver (spec.md §7).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "fragment: " + e.Reason }

// Header is the fixed 13-byte fragment header, decoded from the wire.
type Header struct {
	Version     byte
	Type        byte
	MsgID       uint16
	TotalLen    uint32
	FragIdx     uint16
	FragCnt     uint16
	PayloadLen  byte
}

// EncodeDataHeader writes a DATA header into the first HeaderSize bytes
// of buf, which must be at least HeaderSize long.
func EncodeDataHeader(buf []byte, msgID uint16, totalLen uint32, fragIdx, fragCnt uint16, payloadLen byte) {
	buf[0] = Version
	buf[1] = TypeData
	binary.BigEndian.PutUint16(buf[2:4], msgID)
	binary.BigEndian.PutUint32(buf[4:8], totalLen)
	binary.BigEndian.PutUint16(buf[8:10], fragIdx)
	binary.BigEndian.PutUint16(buf[10:12], fragCnt)
	buf[12] = payloadLen
}

// DecodeHeader parses the fixed 13-byte header prefix of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &ParseError{Reason: "header too short"}
	}
	h := Header{
		Version:    buf[0],
		Type:       buf[1],
		MsgID:      binary.BigEndian.Uint16(buf[2:4]),
		TotalLen:   binary.BigEndian.Uint32(buf[4:8]),
		FragIdx:    binary.BigEndian.Uint16(buf[8:10]),
		FragCnt:    binary.BigEndian.Uint16(buf[10:12]),
		PayloadLen: buf[12],
	}
	if h.Version != Version {
		return Header{}, &ParseError{Reason: fmt.Sprintf("unsupported protocol version %d", h.Version)}
	}
	return h, nil
}

// EncodeDataFragment builds a complete DATA message: header || payload ||
// CRC16, where the CRC covers header+payload.
func EncodeDataFragment(msgID uint16, totalLen uint32, fragIdx, fragCnt uint16, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload)+CRCSize)
	EncodeDataHeader(buf, msgID, totalLen, fragIdx, fragCnt, byte(len(payload)))
	copy(buf[HeaderSize:], payload)
	crc.Append(buf, HeaderSize+len(payload))
	return buf
}

// DecodeDataFragment validates CRC and version, then returns the header
// and the payload slice (a view into buf, not a copy).
func DecodeDataFragment(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize+CRCSize {
		return Header{}, nil, &ParseError{Reason: "fragment too short"}
	}
	if !crc.Verify(buf) {
		return Header{}, nil, &ParseError{Reason: "CRC mismatch"}
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if h.Type != TypeData {
		return Header{}, nil, &ParseError{Reason: fmt.Sprintf("not a DATA fragment (type=0x%02X)", h.Type)}
	}
	payload := buf[HeaderSize : len(buf)-CRCSize]
	if int(h.PayloadLen) != len(payload) {
		return Header{}, nil, &ParseError{Reason: "payload length mismatch"}
	}
	return h, payload, nil
}

// EncodeNack builds a NACK message listing the given missing fragment
// indices: version(1) || type(1) || msg_id(2) || count(1) || count ×
// index(2) || CRC16(2). The count is one byte, so at most the first 255
// indices are listed.
func EncodeNack(msgID uint16, missing []uint16) []byte {
	if len(missing) > 255 {
		missing = missing[:255]
	}
	buf := make([]byte, 4+1+2*len(missing)+CRCSize)
	buf[0] = Version
	buf[1] = TypeNack
	binary.BigEndian.PutUint16(buf[2:4], msgID)
	buf[4] = byte(len(missing))
	for i, idx := range missing {
		binary.BigEndian.PutUint16(buf[5+2*i:7+2*i], idx)
	}
	crc.Append(buf, len(buf)-CRCSize)
	return buf
}

// Nack is a decoded NACK message.
type Nack struct {
	MsgID   uint16
	Missing []uint16
}

// DecodeNack validates CRC/version and parses the missing-index list.
func DecodeNack(buf []byte) (Nack, error) {
	if len(buf) < 5+CRCSize {
		return Nack{}, &ParseError{Reason: "NACK too short"}
	}
	if !crc.Verify(buf) {
		return Nack{}, &ParseError{Reason: "CRC mismatch"}
	}
	if buf[0] != Version {
		return Nack{}, &ParseError{Reason: fmt.Sprintf("unsupported protocol version %d", buf[0])}
	}
	if buf[1] != TypeNack {
		return Nack{}, &ParseError{Reason: fmt.Sprintf("not a NACK message (type=0x%02X)", buf[1])}
	}
	count := int(buf[4])
	want := 5 + 2*count + CRCSize
	if len(buf) != want {
		return Nack{}, &ParseError{Reason: "NACK length/count mismatch"}
	}
	missing := make([]uint16, count)
	for i := range missing {
		missing[i] = binary.BigEndian.Uint16(buf[5+2*i : 7+2*i])
	}
	return Nack{
		MsgID:   binary.BigEndian.Uint16(buf[2:4]),
		Missing: missing,
	}, nil
}

// EncodeDone builds a DONE message: version(1) || type(1) || msg_id(2) ||
// CRC16(2), 6 bytes total.
func EncodeDone(msgID uint16) []byte {
	buf := make([]byte, 4+CRCSize)
	buf[0] = Version
	buf[1] = TypeDone
	binary.BigEndian.PutUint16(buf[2:4], msgID)
	crc.Append(buf, len(buf)-CRCSize)
	return buf
}

// DecodeDone validates CRC/version and returns the acknowledged msg_id.
func DecodeDone(buf []byte) (uint16, error) {
	if len(buf) != 4+CRCSize {
		return 0, &ParseError{Reason: "DONE wrong length"}
	}
	if !crc.Verify(buf) {
		return 0, &ParseError{Reason: "CRC mismatch"}
	}
	if buf[0] != Version {
		return 0, &ParseError{Reason: fmt.Sprintf("unsupported protocol version %d", buf[0])}
	}
	if buf[1] != TypeDone {
		return 0, &ParseError{Reason: fmt.Sprintf("not a DONE message (type=0x%02X)", buf[1])}
	}
	return binary.BigEndian.Uint16(buf[2:4]), nil
}

// MessageType peeks the type tag of any fragment-layer message without
// fully decoding it, so a dispatcher can route DATA/NACK/DONE before
// paying the cost of CRC verification on message kinds it won't use.
func MessageType(buf []byte) (byte, error) {
	if len(buf) < 2 {
		return 0, &ParseError{Reason: "message too short to classify"}
	}
	return buf[1], nil
}
