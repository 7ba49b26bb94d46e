package apiframe

import "fmt"

// buildRaw lays out a complete unescaped Mode-2 frame:
// 0x7E || len_hi || len_lo || body || checksum.
func buildRaw(body []byte) []byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	raw := make([]byte, 3+len(body)+1)
	raw[0] = Delimiter
	raw[1] = byte(len(body) >> 8)
	raw[2] = byte(len(body))
	copy(raw[3:], body)
	raw[3+len(body)] = 0xFF - sum
	return raw
}

// escape encodes every reserved byte after the leading start delimiter as
// 0x7D, byte^0x20, per spec.md §4.3/§6.
func escape(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+4)
	out = append(out, raw[0])
	for _, b := range raw[1:] {
		if isReserved(b) {
			out = append(out, Escape, b^0x20)
		} else {
			out = append(out, b)
		}
	}
	return out
}

// BuildTXRequest encodes a 0x10 Transmit Request. frameID is written
// literally — 0 means "no TX-status response requested" on the wire, the
// same meaning spec.md §4.5 assigns it; callers that want a status
// response allocate a nonzero id themselves (see pkg/xbee's frame-id
// generator) before calling this.
func BuildTXRequest(frameID byte, dest64 uint64, dest16 uint16, broadcastRadius, options byte, data []byte) ([]byte, error) {
	if len(data) > 0xFFFF-14 {
		return nil, fmt.Errorf("apiframe: TX payload too long (%d bytes)", len(data))
	}
	body := make([]byte, 14+len(data))
	body[0] = TypeTXRequest
	body[1] = frameID
	putUint64(body[2:10], dest64)
	putUint16(body[10:12], dest16)
	body[12] = broadcastRadius
	body[13] = options
	copy(body[14:], data)
	return escape(buildRaw(body)), nil
}

// BuildATCommand encodes a 0x08 AT Command frame with a two-character AT
// code and optional parameter bytes.
func BuildATCommand(frameID byte, cmd [2]byte, param []byte) ([]byte, error) {
	if len(param) > 0xFFFF-4 {
		return nil, fmt.Errorf("apiframe: AT parameter too long (%d bytes)", len(param))
	}
	body := make([]byte, 4+len(param))
	body[0] = TypeATCommand
	body[1] = frameID
	body[2] = cmd[0]
	body[3] = cmd[1]
	copy(body[4:], param)
	return escape(buildRaw(body)), nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(56-8*i))
	}
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func getUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

func getUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}
