package apiframe

import "fmt"

// parserState is the stream parser's state, per spec.md §4.3.
type parserState int

const (
	stateWaitingForStart parserState = iota
	stateLengthMsb
	stateLengthLsb
	stateFrameData
	stateChecksum
)

// ParseError reports a framing-level problem (bad length, checksum
// mismatch). It is always local: the parser drops the offending frame and
// resyncs to stateWaitingForStart; callers only see it for counting/logging
// (spec.md §7).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string { return "apiframe: " + e.Reason }

// Parser is a byte-fed state machine turning a raw (possibly escaped)
// serial stream into complete frame bodies. It owns a bounded scratch
// buffer whose lifetime is a single frame; no allocation crosses frames
// except the final copy returned to the caller.
//
// Not safe for concurrent use — spec.md §5 assigns exclusive ownership of
// parser state to the serial reader context.
type Parser struct {
	state    parserState
	escaped  bool
	length   int
	sum      byte
	buf      []byte
}

// NewParser returns a parser ready to consume a fresh byte stream.
func NewParser() *Parser {
	return &Parser{buf: make([]byte, 0, 256)}
}

// Feed processes one raw wire byte. It returns a non-nil body when a
// complete, checksum-valid frame has just been assembled; a non-nil error
// when the byte completed a malformed frame (bad length or checksum); and
// (nil, nil) while a frame is still being assembled.
func (p *Parser) Feed(raw byte) ([]byte, error) {
	if p.state != stateWaitingForStart {
		if p.escaped {
			raw ^= 0x20
			p.escaped = false
			return p.step(raw)
		}
		if raw == Escape {
			p.escaped = true
			return nil, nil
		}
	}

	if raw == Delimiter {
		// Re-enter LengthMsb and reset the checksum accumulator from any
		// state — this is what lets the parser resync mid-stream.
		p.state = stateLengthMsb
		p.length = 0
		p.sum = 0
		p.buf = p.buf[:0]
		p.escaped = false
		return nil, nil
	}

	if p.state == stateWaitingForStart {
		return nil, nil
	}

	return p.step(raw)
}

func (p *Parser) step(b byte) ([]byte, error) {
	switch p.state {
	case stateLengthMsb:
		p.length = int(b) << 8
		p.state = stateLengthLsb
		return nil, nil

	case stateLengthLsb:
		p.length |= int(b)
		if p.length == 0 || p.length > 256 {
			p.state = stateWaitingForStart
			return nil, &ParseError{Reason: fmt.Sprintf("invalid frame length %d", p.length)}
		}
		p.buf = p.buf[:0]
		p.sum = 0
		p.state = stateFrameData
		return nil, nil

	case stateFrameData:
		p.buf = append(p.buf, b)
		p.sum += b
		if len(p.buf) >= p.length {
			p.state = stateChecksum
		}
		return nil, nil

	case stateChecksum:
		total := p.sum + b
		p.state = stateWaitingForStart
		if total != 0xFF {
			return nil, &ParseError{Reason: fmt.Sprintf("checksum mismatch (total=0x%02X)", total)}
		}
		body := make([]byte, len(p.buf))
		copy(body, p.buf)
		return body, nil

	default:
		return nil, nil
	}
}

// Decode interprets a completed frame body into a typed event. Unknown
// frame types are returned as UnknownFrame for visibility without being
// treated as an error. Under-length frames produce a *ParseError and are
// dropped per spec.md §4.3.
func Decode(body []byte) (interface{}, error) {
	if len(body) == 0 {
		return nil, &ParseError{Reason: "empty frame body"}
	}
	switch body[0] {
	case TypeRXPacket:
		if len(body) < 12 {
			return nil, &ParseError{Reason: "RX packet too short"}
		}
		return &RXPacket{
			Src64:   getUint64(body[1:9]),
			Src16:   getUint16(body[9:11]),
			Options: body[11],
			Data:    append([]byte(nil), body[12:]...),
		}, nil

	case TypeExplicitRX:
		if len(body) < 18 {
			return nil, &ParseError{Reason: "explicit RX too short"}
		}
		// Promoted to a virtual RXPacket: src_ep/dst_ep/cluster/profile
		// fields (body[11], body[12], body[13:15], body[15:17]) are not
		// needed by anything downstream of single-hop byte transport.
		return &RXPacket{
			Src64:   getUint64(body[1:9]),
			Src16:   getUint16(body[9:11]),
			Options: body[17],
			Data:    append([]byte(nil), body[18:]...),
		}, nil

	case TypeTXStatus:
		if len(body) < 7 {
			return nil, &ParseError{Reason: "TX status too short"}
		}
		return &TXStatus{
			FrameID:         body[1],
			Dest16:          getUint16(body[2:4]),
			Retries:         body[4],
			DeliveryStatus:  body[5],
			DiscoveryStatus: body[6],
		}, nil

	case TypeATCommandResponse:
		if len(body) < 5 {
			return nil, &ParseError{Reason: "AT response too short"}
		}
		return &ATResponse{
			FrameID: body[1],
			Cmd:     [2]byte{body[2], body[3]},
			Status:  body[4],
			Data:    append([]byte(nil), body[5:]...),
		}, nil

	case TypeATCommand:
		if len(body) < 4 {
			return nil, &ParseError{Reason: "AT command too short"}
		}
		return &ATCommandFrame{
			FrameID: body[1],
			Cmd:     [2]byte{body[2], body[3]},
			Param:   append([]byte(nil), body[4:]...),
		}, nil

	case TypeTXRequest:
		if len(body) < 14 {
			return nil, &ParseError{Reason: "TX request too short"}
		}
		return &TXRequest{
			FrameID:         body[1],
			Dest64:          getUint64(body[2:10]),
			Dest16:          getUint16(body[10:12]),
			BroadcastRadius: body[12],
			Options:         body[13],
			Data:            append([]byte(nil), body[14:]...),
		}, nil

	default:
		return UnknownFrame(append([]byte(nil), body...)), nil
	}
}

// UnknownFrame is an undispatched frame body, preserved for visibility.
type UnknownFrame []byte
