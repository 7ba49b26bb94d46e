// Package apiframe implements XBee API Mode 2 (escaped) framing: building
// outgoing TX-request and AT-command frames, and stream-parsing incoming
// bytes into typed frame events.
//
// Grounded on other_examples/samuel-go-xbee/xbee.go (frame delimiter,
// length, checksum layout and frame-type dispatch) generalized to support
// escape transparency, which that unescaped-API-mode-1 driver does not need.
package apiframe

// Frame type bytes, as they appear after the length field on the wire.
const (
	TypeATCommand         = 0x08
	TypeTXRequest         = 0x10
	TypeRXPacket          = 0x90
	TypeExplicitRX        = 0x91
	TypeTXStatus          = 0x8B
	TypeATCommandResponse = 0x88
)

// Framing bytes.
const (
	Delimiter = 0x7E
	Escape    = 0x7D
	XON       = 0x11
	XOFF      = 0x13
)

// Well-known addresses (spec.md §6).
const (
	AddressBroadcast64 uint64 = 0x000000000000FFFF
	Address16Unknown   uint16 = 0xFFFE
)

func isReserved(b byte) bool {
	return b == Delimiter || b == Escape || b == XON || b == XOFF
}

// TXRequest is a decoded 0x10 frame (only ever produced by a loopback test
// harness; the device only ever builds these, it does not parse them back).
type TXRequest struct {
	FrameID         byte
	Dest64          uint64
	Dest16          uint16
	BroadcastRadius byte
	Options         byte
	Data            []byte
}

// RXPacket is a decoded 0x90 Receive Packet, or a 0x91 Explicit Rx promoted
// to this shape per spec.md §4.3 ("0x91 is promoted to a virtual 0x90 for
// uniform downstream handling").
type RXPacket struct {
	Src64   uint64
	Src16   uint16
	Options byte
	Data    []byte
}

// TXStatus is a decoded 0x8B Transmit Status frame.
type TXStatus struct {
	FrameID         byte
	Dest16          uint16
	Retries         byte
	DeliveryStatus  byte
	DiscoveryStatus byte
}

// ATCommandFrame is a decoded 0x08 AT Command frame.
type ATCommandFrame struct {
	FrameID byte
	Cmd     [2]byte
	Param   []byte
}

// ATResponse is a decoded 0x88 AT Command Response frame.
type ATResponse struct {
	FrameID byte
	Cmd     [2]byte
	Status  byte
	Data    []byte
}
