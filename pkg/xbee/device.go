// Package xbee combines the API-frame codec (pkg/apiframe) with a serial
// transport into a byte-level XBee device: `Send`/`SendWithStatus` out,
// an onReceive callback (passed to New) in, AT commands keyed by frame id.
//
// Grounded on pkg/service/service.go's New/SetXxx/Stop shape (construct,
// then wire the concrete connection in) and on
// other_examples/samuel-go-xbee/xbee.go's frame-id-keyed AT-command and
// TX-status round trips (registerListener/unregisterListener, nextFrameID
// wrapping 1..255 skipping 0).
package xbee

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/xbeed/pkg/apiframe"
)

// Transport is the minimal surface a byte transport must offer a Device.
// *pkg/serial.Port satisfies it; tests substitute an in-memory fake.
type Transport interface {
	Write(data []byte) error
	Close() error
}

// TransportError wraps a failure writing to, or reading from, a closed or
// misbehaving transport (spec.md §7).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("xbee: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// atSerialHigh is the shared first byte of the SH ("serial high") and SL
// ("serial low") AT commands ReadOwnAddress issues.
const atSerialHigh = 'S'

// Device owns the API-frame parser and dispatches decoded frames: 0x90/0x91
// to the receive callback, 0x8B to the matching TX-status waiter, 0x88 to
// the matching AT-response waiter.
type Device struct {
	transport Transport
	parser    *apiframe.Parser
	onReceive func(data []byte, src64 uint64)

	mu        sync.Mutex
	nextID    byte
	txWaiters map[byte]chan *apiframe.TXStatus
	atWaiters map[byte]chan *apiframe.ATResponse
	address64 uint64
}

// New returns a Device with no transport attached yet; call SetTransport
// once the serial port is open (mirrors service.Service.SetUSock).
func New(onReceive func(data []byte, src64 uint64)) *Device {
	return &Device{
		parser:    apiframe.NewParser(),
		onReceive: onReceive,
		txWaiters: make(map[byte]chan *apiframe.TXStatus),
		atWaiters: make(map[byte]chan *apiframe.ATResponse),
	}
}

// SetTransport wires in the opened transport. Callers that own a
// pkg/serial.Port pass d.HandleIncoming as its sink before calling this.
func (d *Device) SetTransport(t Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transport = t
}

// Address64 returns the radio's 64-bit hardware address, or 0 if it was
// never successfully read (spec.md §4.5).
func (d *Device) Address64() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address64
}

// ReadOwnAddress issues the SH/SL AT commands and caches the resulting
// 64-bit address. Failure to read either half leaves the address at zero
// and is reported as a warning, not a fatal error, per spec.md §4.5.
func (d *Device) ReadOwnAddress(timeout time.Duration) error {
	high, err := d.ATCommand([2]byte{atSerialHigh, 'H'}, nil, timeout)
	if err != nil {
		log.Printf("xbee: failed to read SH: %v", err)
		return err
	}
	low, err := d.ATCommand([2]byte{atSerialHigh, 'L'}, nil, timeout)
	if err != nil {
		log.Printf("xbee: failed to read SL: %v", err)
		return err
	}
	if len(high) != 4 || len(low) != 4 {
		return fmt.Errorf("xbee: unexpected SH/SL response lengths %d/%d", len(high), len(low))
	}
	addr := beUint32(high)<<32 | beUint32(low)
	d.mu.Lock()
	d.address64 = addr
	d.mu.Unlock()
	return nil
}

// Send writes a TX-request with frame id 0: no TX-status response is
// requested, per spec.md §4.5.
func (d *Device) Send(dest64 uint64, data []byte) error {
	wire, err := apiframe.BuildTXRequest(0, dest64, apiframe.Address16Unknown, 0, 0, data)
	if err != nil {
		return err
	}
	return d.write(wire)
}

// SendWithStatus writes a TX-request with a freshly allocated frame id and
// waits for the matching TX-status frame, or times out.
func (d *Device) SendWithStatus(dest64 uint64, data []byte, timeout time.Duration) (*apiframe.TXStatus, error) {
	id := d.nextFrameID()
	ch := make(chan *apiframe.TXStatus, 1)
	d.mu.Lock()
	d.txWaiters[id] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.txWaiters, id)
		d.mu.Unlock()
	}()

	wire, err := apiframe.BuildTXRequest(id, dest64, apiframe.Address16Unknown, 0, 0, data)
	if err != nil {
		return nil, err
	}
	if err := d.write(wire); err != nil {
		return nil, err
	}

	select {
	case status, ok := <-ch:
		if !ok {
			return nil, &TransportError{Op: "send", Err: fmt.Errorf("disconnected")}
		}
		return status, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("xbee: timed out waiting for TX status (frame id %d)", id)
	}
}

// ATCommand issues an AT command and waits for the matching response,
// returning its data payload.
func (d *Device) ATCommand(cmd [2]byte, param []byte, timeout time.Duration) ([]byte, error) {
	id := d.nextFrameID()
	ch := make(chan *apiframe.ATResponse, 1)
	d.mu.Lock()
	d.atWaiters[id] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.atWaiters, id)
		d.mu.Unlock()
	}()

	wire, err := apiframe.BuildATCommand(id, cmd, param)
	if err != nil {
		return nil, err
	}
	if err := d.write(wire); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &TransportError{Op: "at-command", Err: fmt.Errorf("disconnected")}
		}
		if resp.Status != 0 {
			return nil, fmt.Errorf("xbee: AT command %c%c failed with status %d", cmd[0], cmd[1], resp.Status)
		}
		return resp.Data, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("xbee: timed out waiting for AT response %c%c (frame id %d)", cmd[0], cmd[1], id)
	}
}

// HandleIncoming feeds a batch of raw wire bytes through the parser and
// dispatches any frames they complete. This is the sink a serial reader
// (or a test's loopback transport) calls for every batch of received
// bytes.
func (d *Device) HandleIncoming(batch []byte) {
	for _, b := range batch {
		body, err := d.parser.Feed(b)
		if err != nil {
			log.Printf("xbee: %v", err)
			continue
		}
		if body == nil {
			continue
		}
		ev, err := apiframe.Decode(body)
		if err != nil {
			log.Printf("xbee: %v", err)
			continue
		}
		d.dispatch(ev)
	}
}

func (d *Device) dispatch(ev interface{}) {
	switch v := ev.(type) {
	case *apiframe.RXPacket:
		if d.onReceive != nil {
			d.onReceive(v.Data, v.Src64)
		}
	case *apiframe.TXStatus:
		d.mu.Lock()
		ch := d.txWaiters[v.FrameID]
		d.mu.Unlock()
		if ch != nil {
			select {
			case ch <- v:
			default:
			}
		}
	case *apiframe.ATResponse:
		d.mu.Lock()
		ch := d.atWaiters[v.FrameID]
		d.mu.Unlock()
		if ch != nil {
			select {
			case ch <- v:
			default:
			}
		}
	case apiframe.UnknownFrame:
		log.Printf("xbee: unknown frame type 0x%02X", v[0])
	}
}

func (d *Device) write(wire []byte) error {
	d.mu.Lock()
	t := d.transport
	d.mu.Unlock()
	if t == nil {
		return &TransportError{Op: "write", Err: fmt.Errorf("no transport attached")}
	}
	if err := t.Write(wire); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close releases the transport and fails every pending TX-status/AT
// waiter with "disconnected", per spec.md §5 graceful shutdown.
func (d *Device) Close() error {
	d.mu.Lock()
	t := d.transport
	d.transport = nil
	for id, ch := range d.txWaiters {
		close(ch)
		delete(d.txWaiters, id)
	}
	for id, ch := range d.atWaiters {
		close(ch)
		delete(d.atWaiters, id)
	}
	d.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// nextFrameID wraps 1..255, skipping 0 — 0 is reserved to mean "no
// response expected" (spec.md §4.5).
func (d *Device) nextFrameID() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	if d.nextID == 0 {
		d.nextID = 1
	}
	return d.nextID
}

func beUint32(b []byte) uint64 {
	return uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
}
