// Package facade combines the XBee device, session manager, and fragment
// receiver/transmitter into the single object an application depends on:
// connect, disconnect, send a message, receive messages, read counters.
//
// Grounded on pkg/service/service.go's thin New/SetXxx/Stop wiring shape,
// generalized from "one BLE UART link" to "one radio plus its fragment
// protocol".
package facade

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/librescoot/xbeed/pkg/fragment"
	"github.com/librescoot/xbeed/pkg/serial"
	"github.com/librescoot/xbeed/pkg/session"
	"github.com/librescoot/xbeed/pkg/xbee"
)

// Config holds the tunables spec.md §4.6 calls fixed-but-tunable, exposed
// so cmd/xbeed/main.go's flags can override the defaults.
type Config struct {
	PayloadSize   int
	MaxNackRounds int
	Session       session.Config
}

// DefaultConfig returns spec.md §4.6's defaults: 30-byte payload, 10 max
// NACK rounds, and the session manager's default timing.
func DefaultConfig() Config {
	return Config{
		PayloadSize:   fragment.DefaultMaxPayload,
		MaxNackRounds: 10,
		Session:       session.DefaultConfig(),
	}
}

// Facade is the application-facing entry point: connect a radio, send
// messages, receive messages, and read statistics.
type Facade struct {
	cfg Config

	device      *xbee.Device
	sessions    *session.Manager
	receiver    *fragment.Receiver
	transmitter *fragment.Transmitter
	stats       *fragment.Stats

	onMessage func(data []byte, src64 uint64)
}

// New builds a Facade with no transport attached yet. onMessage is
// called for every fully reassembled inbound message, on the serial
// reader's goroutine — callers needing a different context must
// marshal onto their own dispatcher (spec.md §6).
func New(cfg Config, onMessage func(data []byte, src64 uint64)) *Facade {
	f := &Facade{
		cfg:       cfg,
		sessions:  session.New(cfg.Session),
		onMessage: onMessage,
		stats: &fragment.Stats{
			FragmentsSent:     &fragment.Counter{},
			FragmentsReceived: &fragment.Counter{},
			CRCFailures:       &fragment.Counter{},
			NacksSent:         &fragment.Counter{},
			Retransmitted:     &fragment.Counter{},
			MessagesCompleted: &fragment.Counter{},
		},
	}
	f.device = xbee.New(f.handleRFData)
	f.receiver = fragment.NewReceiver(f.sessions, f.device, f.stats, cfg.MaxNackRounds, f.onMessage)
	f.transmitter = fragment.NewTransmitter(f.sessions, f.device, f.stats, cfg.PayloadSize)
	return f
}

// Connect opens the serial port, reads the radio's own 64-bit address,
// and starts session housekeeping.
func (f *Facade) Connect(devicePath string, baud int) error {
	port, err := serial.Open(devicePath, baud, f.device.HandleIncoming)
	if err != nil {
		return fmt.Errorf("facade: %w", err)
	}
	f.device.SetTransport(port)

	time.Sleep(200 * time.Millisecond) // let the radio settle after port open
	if err := f.device.ReadOwnAddress(2 * time.Second); err != nil {
		log.Printf("facade: could not read radio's own address, continuing with address 0: %v", err)
	}

	f.sessions.Start()
	return nil
}

// Disconnect stops housekeeping and releases the transport.
func (f *Facade) Disconnect() error {
	f.sessions.Stop()
	if err := f.device.Close(); err != nil {
		return fmt.Errorf("facade: %w", err)
	}
	return nil
}

// SendMessage fragments data and sends it to dest64, suspending until
// delivery is confirmed (DONE), fails, or ctx is cancelled.
func (f *Facade) SendMessage(ctx context.Context, data []byte, dest64 uint64) (bool, error) {
	return f.transmitter.SendMessage(ctx, data, dest64)
}

// Address64 returns the radio's own 64-bit address, or 0 if it was never
// read successfully.
func (f *Facade) Address64() uint64 {
	return f.device.Address64()
}

// Stats exposes the live counters (fragments sent/received, retransmitted,
// NACKs sent, CRC failures, messages completed) for mirroring or display.
func (f *Facade) Stats() *fragment.Stats { return f.stats }

// handleRFData is the xbee.Device's onReceive callback: it classifies
// the incoming fragment-layer message and routes it to the receiver (for
// DATA) or the transmitter (for NACK/DONE).
func (f *Facade) handleRFData(data []byte, src64 uint64) {
	typ, err := fragment.MessageType(data)
	if err != nil {
		log.Printf("facade: dropping unclassifiable RF payload from 0x%016X: %v", src64, err)
		return
	}
	switch typ {
	case fragment.TypeData:
		f.receiver.HandleData(data, src64)
	case fragment.TypeNack:
		f.transmitter.HandleNack(data, f.cfg.MaxNackRounds)
	case fragment.TypeDone:
		f.transmitter.HandleDone(data)
	default:
		log.Printf("facade: unknown fragment-layer message type 0x%02X from 0x%016X", typ, src64)
	}
}
