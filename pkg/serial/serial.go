// Package serial owns a single serial port: opening it 8N1 at a configured
// baud rate, pumping incoming bytes to a single registered sink, and
// serializing writes. It performs no framing of its own — that is
// pkg/apiframe's job one layer up.
//
// Grounded on pkg/usock/usock.go's New/readLoop/Close (serial-port
// ownership, background reader goroutine, mutex-guarded writes, a
// WaitGroup-joined close), generalized from a fixed state machine to a
// byte-sink callback, and switched to go.bug.st/serial — the serial
// library the teacher's own go.mod names as its direct requirement.
package serial

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Scratch buffer size for a single read, per spec.md §4.4.
const scratchSize = 1024

// readTimeout bounds how long a single port.Read blocks, so the reader
// loop can notice Close promptly. Timeouts are normal and silently
// ignored, matching spec.md §4.4.
const readTimeout = 100 * time.Millisecond

// closeGrace bounds how long Close waits for the reader goroutine to exit.
const closeGrace = 500 * time.Millisecond

// Port owns a serial connection and its background reader.
type Port struct {
	port serial.Port
	sink func([]byte)

	mu       sync.Mutex
	closed   bool
	closeOne sync.Once

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens devicePath at 8N1 and baud, and starts a background reader
// that delivers every batch of incoming bytes to sink. sink must not
// block for long — it runs on the reader goroutine.
func Open(devicePath string, baud int, sink func([]byte)) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	raw, err := serial.Open(devicePath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", devicePath, err)
	}
	if err := raw.SetReadTimeout(readTimeout); err != nil {
		raw.Close()
		return nil, fmt.Errorf("serial: failed to set read timeout: %w", err)
	}

	// go.bug.st/serial has no knob for the OS driver's 16 KiB input/output
	// buffers spec.md §4.4 calls for; those are a tty-layer concern below
	// this library's API and are left at the OS default.
	p := &Port{
		port:   raw,
		sink:   sink,
		stopCh: make(chan struct{}),
	}

	p.wg.Add(1)
	go p.readLoop()
	return p, nil
}

// Write sends data in a single call, guarded by a mutex. Short writes are
// not expected; the caller (pkg/apiframe) always hands complete frames.
func (p *Port) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("serial: write on closed port")
	}
	_, err := p.port.Write(data)
	if err != nil {
		return fmt.Errorf("serial: write failed: %w", err)
	}
	return nil
}

// Close is idempotent: it stops the reader, waits up to closeGrace for it
// to exit, and closes the underlying port.
func (p *Port) Close() error {
	p.closeOne.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.stopCh)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		log.Printf("serial: reader goroutine did not exit within %s", closeGrace)
	}
	return p.port.Close()
}

func (p *Port) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, scratchSize)
	const backoff = 10 * time.Millisecond
	loggedReadError := false

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		n, err := p.port.Read(buf)
		if err != nil {
			if !loggedReadError {
				log.Printf("serial: read error: %v", err)
				loggedReadError = true
			}
			time.Sleep(backoff)
			continue
		}
		loggedReadError = false
		if n == 0 {
			// A read timeout: normal, ignored.
			continue
		}

		batch := make([]byte, n)
		copy(batch, buf[:n])
		if p.sink != nil {
			p.sink(batch)
		}
	}
}
