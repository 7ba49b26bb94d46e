package xbee

import (
	"sync"
	"testing"
	"time"

	"github.com/librescoot/xbeed/pkg/apiframe"
)

// loopbackTransport pretends to be a radio: everything written to it is
// decoded and, for AT commands, answered synthetically; TX requests with a
// nonzero frame id get an immediate successful TX status.
type loopbackTransport struct {
	mu     sync.Mutex
	closed bool
	sink   func([]byte)

	shValue [4]byte
	slValue [4]byte
}

func newLoopbackTransport(sink func([]byte)) *loopbackTransport {
	return &loopbackTransport{
		sink:    sink,
		shValue: [4]byte{0x00, 0x13, 0xA2, 0x00},
		slValue: [4]byte{0x40, 0x05, 0x06, 0x07},
	}
}

func (l *loopbackTransport) Write(data []byte) error {
	p := apiframe.NewParser()
	var body []byte
	for _, b := range data {
		out, err := p.Feed(b)
		if err != nil {
			return err
		}
		if out != nil {
			body = out
		}
	}
	if body == nil {
		return nil
	}
	ev, err := apiframe.Decode(body)
	if err != nil {
		return err
	}
	switch v := ev.(type) {
	case *apiframe.TXRequest:
		if v.FrameID != 0 {
			l.reply(txStatusFrame(v.FrameID))
		}
	case *apiframe.ATCommandFrame:
		switch v.Cmd {
		case [2]byte{'S', 'H'}:
			l.reply(atResponseFrame(v.FrameID, v.Cmd, 0, l.shValue[:]))
		case [2]byte{'S', 'L'}:
			l.reply(atResponseFrame(v.FrameID, v.Cmd, 0, l.slValue[:]))
		default:
			l.reply(atResponseFrame(v.FrameID, v.Cmd, 1, nil))
		}
	}
	return nil
}

func (l *loopbackTransport) reply(wire []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.sink(wire)
}

func (l *loopbackTransport) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func txStatusFrame(frameID byte) []byte {
	body := []byte{apiframe.TypeTXStatus, frameID, 0xFF, 0xFE, 0x00, 0x00, 0x00}
	return rawFrame(body)
}

func atResponseFrame(frameID byte, cmd [2]byte, status byte, data []byte) []byte {
	body := append([]byte{apiframe.TypeATCommandResponse, frameID, cmd[0], cmd[1], status}, data...)
	return rawFrame(body)
}

// rawFrame builds an unescaped frame directly, mirroring buildRaw in
// codec.go without exporting it. Test data never contains 0x7E or 0x7D,
// the only bytes the parser treats specially; the 0x13 in the test
// addresses passes through unescaped.
func rawFrame(body []byte) []byte {
	var sum byte
	for _, b := range body {
		sum += b
	}
	raw := make([]byte, 0, 4+len(body))
	raw = append(raw, apiframe.Delimiter, byte(len(body)>>8), byte(len(body)))
	raw = append(raw, body...)
	raw = append(raw, 0xFF-sum)
	return raw
}

func newTestDevice(onReceive func(data []byte, src64 uint64)) (*Device, *loopbackTransport) {
	dev := New(onReceive)
	lb := newLoopbackTransport(dev.HandleIncoming)
	dev.SetTransport(lb)
	return dev, lb
}

func TestSendWithStatusSucceeds(t *testing.T) {
	dev, _ := newTestDevice(nil)
	status, err := dev.SendWithStatus(0x0013A20040000001, []byte("hi"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if status.DeliveryStatus != 0 {
		t.Fatalf("unexpected delivery status %d", status.DeliveryStatus)
	}
}

func TestSendNoStatusDoesNotBlock(t *testing.T) {
	dev, _ := newTestDevice(nil)
	if err := dev.Send(1, []byte("fire and forget")); err != nil {
		t.Fatal(err)
	}
}

func TestReadOwnAddress(t *testing.T) {
	dev, _ := newTestDevice(nil)
	if err := dev.ReadOwnAddress(time.Second); err != nil {
		t.Fatal(err)
	}
	want := uint64(0x0013A20040050607)
	if dev.Address64() != want {
		t.Fatalf("got address 0x%016X want 0x%016X", dev.Address64(), want)
	}
}

func TestATCommandUnknownReturnsError(t *testing.T) {
	dev, _ := newTestDevice(nil)
	if _, err := dev.ATCommand([2]byte{'Z', 'Z'}, nil, time.Second); err == nil {
		t.Fatal("expected error for unsupported AT command")
	}
}

func TestSendWithStatusTimesOutWithNoTransportResponse(t *testing.T) {
	dev := New(nil)
	dev.SetTransport(&blackholeTransport{})
	_, err := dev.SendWithStatus(1, []byte("x"), 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestOnReceiveCalledForIncomingRXPacket(t *testing.T) {
	var gotData []byte
	var gotSrc uint64
	done := make(chan struct{})
	dev := New(func(data []byte, src64 uint64) {
		gotData = data
		gotSrc = src64
		close(done)
	})
	body := []byte{apiframe.TypeRXPacket,
		0x00, 0x13, 0xA2, 0x00, 0x40, 0x00, 0x00, 0x09,
		0xFF, 0xFE,
		0x01,
		'o', 'k',
	}
	dev.HandleIncoming(rawFrame(body))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("onReceive not called")
	}
	if string(gotData) != "ok" || gotSrc != 0x0013A20040000009 {
		t.Fatalf("unexpected callback args: data=%q src=0x%016X", gotData, gotSrc)
	}
}

func TestSendWithStatusReturnsErrorWhenClosedWhilePending(t *testing.T) {
	dev := New(nil)
	dev.SetTransport(&blackholeTransport{})
	errCh := make(chan error, 1)
	go func() {
		_, err := dev.SendWithStatus(1, []byte("x"), time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after Close, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("SendWithStatus did not return after Close")
	}
}

func TestATCommandReturnsErrorWhenClosedWhilePending(t *testing.T) {
	dev := New(nil)
	dev.SetTransport(&blackholeTransport{})
	errCh := make(chan error, 1)
	go func() {
		_, err := dev.ATCommand([2]byte{'S', 'H'}, nil, time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after Close, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("ATCommand did not return after Close")
	}
}

// blackholeTransport accepts writes and never replies, to exercise timeouts.
type blackholeTransport struct{}

func (b *blackholeTransport) Write(data []byte) error { return nil }
func (b *blackholeTransport) Close() error            { return nil }
