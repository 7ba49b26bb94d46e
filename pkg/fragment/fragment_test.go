package fragment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/xbeed/pkg/session"
)

// forwardLink simulates the lossy RF hop from transmitter to receiver: it
// decodes just enough of each DATA fragment to support one-shot index
// drops, then hands everything through to the receiver directly.
type forwardLink struct {
	recv  *Receiver
	src64 uint64
	drop  map[uint16]bool
}

func (f *forwardLink) Send(dest64 uint64, data []byte) error {
	if typ, err := MessageType(data); err == nil && typ == TypeData {
		if h, err := DecodeHeader(data); err == nil && f.drop[h.FragIdx] {
			delete(f.drop, h.FragIdx)
			return nil
		}
	}
	f.recv.HandleData(data, f.src64)
	return nil
}

// backwardLink simulates the return hop carrying NACK/DONE back to the
// transmitter.
type backwardLink struct {
	tx            *Transmitter
	maxNackRounds int
}

func (b *backwardLink) Send(dest64 uint64, data []byte) error {
	typ, err := MessageType(data)
	if err != nil {
		return nil
	}
	switch typ {
	case TypeNack:
		b.tx.HandleNack(data, b.maxNackRounds)
	case TypeDone:
		b.tx.HandleDone(data)
	}
	return nil
}

const testSrc64 = 0x0013A20040000001

func TestSingleFragmentMessage(t *testing.T) {
	txSessions := session.New(session.DefaultConfig())
	rxSessions := session.New(session.DefaultConfig())

	var gotData []byte
	var gotSrc uint64
	onMessage := func(data []byte, src64 uint64) {
		gotData = append([]byte(nil), data...)
		gotSrc = src64
	}

	var tx *Transmitter
	back := &backwardLink{maxNackRounds: 10}
	forward := &forwardLink{src64: testSrc64}
	recv := NewReceiver(rxSessions, back, &Stats{}, 10, onMessage)
	forward.recv = recv
	tx = NewTransmitter(txSessions, forward, &Stats{}, DefaultMaxPayload)
	back.tx = tx

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := tx.SendMessage(ctx, []byte("hello"), testSrc64)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", string(gotData))
	assert.Equal(t, uint64(testSrc64), gotSrc)
	assert.Equal(t, 0, rxSessions.RXSessionCount())
	assert.Equal(t, 0, txSessions.TXSessionCount())
}

func TestMultiFragmentMessageWithoutLoss(t *testing.T) {
	txSessions := session.New(session.DefaultConfig())
	rxSessions := session.New(session.DefaultConfig())

	var gotData []byte
	onMessage := func(data []byte, src64 uint64) { gotData = append([]byte(nil), data...) }

	var tx *Transmitter
	back := &backwardLink{maxNackRounds: 10}
	forward := &forwardLink{src64: testSrc64}
	recv := NewReceiver(rxSessions, back, &Stats{}, 10, onMessage)
	forward.recv = recv
	tx = NewTransmitter(txSessions, forward, &Stats{}, 30)
	back.tx = tx

	payload := make([]byte, 95)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := tx.SendMessage(ctx, payload, testSrc64)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, gotData)
}

func TestSingleLostFragmentRecoversViaNack(t *testing.T) {
	txSessions := session.New(session.DefaultConfig())
	rxSessions := session.New(session.DefaultConfig())

	var gotData []byte
	onMessage := func(data []byte, src64 uint64) { gotData = append([]byte(nil), data...) }

	var tx *Transmitter
	back := &backwardLink{maxNackRounds: 10}
	forward := &forwardLink{src64: testSrc64, drop: map[uint16]bool{1: true}}
	stats := &Stats{NacksSent: &Counter{}}
	recv := NewReceiver(rxSessions, back, stats, 10, onMessage)
	forward.recv = recv
	txStats := &Stats{Retransmitted: &Counter{}}
	tx = NewTransmitter(txSessions, forward, txStats, 30)
	back.tx = tx

	payload := make([]byte, 95)
	for i := range payload {
		payload[i] = byte(i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := tx.SendMessage(ctx, payload, testSrc64)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload, gotData)
	assert.Equal(t, int64(1), stats.NacksSent.Load())
	assert.Equal(t, int64(1), txStats.Retransmitted.Load())
}

func TestCompletelyLostTailExpiresViaHousekeeping(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.FragmentTimeout = 10 * time.Millisecond
	cfg.SessionTimeout = 50 * time.Millisecond
	cfg.HousekeepingInterval = 5 * time.Millisecond
	txSessions := session.New(cfg)
	rxSessions := session.New(cfg)

	var delivered bool
	onMessage := func(data []byte, src64 uint64) { delivered = true }

	var tx *Transmitter
	back := &backwardLink{maxNackRounds: 1}
	// Drop fragments 1 and 2 permanently by never clearing the drop set;
	// forwardLink.Send deletes an index after a single drop, so seed a
	// sentinel that survives: wrap with a link that always drops these two.
	forward := &alwaysDropLink{src64: testSrc64, drop: map[uint16]bool{1: true, 2: true}}
	recv := NewReceiver(rxSessions, back, &Stats{NacksSent: &Counter{}}, 1, onMessage)
	forward.recv = recv
	tx = NewTransmitter(txSessions, forward, &Stats{}, 30)
	back.tx = tx

	rxSessions.Start()
	defer rxSessions.Stop()
	txSessions.Start()
	defer txSessions.Stop()

	payload := make([]byte, 95) // 4 fragments: 0,1,2,3
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := tx.SendMessage(ctx, payload, testSrc64)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, delivered)

	deadline := time.Now().Add(time.Second)
	for rxSessions.RXSessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, rxSessions.RXSessionCount())
	assert.Equal(t, 0, txSessions.TXSessionCount())
}

// alwaysDropLink drops the configured indices on every delivery attempt,
// including retransmits, to exercise the max-NACK-rounds give-up path.
type alwaysDropLink struct {
	recv  *Receiver
	src64 uint64
	drop  map[uint16]bool
}

func (a *alwaysDropLink) Send(dest64 uint64, data []byte) error {
	if typ, err := MessageType(data); err == nil && typ == TypeData {
		if h, err := DecodeHeader(data); err == nil && a.drop[h.FragIdx] {
			return nil
		}
	}
	a.recv.HandleData(data, a.src64)
	return nil
}

func TestCorruptedFragmentCountsAsCRCFailure(t *testing.T) {
	rxSessions := session.New(session.DefaultConfig())
	stats := &Stats{CRCFailures: &Counter{}}
	recv := NewReceiver(rxSessions, nil, stats, 10, nil)

	wire := EncodeDataFragment(1, 3, 0, 1, []byte("abc"))
	wire[HeaderSize] ^= 0xFF

	recv.HandleData(wire, testSrc64)
	assert.Equal(t, int64(1), stats.CRCFailures.Load())
	assert.Equal(t, 0, rxSessions.RXSessionCount())
}
