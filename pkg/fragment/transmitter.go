package fragment

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/librescoot/xbeed/pkg/session"
)

// pacingDelay returns the inter-fragment pacing spec.md §4.8 calls for, a
// heuristic to avoid overflowing the radio's internal transmit buffer.
func pacingDelay(fragCount int) time.Duration {
	switch {
	case fragCount <= 10:
		return 10 * time.Millisecond
	case fragCount <= 30:
		return 15 * time.Millisecond
	case fragCount <= 50:
		return 20 * time.Millisecond
	default:
		return 30 * time.Millisecond
	}
}

// retransmitPause is the extra pause every fifth retransmitted fragment
// in a NACK response, per spec.md §4.8.
const retransmitPause = 20 * time.Millisecond

// Transmitter splits outbound payloads into fragments, paces their
// initial transmission, and drives NACK-triggered retransmission to
// completion or failure.
//
// Grounded on spec.md §4.8 and other_examples/amken3d-gopper/transport.go's
// chunked-send-with-pacing shape.
type Transmitter struct {
	sessions    *session.Manager
	sender      Sender
	stats       *Stats
	payloadSize int
}

// NewTransmitter wires a Transmitter to its session manager and outbound
// sender. A payloadSize outside [1, MaxTunablePayload] is replaced by
// DefaultMaxPayload.
func NewTransmitter(sessions *session.Manager, sender Sender, stats *Stats, payloadSize int) *Transmitter {
	if payloadSize <= 0 || payloadSize > MaxTunablePayload {
		payloadSize = DefaultMaxPayload
	}
	return &Transmitter{sessions: sessions, sender: sender, stats: stats, payloadSize: payloadSize}
}

// SendMessage splits data into fragments, transmits them, and suspends
// until the remote's DONE resolves the TX session, the session times
// out, or ctx is cancelled. It reports success/failure per spec.md §4.8.
func (tx *Transmitter) SendMessage(ctx context.Context, data []byte, dest64 uint64) (bool, error) {
	if len(data) > MaxMessageSize {
		return false, fmt.Errorf("fragment: message of %d bytes exceeds max %d", len(data), MaxMessageSize)
	}

	fragCount := (len(data) + tx.payloadSize - 1) / tx.payloadSize
	if fragCount == 0 {
		fragCount = 1 // one empty fragment carries zero-length semantics (spec.md §9)
	}

	msgID := tx.sessions.NextMsgID()
	sess := tx.sessions.CreateTXSession(msgID, dest64, data)
	sess.Fragments = make([][]byte, fragCount)
	for i := 0; i < fragCount; i++ {
		start := i * tx.payloadSize
		end := start + tx.payloadSize
		if end > len(data) {
			end = len(data)
		}
		sess.Fragments[i] = EncodeDataFragment(msgID, uint32(len(data)), uint16(i), uint16(fragCount), data[start:end])
	}

	delay := pacingDelay(fragCount)
	for i, frag := range sess.Fragments {
		if err := tx.sender.Send(dest64, frag); err != nil {
			tx.sessions.RemoveTXSession(msgID)
			return false, fmt.Errorf("fragment: failed to send fragment %d/%d: %w", i, fragCount, err)
		}
		tx.stats.incFragmentsSent()
		if i < fragCount-1 {
			time.Sleep(delay)
		}
	}

	select {
	case success := <-sess.Done():
		return success, nil
	case <-ctx.Done():
		tx.sessions.RemoveTXSession(msgID)
		return false, ctx.Err()
	}
}

// HandleNack locates the TX session for msg, bumps its NACK-round
// counter, and either aborts with failure (over MaxNackRounds) or
// retransmits exactly the listed indices, pausing every fifth
// retransmit.
func (tx *Transmitter) HandleNack(wire []byte, maxNackRounds int) {
	nack, err := DecodeNack(wire)
	if err != nil {
		log.Printf("fragment: dropping bad NACK: %v", err)
		return
	}
	sess, ok := tx.sessions.GetTXSession(nack.MsgID)
	if !ok {
		return // session already completed or expired
	}

	if sess.BumpNackRound() > maxNackRounds {
		sess.Complete(false)
		tx.sessions.RemoveTXSession(nack.MsgID)
		return
	}

	dest := sess.Dest64
	for i, idx := range nack.Missing {
		if int(idx) >= len(sess.Fragments) {
			continue
		}
		if err := tx.sender.Send(dest, sess.Fragments[idx]); err != nil {
			log.Printf("fragment: retransmit of fragment %d (msg %d) failed: %v", idx, nack.MsgID, err)
			continue
		}
		tx.stats.incRetransmitted()
		if (i+1)%5 == 0 {
			time.Sleep(retransmitPause)
		}
	}
}

// HandleDone resolves the matching TX session's completion signal as
// success.
func (tx *Transmitter) HandleDone(wire []byte) {
	msgID, err := DecodeDone(wire)
	if err != nil {
		log.Printf("fragment: dropping bad DONE: %v", err)
		return
	}
	sess, ok := tx.sessions.GetTXSession(msgID)
	if !ok {
		return
	}
	sess.Complete(true)
	tx.sessions.RemoveTXSession(msgID)
}

func (s *Stats) incFragmentsSent() {
	if s == nil || s.FragmentsSent == nil {
		return
	}
	s.FragmentsSent.Inc()
}

func (s *Stats) incRetransmitted() {
	if s == nil || s.Retransmitted == nil {
		return
	}
	s.Retransmitted.Inc()
}
