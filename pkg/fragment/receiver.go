package fragment

import (
	"log"
	"time"

	"github.com/librescoot/xbeed/pkg/session"
)

// Sender is the minimal outbound surface the receiver needs: fire a
// message at a single 64-bit destination, no response expected. Satisfied
// by pkg/xbee.Device.Send.
type Sender interface {
	Send(dest64 uint64, data []byte) error
}

// Stats holds the facade counters updated by the Receiver and the
// Transmitter. Methods are no-ops on a nil *Stats or a nil counter so
// tests may omit them.
type Stats struct {
	FragmentsSent     *Counter
	FragmentsReceived *Counter
	CRCFailures       *Counter
	NacksSent         *Counter
	Retransmitted     *Counter
	MessagesCompleted *Counter
}

// Receiver validates inbound DATA fragments, fills RX sessions, emits
// completed messages, and drives NACK/DONE generation.
//
// Grounded on spec.md §4.7 and other_examples/firestige-Otus/reassembly.go's
// slot-fill-then-check-complete reassembly loop.
type Receiver struct {
	sessions      *session.Manager
	sender        Sender
	stats         *Stats
	onMessage     func(data []byte, src64 uint64)
	maxNackRounds int
}

// NewReceiver wires a Receiver to its session manager and outbound
// sender, and subscribes to the session manager's activity-timeout event
// to emit NACKs for stalled reassemblies.
func NewReceiver(sessions *session.Manager, sender Sender, stats *Stats, maxNackRounds int, onMessage func(data []byte, src64 uint64)) *Receiver {
	r := &Receiver{sessions: sessions, sender: sender, stats: stats, maxNackRounds: maxNackRounds, onMessage: onMessage}
	sessions.OnActivityTimeout(r.handleActivityTimeout)
	return r
}

// HandleData processes one inbound DATA fragment from src64.
func (r *Receiver) HandleData(wire []byte, src64 uint64) {
	if len(wire) < HeaderSize+CRCSize {
		return
	}
	h, payload, err := DecodeDataFragment(wire)
	if err != nil {
		r.stats.incCRCFailures()
		log.Printf("fragment: dropping bad DATA fragment from 0x%016X: %v", src64, err)
		return
	}

	sess, err := r.sessions.GetOrCreateRXSession(h.MsgID, h.TotalLen, h.FragCnt, src64)
	if err != nil {
		log.Printf("fragment: %v", err)
		return
	}

	filled, complete := sess.Fill(h.FragIdx, payload, time.Now())
	if filled {
		r.stats.incFragmentsReceived()
	} else {
		sess.Touch(time.Now())
	}

	if complete {
		r.deliver(sess)
		return
	}

	if h.FragIdx == h.FragCnt-1 {
		r.sendNack(sess)
	}
}

// The Receiver handles DATA only. Inbound NACK and DONE messages are
// routed by the caller (pkg/facade's handleRFData) straight to
// Transmitter.HandleNack and Transmitter.HandleDone.

func (r *Receiver) deliver(sess *session.RXSession) {
	data, err := sess.Reassemble()
	if err != nil {
		log.Printf("fragment: %v", err)
		r.sessions.RemoveRXSession(sess.MsgID)
		return
	}
	if r.onMessage != nil {
		r.onMessage(data, sess.Source64)
	}
	r.stats.incMessagesCompleted()
	if r.sender != nil {
		if err := r.sender.Send(sess.Source64, EncodeDone(sess.MsgID)); err != nil {
			log.Printf("fragment: failed to send DONE for msg %d: %v", sess.MsgID, err)
		}
	}
	r.sessions.RemoveRXSession(sess.MsgID)
}

func (r *Receiver) handleActivityTimeout(sess *session.RXSession) {
	r.sendNack(sess)
}

// sendNack collects every empty slot and transmits a NACK, incrementing
// the session's NACK count. If the count exceeds MaxNackRounds, the
// session is dropped instead — a stuck sender cannot keep us allocating
// (spec.md §4.7).
func (r *Receiver) sendNack(sess *session.RXSession) {
	rounds := sess.BumpNackRounds()
	if rounds > r.maxNackRounds {
		log.Printf("fragment: dropping RX session %d after exceeding max NACK rounds", sess.MsgID)
		r.sessions.RemoveRXSession(sess.MsgID)
		return
	}
	missing := sess.IDsMissing()
	if len(missing) == 0 {
		return
	}
	nack := EncodeNack(sess.MsgID, missing)
	r.stats.incNacksSent()
	if r.sender != nil {
		if err := r.sender.Send(sess.Source64, nack); err != nil {
			log.Printf("fragment: failed to send NACK for msg %d: %v", sess.MsgID, err)
		}
	}
}

func (s *Stats) incCRCFailures() {
	if s == nil || s.CRCFailures == nil {
		return
	}
	s.CRCFailures.Inc()
}

func (s *Stats) incFragmentsReceived() {
	if s == nil || s.FragmentsReceived == nil {
		return
	}
	s.FragmentsReceived.Inc()
}

func (s *Stats) incNacksSent() {
	if s == nil || s.NacksSent == nil {
		return
	}
	s.NacksSent.Inc()
}

func (s *Stats) incMessagesCompleted() {
	if s == nil || s.MessagesCompleted == nil {
		return
	}
	s.MessagesCompleted.Inc()
}
