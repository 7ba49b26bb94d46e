package facade

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/librescoot/xbeed/pkg/fragment"
	"github.com/librescoot/xbeed/pkg/redis"
)

// Redis keys this facade owns (spec.md's GUI/DI/JSON-command layers stay
// out of scope; these are the minimal ambient stand-in named in SPEC_FULL
// §7).
const (
	KeyTXList    = "xbee:tx"    // BRPop-consumed outbound send requests
	KeyRXChannel = "xbee:rx"    // published on every delivered message
	KeyStatsHash = "xbee:stats" // one field per counter
)

// statsFieldNames pairs each counter with its Redis hash field name, in
// the fixed order spec.md §6 lists them.
func (f *Facade) statsFieldNames() []struct {
	name string
	c    *fragment.Counter
} {
	return []struct {
		name string
		c    *fragment.Counter
	}{
		{"fragments_sent", f.stats.FragmentsSent},
		{"fragments_received", f.stats.FragmentsReceived},
		{"retransmitted", f.stats.Retransmitted},
		{"nacks_sent", f.stats.NacksSent},
		{"crc_failures", f.stats.CRCFailures},
		{"messages_completed", f.stats.MessagesCompleted},
	}
}

// RefreshStats mirrors every counter into the xbee:stats Redis hash,
// writing and publishing each value on every call, matching the teacher's
// Client.WriteAndPublishInt field:value pub/sub shape.
func (f *Facade) RefreshStats(client *redis.Client) {
	for _, field := range f.statsFieldNames() {
		if err := client.WriteAndPublishInt(KeyStatsHash, field.name, int(field.c.Load())); err != nil {
			log.Printf("facade: failed to mirror stat %s: %v", field.name, err)
		}
	}
}

// PublishReceived publishes a delivered message to xbee:rx as
// "srcHex:base64(payload)", the plain-string shape SPEC_FULL §7 calls for
// (mirroring the teacher's plain "field:value" pub/sub payloads rather
// than reintroducing JSON).
func (f *Facade) PublishReceived(client *redis.Client, data []byte, src64 uint64) {
	msg := fmt.Sprintf("%016x:%s", src64, base64.StdEncoding.EncodeToString(data))
	if err := client.Publish(KeyRXChannel, msg); err != nil {
		log.Printf("facade: failed to publish received message: %v", err)
	}
}

// WatchCommands runs the fourth concurrent context SPEC_FULL §6 adds:
// a BRPop loop over xbee:tx, parsing "destHex:base64(payload)" and
// dispatching each as its own SendMessage call so multiple sends may be
// in flight concurrently, grounded on the teacher's
// Service.WatchRedisCommands/Client.BRPop loop.
func (f *Facade) WatchCommands(ctx context.Context, client *redis.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := client.BRPop(time.Second, KeyTXList)
		if err != nil {
			log.Printf("facade: error receiving from %s: %v", KeyTXList, err)
			time.Sleep(time.Second)
			continue
		}
		if result == nil {
			continue // BRPop timeout, loop and re-check ctx
		}
		if len(result) != 2 {
			log.Printf("facade: unexpected BRPop result shape: %v", result)
			continue
		}

		dest64, payload, err := parseTXCommand(result[1])
		if err != nil {
			log.Printf("facade: dropping malformed %s entry: %v", KeyTXList, err)
			continue
		}

		go func() {
			sendCtx, cancel := context.WithTimeout(ctx, f.cfg.Session.SessionTimeout)
			defer cancel()
			if ok, err := f.SendMessage(sendCtx, payload, dest64); err != nil {
				log.Printf("facade: send to 0x%016X failed: %v", dest64, err)
			} else if !ok {
				log.Printf("facade: send to 0x%016X did not complete", dest64)
			}
		}()
	}
}

func parseTXCommand(entry string) (uint64, []byte, error) {
	parts := strings.SplitN(entry, ":", 2)
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("expected destHex:base64payload, got %q", entry)
	}
	dest64, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid destination address %q: %w", parts[0], err)
	}
	payload, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return dest64, payload, nil
}

// snapshotSession is one live session's debug shape.
type snapshotSession struct {
	MsgID        uint16 `cbor:"msg_id"`
	AgeMS        int64  `cbor:"age_ms"`
	NackRounds   int    `cbor:"nack_rounds"`
	MissingCount int    `cbor:"missing_count,omitempty"`
}

type snapshot struct {
	Stats map[string]int64  `cbor:"stats"`
	TX    []snapshotSession `cbor:"tx_sessions"`
	RX    []snapshotSession `cbor:"rx_sessions"`
}

// SnapshotCBOR encodes the current counters plus every live TX/RX
// session's (msg_id, age, NACK rounds, missing-fragment count) as a CBOR
// map, for an operator debug dump — reusing the teacher's
// cbor.Marshal(map[uint16]...) idiom from pkg/service/helpers.go against
// a new, transport-native payload shape.
func (f *Facade) SnapshotCBOR() ([]byte, error) {
	snap := snapshot{Stats: make(map[string]int64)}
	for _, field := range f.statsFieldNames() {
		snap.Stats[field.name] = field.c.Load()
	}

	now := time.Now()
	for _, s := range f.sessions.SnapshotTX() {
		snap.TX = append(snap.TX, snapshotSession{
			MsgID:      s.MsgID,
			AgeMS:      now.Sub(s.Start).Milliseconds(),
			NackRounds: s.NackRoundCount(),
		})
	}
	for _, s := range f.sessions.SnapshotRX() {
		snap.RX = append(snap.RX, snapshotSession{
			MsgID:        s.MsgID,
			AgeMS:        now.Sub(s.Start).Milliseconds(),
			NackRounds:   s.NackRoundCount(),
			MissingCount: len(s.IDsMissing()),
		})
	}

	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("facade: failed to marshal CBOR snapshot: %w", err)
	}
	return data, nil
}
