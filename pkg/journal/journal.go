// Package journal is the persistence/event collaborator: an append-only,
// tamper-evident record of every state transition the engine emits. Each
// event carries the full entity snapshot at that instant plus a hash chained
// to the previous event, so an auditor can verify nothing was dropped or
// rewritten. The engine only writes; it never reads events back.
package journal

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

type EventType string

const (
	OrderPlaced    EventType = "order_placed"
	OrderCancelled EventType = "order_cancelled"
	OrderExpired   EventType = "order_expired"
	OrderFilled    EventType = "order_filled"
	TradeExecuted  EventType = "trade_executed"
	DepositMade    EventType = "deposit"
	WithdrawalMade EventType = "withdrawal"
)

// Event is one journal entry. Hash covers (PrevHash, Seq, Type, Payload).
type Event struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix milliseconds
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Payload   json.RawMessage `json:"payload"`
}

// Publisher forwards events to an external sink (e.g. Kafka). Publishing is
// best-effort; the pebble append is the record of truth.
type Publisher interface {
	Publish(evt *Event) error
}

type Journal struct {
	mu        sync.Mutex
	db        *pebble.DB
	seq       uint64
	prevHash  [32]byte
	publisher Publisher
}

// Open opens (or creates) a journal at dbPath and seeks to the chain tip.
func Open(dbPath string) (*Journal, error) {
	db, err := pebble.Open(dbPath, &pebble.Options{
		Cache:        pebble.NewCache(16 << 20),
		MemTableSize: 8 << 20,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal db at %s: %w", dbPath, err)
	}

	j := &Journal{db: db}
	if err := j.seekTip(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// SetPublisher attaches an external sink. Call before the engine starts.
func (j *Journal) SetPublisher(p Publisher) {
	j.mu.Lock()
	j.publisher = p
	j.mu.Unlock()
}

func eventKey(seq uint64) []byte {
	key := make([]byte, 12)
	copy(key, "evt/")
	binary.BigEndian.PutUint64(key[4:], seq)
	return key
}

func (j *Journal) seekTip() error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt0"), // '0' = '/'+1
	})
	if err != nil {
		return fmt.Errorf("seek journal tip: %w", err)
	}
	defer iter.Close()

	if iter.Last() && iter.Valid() {
		var evt Event
		if err := json.Unmarshal(iter.Value(), &evt); err != nil {
			return fmt.Errorf("decode journal tip: %w", err)
		}
		j.seq = evt.Seq
		hash, err := hex.DecodeString(evt.Hash)
		if err != nil || len(hash) != 32 {
			return fmt.Errorf("corrupt tip hash %q", evt.Hash)
		}
		copy(j.prevHash[:], hash)
	}
	return nil
}

func chainHash(prev [32]byte, seq uint64, evtType EventType, payload []byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(prev[:])
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	h.Write(seqBuf[:])
	h.Write([]byte(evtType))
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append records one event, chaining it to the previous entry.
func (j *Journal) Append(evtType EventType, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evtType, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.seq + 1
	hash := chainHash(j.prevHash, seq, evtType, data)

	evt := &Event{
		ID:        uuid.NewString(),
		Seq:       seq,
		Type:      evtType,
		Timestamp: time.Now().UnixMilli(),
		PrevHash:  hex.EncodeToString(j.prevHash[:]),
		Hash:      hex.EncodeToString(hash[:]),
		Payload:   data,
	}

	encoded, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := j.db.Set(eventKey(seq), encoded, pebble.Sync); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	j.seq = seq
	j.prevHash = hash

	if j.publisher != nil {
		// Best-effort: a sink outage must not block settlement.
		_ = j.publisher.Publish(evt)
	}
	return nil
}

// Replay streams all events in sequence order.
func (j *Journal) Replay(fn func(evt *Event) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt0"),
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var evt Event
		if err := json.Unmarshal(iter.Value(), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
	return nil
}

// Verify walks the full chain and confirms every hash links to its
// predecessor. Returns the number of verified events.
func (j *Journal) Verify() (uint64, error) {
	var prev [32]byte
	var count uint64

	err := j.Replay(func(evt *Event) error {
		if evt.PrevHash != hex.EncodeToString(prev[:]) {
			return fmt.Errorf("chain broken at seq %d: prev hash mismatch", evt.Seq)
		}
		want := chainHash(prev, evt.Seq, evt.Type, evt.Payload)
		if evt.Hash != hex.EncodeToString(want[:]) {
			return fmt.Errorf("chain broken at seq %d: hash mismatch", evt.Seq)
		}
		prev = want
		count++
		return nil
	})
	return count, err
}
