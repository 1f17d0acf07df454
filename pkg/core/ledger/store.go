package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store persists balances in pebble, one key per (principal, asset).
// All writes go through the Ledger's mutex, so the store itself needs no
// locking.
type Store struct {
	db *pebble.DB
}

func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(32 << 20),
		MemTableSize: 16 << 20,
		MaxOpenFiles: 500,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func balanceKey(p common.Address, asset string) []byte {
	return []byte(fmt.Sprintf("bal/%s/%s", p.Hex(), asset))
}

// SaveBalance persists one balance cell.
func (s *Store) SaveBalance(p common.Address, asset string, b Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal balance: %w", err)
	}
	if err := s.db.Set(balanceKey(p, asset), data, pebble.Sync); err != nil {
		return fmt.Errorf("save balance: %w", err)
	}
	return nil
}

// LoadAll streams every persisted balance into fn.
func (s *Store) LoadAll(fn func(p common.Address, asset string, b Balance)) error {
	prefix := []byte("bal/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("iterate balances: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		parts := bytes.SplitN(iter.Key(), []byte{'/'}, 3)
		if len(parts) != 3 {
			continue
		}
		var b Balance
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			continue // skip corrupt entries
		}
		fn(common.HexToAddress(string(parts[1])), string(parts[2]), b)
	}
	return nil
}

func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
