package journal

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(DepositMade, map[string]int64{"amount": 100}))
	require.NoError(t, j.Append(TradeExecuted, map[string]int64{"price": 5}))

	var seqs []uint64
	var types []EventType
	require.NoError(t, j.Replay(func(evt *Event) error {
		seqs = append(seqs, evt.Seq)
		types = append(types, evt.Type)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2}, seqs)
	assert.Equal(t, []EventType{DepositMade, TradeExecuted}, types)
}

func TestChainVerifies(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(OrderPlaced, map[string]int{"i": i}))
	}

	count, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), count)
}

func TestChainContinuesAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")

	j, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Append(DepositMade, map[string]int64{"amount": 1}))
	firstHash := j.prevHash
	require.NoError(t, j.Close())

	j, err = Open(dir)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, firstHash, j.prevHash, "tip recovered from disk")

	require.NoError(t, j.Append(WithdrawalMade, map[string]int64{"amount": 1}))
	count, err := j.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestTamperDetected(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := Open(dir)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(DepositMade, map[string]int64{"amount": 100}))
	require.NoError(t, j.Append(DepositMade, map[string]int64{"amount": 200}))

	// Rewrite the first event with a doctored payload but the stored hash.
	var first Event
	require.NoError(t, j.Replay(func(evt *Event) error {
		if evt.Seq == 1 {
			first = *evt
		}
		return nil
	}))
	first.Payload = json.RawMessage(`{"amount":999}`)
	doctored, err := json.Marshal(&first)
	require.NoError(t, err)
	require.NoError(t, j.db.Set(eventKey(1), doctored, pebble.Sync))

	_, err = j.Verify()
	assert.Error(t, err, "hash chain exposes the rewrite")
}
