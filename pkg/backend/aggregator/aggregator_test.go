package aggregator

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/backend/lazy"
	"github.com/mochi-hpc/sonata/pkg/backend/vector"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// countingBackend wraps the vector oracle and counts the batch
// deliveries that reach it.
type countingBackend struct {
	backend.Backend
	storeMultiJSONCalls atomic.Int64
}

func (c *countingBackend) StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64] {
	c.storeMultiJSONCalls.Add(1)
	return c.Backend.StoreMultiJSON(coll, records, commit)
}

func setup(t *testing.T, batchSize int, flushOnRead bool) (*Aggregator, *countingBackend) {
	t.Helper()
	inner, err := vector.New(nil, nil, nil)
	require.NoError(t, err)
	counting := &countingBackend{Backend: inner}
	p, err := pool.New(4)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	a := New(counting, p, flushOnRead, true, batchSize, true)
	require.True(t, a.CreateCollection("c").Success)
	return a, counting
}

func TestBatchingScenario(t *testing.T) {
	// batch_size=2, four stores, no read: exactly two inner
	// StoreMultiJSON calls; after Commit reads see all four.
	a, counting := setup(t, 2, false)

	for i := 0; i < 4; i++ {
		res := a.Store("c", `{"n":1}`, false)
		require.True(t, res.Success)
		assert.Equal(t, lazy.SentinelID, res.Value)
	}

	a.barrier.Flush()
	assert.Equal(t, int64(2), counting.storeMultiJSONCalls.Load())

	require.True(t, a.Commit().Success)
	size := a.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(4), size.Value)
}

func TestPartialBatchDeliveredOnCommit(t *testing.T) {
	// Five stores with batch size two: two full-batch deliveries
	// before commit, one more for the remainder after.
	a, counting := setup(t, 2, false)

	for i := 0; i < 5; i++ {
		require.True(t, a.Store("c", `{"n":1}`, false).Success)
	}
	a.barrier.Flush()
	assert.Equal(t, int64(2), counting.storeMultiJSONCalls.Load())

	require.True(t, a.Commit().Success)
	assert.Equal(t, int64(3), counting.storeMultiJSONCalls.Load())

	size := a.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(5), size.Value)
}

func TestCommitFlagForcesSubmission(t *testing.T) {
	a, counting := setup(t, 100, false)

	require.True(t, a.Store("c", `{"n":1}`, true).Success)
	a.barrier.Flush()
	assert.Equal(t, int64(1), counting.storeMultiJSONCalls.Load())
}

func TestBatchAppliesInEnqueueOrder(t *testing.T) {
	// A single worker serializes batch delivery, so enqueue order is
	// observable through the assigned ids.
	inner, err := vector.New(nil, nil, nil)
	require.NoError(t, err)
	p, err := pool.New(1)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	a := New(inner, p, true, true, 3, true)
	require.True(t, a.CreateCollection("c").Success)

	for i := 0; i < 7; i++ {
		record, err := json.Marshal(map[string]int{"n": i})
		require.NoError(t, err)
		require.True(t, a.Store("c", string(record), false).Success)
	}
	require.True(t, a.Commit().Success)

	all := a.All("c")
	require.True(t, all.Success)
	require.Len(t, all.Value, 7)
	for i, record := range all.Value {
		var doc struct {
			N  int    `json:"n"`
			ID uint64 `json:"__id"`
		}
		require.NoError(t, json.Unmarshal([]byte(record), &doc))
		assert.Equal(t, i, doc.N)
		assert.Equal(t, uint64(i), doc.ID)
	}
}

func TestFlushOnRead(t *testing.T) {
	a, _ := setup(t, 100, true)

	require.True(t, a.Store("c", `{"n":1}`, false).Success)
	size := a.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(1), size.Value)
}

func TestStoreOnUnknownCollectionOpensInner(t *testing.T) {
	inner, err := vector.New(nil, nil, nil)
	require.NoError(t, err)
	require.True(t, inner.CreateCollection("pre").Success)
	p, err := pool.New(2)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	a := New(inner, p, true, true, 4, true)

	// Known to the inner backend but not yet to the decorator.
	res := a.Store("pre", `{"n":1}`, false)
	require.True(t, res.Success)

	// Unknown everywhere.
	res = a.Store("absent", `{"n":1}`, false)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)
}

func TestStoreMultiCountsAsOneBuffer(t *testing.T) {
	a, counting := setup(t, 4, false)

	res := a.StoreMulti("c", []string{`{"n":0}`, `{"n":1}`, `{"n":2}`, `{"n":3}`, `{"n":4}`}, false)
	require.True(t, res.Success)
	require.Len(t, res.Value, 5)

	a.barrier.Flush()
	// Five buffered writes crossed the threshold once.
	assert.Equal(t, int64(1), counting.storeMultiJSONCalls.Load())

	require.True(t, a.Commit().Success)
	size := a.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(5), size.Value)
}
