package lazy

import (
	"encoding/json"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/backend/vector"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// countingBackend wraps the vector oracle and counts the write calls
// that reach it.
type countingBackend struct {
	backend.Backend
	storeJSONCalls      atomic.Int64
	storeMultiJSONCalls atomic.Int64
}

func (c *countingBackend) StoreJSON(coll string, record json.RawMessage, commit bool) types.Result[uint64] {
	c.storeJSONCalls.Add(1)
	return c.Backend.StoreJSON(coll, record, commit)
}

func (c *countingBackend) StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64] {
	c.storeMultiJSONCalls.Add(1)
	return c.Backend.StoreMultiJSON(coll, records, commit)
}

func setup(t *testing.T, flushOnRead bool) (*Lazy, *countingBackend) {
	t.Helper()
	inner, err := vector.New(nil, nil, nil)
	require.NoError(t, err)
	counting := &countingBackend{Backend: inner}
	p, err := pool.New(4)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	l := New(counting, p, flushOnRead, true)
	require.True(t, l.CreateCollection("c").Success)
	return l, counting
}

func TestStoreReturnsSentinel(t *testing.T) {
	l, _ := setup(t, true)

	res := l.Store("c", `{"name":"A"}`, false)
	require.True(t, res.Success)
	assert.Equal(t, SentinelID, res.Value)
}

func TestFlushOnReadMakesWritesVisible(t *testing.T) {
	// With flush_on_read enabled, a fetch right after an async store
	// must see the stored document.
	l, _ := setup(t, true)

	res := l.Store("c", `{"name":"A"}`, false)
	require.True(t, res.Success)

	fetched := l.Fetch("c", 0)
	require.True(t, fetched.Success)
	assert.Contains(t, fetched.Value, `"A"`)
}

func TestCommitMakesWritesVisible(t *testing.T) {
	// After Commit every acknowledged write is readable, regardless
	// of flush_on_read.
	l, _ := setup(t, false)

	for i := 0; i < 10; i++ {
		require.True(t, l.Store("c", `{"n":1}`, false).Success)
	}
	require.True(t, l.Commit().Success)

	size := l.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(10), size.Value)
}

func TestInnerIDsAreAuthoritative(t *testing.T) {
	l, _ := setup(t, true)

	require.True(t, l.Store("c", `{"n":0}`, false).Success)
	require.True(t, l.Store("c", `{"n":1}`, false).Success)

	last := l.LastID("c")
	require.True(t, last.Success)
	assert.Equal(t, uint64(1), last.Value)
}

func TestStoreMultiDefersOneBatch(t *testing.T) {
	l, counting := setup(t, true)

	res := l.StoreMulti("c", []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, false)
	require.True(t, res.Success)
	require.Len(t, res.Value, 3)
	for _, id := range res.Value {
		assert.Equal(t, SentinelID, id)
	}

	require.True(t, l.Commit().Success)
	assert.Equal(t, int64(1), counting.storeMultiJSONCalls.Load())

	size := l.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(3), size.Value)
}

func TestInvalidJSONRejectedSynchronously(t *testing.T) {
	l, counting := setup(t, true)

	res := l.Store("c", `not json`, false)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrInvalid, res.Kind)
	require.True(t, l.Commit().Success)
	assert.Equal(t, int64(0), counting.storeJSONCalls.Load())
}

func TestDropCollectionFlushesFirst(t *testing.T) {
	l, counting := setup(t, false)

	require.True(t, l.Store("c", `{"n":0}`, false).Success)
	require.True(t, l.DropCollection("c").Success)
	assert.Equal(t, int64(1), counting.storeJSONCalls.Load())
}

func TestGetConfigComposesInner(t *testing.T) {
	l, _ := setup(t, true)

	var cfg struct {
		FlushOnRead bool            `json:"flush-on-read"`
		FlushOnExec bool            `json:"flush-on-exec"`
		Config      json.RawMessage `json:"config"`
	}
	require.NoError(t, json.Unmarshal([]byte(l.GetConfig()), &cfg))
	assert.True(t, cfg.FlushOnRead)
	assert.True(t, cfg.FlushOnExec)
	assert.Equal(t, "{}", string(cfg.Config))
}
