package vector

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/types"
)

func newBackend(t *testing.T) backend.Backend {
	t.Helper()
	b, err := New(nil, nil, nil)
	require.NoError(t, err)
	return b
}

func TestCollectionLifecycle(t *testing.T) {
	b := newBackend(t)

	res := b.CreateCollection("c")
	require.True(t, res.Success)

	res = b.CreateCollection("c")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrAlreadyExists, res.Kind)

	res = b.OpenCollection("c")
	assert.True(t, res.Success)

	res = b.OpenCollection("missing")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)

	res = b.DropCollection("c")
	assert.True(t, res.Success)

	res = b.DropCollection("c")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)
}

func TestStoreFetchInvariants(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	const k = 5
	for i := 0; i < k; i++ {
		res := b.Store("c", fmt.Sprintf(`{"i":%d}`, i), true)
		require.True(t, res.Success)
		assert.Equal(t, uint64(i), res.Value)
	}

	size := b.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(k), size.Value)

	last := b.LastID("c")
	require.True(t, last.Success)
	assert.Equal(t, uint64(k-1), last.Value)

	for i := 0; i < k; i++ {
		res := b.Fetch("c", uint64(i))
		require.True(t, res.Success)
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(res.Value), &doc))
		assert.Equal(t, float64(i), doc["i"])
		assert.Equal(t, float64(i), doc[types.IDField])
	}
}

func TestIDInjectionOverridesCaller(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	res := b.Store("c", `{"__id":999,"name":"A"}`, true)
	require.True(t, res.Success)
	assert.Equal(t, uint64(0), res.Value)

	fetched := b.Fetch("c", 0)
	require.True(t, fetched.Success)
	id, err := types.RecordID(fetched.Value)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
}

func TestScenarioCRUD(t *testing.T) {
	// Three records, erase the middle one.
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	for _, name := range []string{"A", "B", "C"} {
		res := b.Store("c", fmt.Sprintf(`{"name":%q}`, name), true)
		require.True(t, res.Success)
	}

	require.True(t, b.Erase("c", 1, true).Success)

	size := b.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(2), size.Value)

	last := b.LastID("c")
	require.True(t, last.Success)
	assert.Equal(t, uint64(2), last.Value)

	fetched := b.Fetch("c", 1)
	assert.False(t, fetched.Success)
	assert.Equal(t, types.ErrNotFound, fetched.Kind)

	all := b.All("c")
	require.True(t, all.Success)
	var names []string
	for _, record := range all.Value {
		var doc struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal([]byte(record), &doc))
		names = append(names, doc.Name)
	}
	assert.Equal(t, []string{"A", "C"}, names)
}

func TestUpdate(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"name":"A"}`, true).Success)

	res := b.Update("c", 0, `{"name":"A2"}`, true)
	require.True(t, res.Success)

	fetched := b.Fetch("c", 0)
	require.True(t, fetched.Success)
	var doc struct {
		Name string `json:"name"`
		ID   uint64 `json:"__id"`
	}
	require.NoError(t, json.Unmarshal([]byte(fetched.Value), &doc))
	assert.Equal(t, "A2", doc.Name)
	assert.Equal(t, uint64(0), doc.ID)

	res = b.Update("c", 99, `{"name":"X"}`, true)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)
}

func TestUpdateMultiPartial(t *testing.T) {
	// One valid id, one missing id.
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	for _, name := range []string{"A", "B", "C"} {
		require.True(t, b.Store("c", fmt.Sprintf(`{"name":%q}`, name), true).Success)
	}

	res := b.UpdateMulti("c", []uint64{0, 99}, []string{`{"name":"A2"}`, `{"name":"X"}`}, true)
	require.True(t, res.Success)
	assert.Equal(t, []bool{true, false}, res.Value)

	fetched := b.Fetch("c", 0)
	require.True(t, fetched.Success)
	assert.Contains(t, fetched.Value, `"A2"`)
}

func TestUpdateMultiFewerContents(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"n":0}`, true).Success)
	require.True(t, b.Store("c", `{"n":1}`, true).Success)

	res := b.UpdateMulti("c", []uint64{0, 1}, []string{`{"n":10}`}, true)
	require.True(t, res.Success)
	assert.Equal(t, []bool{true, false}, res.Value)
}

func TestUpdateMultiJSONRequiresObjects(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"n":0}`, true).Success)
	require.True(t, b.Store("c", `{"n":1}`, true).Success)

	res := b.UpdateMultiJSON("c", []uint64{0, 1}, json.RawMessage(`[{"n":10}, 42]`), true)
	require.True(t, res.Success)
	assert.Equal(t, []bool{true, false}, res.Value)
}

func TestStoreMulti(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"n":0}`, true).Success)

	res := b.StoreMulti("c", []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, true)
	require.True(t, res.Success)
	assert.Equal(t, []uint64{1, 2, 3}, res.Value)

	size := b.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(4), size.Value)
}

func TestFetchMultiSentinels(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"n":0}`, true).Success)
	require.True(t, b.Store("c", `{"n":1}`, true).Success)

	res := b.FetchMulti("c", []uint64{0, 7, 1})
	require.True(t, res.Success)
	require.Len(t, res.Value, 3)
	assert.NotEmpty(t, res.Value[0])
	assert.Empty(t, res.Value[1])
	assert.NotEmpty(t, res.Value[2])
}

func TestEraseTwiceKeepsSize(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"n":0}`, true).Success)
	require.True(t, b.Store("c", `{"n":1}`, true).Success)

	require.True(t, b.Erase("c", 0, true).Success)
	require.True(t, b.Erase("c", 0, true).Success)

	size := b.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(1), size.Value)
}

func TestLastIDOnEmptyCollection(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	res := b.LastID("c")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrEmpty, res.Kind)
}

func TestUnsupportedOperations(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	filter := b.Filter("c", "function(r) return true end")
	assert.False(t, filter.Success)
	assert.Equal(t, types.ErrUnsupported, filter.Kind)

	exec := b.Execute("print(1)", nil, false)
	assert.False(t, exec.Success)
	assert.Equal(t, types.ErrUnsupported, exec.Kind)
}

func TestInvalidRecord(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	res := b.Store("c", `not json`, true)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrInvalid, res.Kind)
}

func TestMissingCollectionErrors(t *testing.T) {
	b := newBackend(t)
	ops := map[string]func() bool{
		"store":  func() bool { return b.Store("nope", `{}`, true).Success },
		"fetch":  func() bool { return b.Fetch("nope", 0).Success },
		"all":    func() bool { return b.All("nope").Success },
		"size":   func() bool { return b.Size("nope").Success },
		"lastID": func() bool { return b.LastID("nope").Success },
		"erase":  func() bool { return b.Erase("nope", 0, true).Success },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.False(t, op())
		})
	}
}
