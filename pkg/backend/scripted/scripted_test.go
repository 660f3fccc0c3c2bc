package scripted

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/sonata/pkg/types"
)

func newBackend(t *testing.T) *Scripted {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	cfg, err := json.Marshal(Config{Path: path})
	require.NoError(t, err)
	b, err := create(nil, nil, cfg)
	require.NoError(t, err)
	sb := b.(*Scripted)
	t.Cleanup(func() { sb.Close() })
	return sb
}

func TestCreateRequiresPath(t *testing.T) {
	_, err := create(nil, nil, json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestCreateRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	cfg, err := json.Marshal(Config{Path: path})
	require.NoError(t, err)
	b, err := create(nil, nil, cfg)
	require.NoError(t, err)
	require.NoError(t, b.(*Scripted).Close())

	_, err = create(nil, nil, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestInMemoryNeedsNoPath(t *testing.T) {
	b, err := create(nil, nil, json.RawMessage(`{"in-memory":true}`))
	require.NoError(t, err)
	sb := b.(*Scripted)
	require.True(t, sb.CreateCollection("c").Success)
	require.True(t, sb.Store("c", `{"n":1}`, true).Success)
	require.True(t, sb.Destroy().Success)
}

func TestCollectionLifecycle(t *testing.T) {
	b := newBackend(t)

	require.True(t, b.CreateCollection("c").Success)

	res := b.CreateCollection("c")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrAlreadyExists, res.Kind)

	assert.True(t, b.OpenCollection("c").Success)

	res = b.OpenCollection("missing")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)

	assert.True(t, b.DropCollection("c").Success)
	res = b.DropCollection("c")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)
}

func TestStoreFetchInvariants(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	const k = 4
	for i := 0; i < k; i++ {
		res := b.Store("c", fmt.Sprintf(`{"i":%d}`, i), true)
		require.True(t, res.Success, res.Error)
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
		require.True(t, res.Success, res.Error)
		var doc map[string]any
		require.NoError(t, json.Unmarshal([]byte(res.Value), &doc))
		assert.Equal(t, float64(i), doc["i"])
		assert.Equal(t, float64(i), doc[types.IDField])
	}
}

func TestEraseTombstones(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	for i := 0; i < 3; i++ {
		require.True(t, b.Store("c", fmt.Sprintf(`{"i":%d}`, i), true).Success)
	}

	require.True(t, b.Erase("c", 1, true).Success)

	fetched := b.Fetch("c", 1)
	assert.False(t, fetched.Success)
	assert.Equal(t, types.ErrNotFound, fetched.Kind)

	size := b.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(2), size.Value)

	last := b.LastID("c")
	require.True(t, last.Success)
	assert.Equal(t, uint64(2), last.Value)

	// The erased id is never reused.
	res := b.Store("c", `{"i":3}`, true)
	require.True(t, res.Success)
	assert.Equal(t, uint64(3), res.Value)
}

func TestUpdate(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"name":"A"}`, true).Success)

	require.True(t, b.Update("c", 0, `{"name":"A2"}`, true).Success)
	fetched := b.Fetch("c", 0)
	require.True(t, fetched.Success)
	assert.Contains(t, fetched.Value, `"A2"`)

	res := b.Update("c", 99, `{"name":"X"}`, true)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)
}

func TestStoreMulti(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	res := b.StoreMulti("c", []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, true)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []uint64{0, 1, 2}, res.Value)
}

func TestFetchMultiSentinels(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"n":0}`, true).Success)
	require.True(t, b.Store("c", `{"n":1}`, true).Success)

	res := b.FetchMulti("c", []uint64{0, 9, 1})
	require.True(t, res.Success)
	require.Len(t, res.Value, 3)
	assert.NotEmpty(t, res.Value[0])
	assert.Empty(t, res.Value[1])
	assert.NotEmpty(t, res.Value[2])
}

func TestFilter(t *testing.T) {
	// The predicate selects by a numeric field.
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	for _, papers := range []int{10, 40, 50} {
		require.True(t, b.Store("c", fmt.Sprintf(`{"papers":%d}`, papers), true).Success)
	}

	res := b.Filter("c", "function(r) return r.papers > 35 end")
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Value, 2)

	res = b.Filter("c", "function(r) return r.papers > 1000 end")
	require.True(t, res.Success)
	assert.Empty(t, res.Value)
}

func TestFilterEmptyCollection(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)

	res := b.Filter("c", "function(r) return true end")
	require.True(t, res.Success)
	assert.Empty(t, res.Value)
}

func TestFilterAllTrueReturnsLiveRecords(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	for i := 0; i < 3; i++ {
		require.True(t, b.Store("c", fmt.Sprintf(`{"i":%d}`, i), true).Success)
	}
	require.True(t, b.Erase("c", 0, true).Success)

	res := b.Filter("c", "function(r) return true end")
	require.True(t, res.Success)
	assert.Len(t, res.Value, 2)
}

func TestFilterMissingCollection(t *testing.T) {
	b := newBackend(t)
	res := b.Filter("missing", "function(r) return true end")
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)
}

func TestAll(t *testing.T) {
	b := newBackend(t)
	require.True(t, b.CreateCollection("c").Success)
	require.True(t, b.Store("c", `{"n":0}`, true).Success)
	require.True(t, b.Store("c", `{"n":1}`, true).Success)

	res := b.All("c")
	require.True(t, res.Success)
	assert.Len(t, res.Value, 2)
}

func TestExecute(t *testing.T) {
	b := newBackend(t)

	code := `
zcol = 'users'
if db_exists(zcol) then
  print("Collection users already created")
else
  rc = db_create(zcol)
  print("Collection users successfully created")
end`
	res := b.Execute(code, []string{"rc", types.OutputVar}, true)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "true", res.Value["rc"])
	assert.Contains(t, res.Value[types.OutputVar], "successfully created")

	// The collection created by the script is visible afterwards.
	assert.True(t, b.OpenCollection("users").Success)

	// Malformed code fails Invalid.
	bad := b.Execute("sdasd{}[2", []string{"rc"}, false)
	assert.False(t, bad.Success)
	assert.Equal(t, types.ErrInvalid, bad.Kind)
}

func TestExecuteSerializesVariables(t *testing.T) {
	b := newBackend(t)

	res := b.Execute(`a = 42; s = "hi"; flag = false; tbl = {x = 1}`,
		[]string{"a", "s", "flag", "tbl", "missing"}, false)
	require.True(t, res.Success)
	assert.Equal(t, "42", res.Value["a"])
	assert.Equal(t, "hi", res.Value["s"])
	assert.Equal(t, "false", res.Value["flag"])
	assert.JSONEq(t, `{"x":1}`, res.Value["tbl"])
	assert.Equal(t, "null", res.Value["missing"])
}

func TestPersistenceAcrossAttach(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	cfg, err := json.Marshal(Config{Path: path})
	require.NoError(t, err)

	b, err := create(nil, nil, cfg)
	require.NoError(t, err)
	sb := b.(*Scripted)
	require.True(t, sb.CreateCollection("c").Success)
	for i := 0; i < 3; i++ {
		require.True(t, sb.Store("c", fmt.Sprintf(`{"i":%d}`, i), true).Success)
	}
	require.True(t, sb.Erase("c", 1, true).Success)
	require.True(t, sb.Commit().Success)
	require.NoError(t, sb.Close())

	reopened, err := attach(nil, nil, cfg)
	require.NoError(t, err)
	rb := reopened.(*Scripted)
	defer rb.Close()

	size := rb.Size("c")
	require.True(t, size.Success)
	assert.Equal(t, uint64(2), size.Value)

	last := rb.LastID("c")
	require.True(t, last.Success)
	assert.Equal(t, uint64(2), last.Value)

	fetched := rb.Fetch("c", 0)
	require.True(t, fetched.Success)
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(fetched.Value), &doc))
	assert.Equal(t, float64(0), doc[types.IDField])

	missing := rb.Fetch("c", 1)
	assert.False(t, missing.Success)
	assert.Equal(t, types.ErrNotFound, missing.Kind)
}

func TestAttachMissingFile(t *testing.T) {
	cfg, err := json.Marshal(Config{Path: filepath.Join(t.TempDir(), "absent.db")})
	require.NoError(t, err)
	_, err = attach(nil, nil, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestDestroyRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.db")
	cfg, err := json.Marshal(Config{Path: path})
	require.NoError(t, err)
	b, err := create(nil, nil, cfg)
	require.NoError(t, err)

	require.True(t, b.Destroy().Success)
	_, err = attach(nil, nil, cfg)
	require.Error(t, err)
}

func TestGetConfig(t *testing.T) {
	b := newBackend(t)
	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(b.GetConfig()), &cfg))
	assert.NotEmpty(t, cfg.Path)
}
