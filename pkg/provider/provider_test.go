package provider_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/sonata/pkg/provider"
	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"

	_ "github.com/mochi-hpc/sonata/pkg/backend/null"
	_ "github.com/mochi-hpc/sonata/pkg/backend/vector"
)

func startProvider(t *testing.T, cfg provider.Config) (*rpc.GRPCEngine, string) {
	t.Helper()
	engine, err := rpc.NewGRPCEngine("127.0.0.1:0")
	require.NoError(t, err)
	p, err := provider.New(engine, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.Close()
		engine.Close()
	})
	return engine, engine.Addr()
}

func call[T any](t *testing.T, engine *rpc.GRPCEngine, addr, op string, req any) types.Result[T] {
	t.Helper()
	var res types.Result[T]
	require.NoError(t, engine.Call(context.Background(), addr, 0, op, req, &res))
	return res
}

func setupCollection(t *testing.T, engine *rpc.GRPCEngine, addr string) {
	t.Helper()
	created := call[bool](t, engine, addr, rpc.OpCreateDatabase, rpc.AdminRequest{
		DBName: "d", Type: "vector", Config: json.RawMessage(`{}`),
	})
	require.True(t, created.Success)
	coll := call[bool](t, engine, addr, rpc.OpCreateCollection, rpc.CollectionRequest{DB: "d", Coll: "c"})
	require.True(t, coll.Success)
}

func TestJSONVariants(t *testing.T) {
	engine, addr := startProvider(t, provider.Config{})
	setupCollection(t, engine, addr)

	stored := call[uint64](t, engine, addr, rpc.OpStoreJSON, rpc.StoreJSONRequest{
		DB: "d", Coll: "c", Record: json.RawMessage(`{"name":"A"}`),
	})
	require.True(t, stored.Success)
	assert.Equal(t, uint64(0), stored.Value)

	multi := call[[]uint64](t, engine, addr, rpc.OpStoreMultiJSON, rpc.StoreMultiJSONRequest{
		DB: "d", Coll: "c", Records: json.RawMessage(`[{"name":"B"},{"name":"C"}]`),
	})
	require.True(t, multi.Success)
	assert.Equal(t, []uint64{1, 2}, multi.Value)

	fetched := call[json.RawMessage](t, engine, addr, rpc.OpFetchJSON, rpc.FetchRequest{
		DB: "d", Coll: "c", ID: 0,
	})
	require.True(t, fetched.Success)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(fetched.Value, &doc))
	assert.Equal(t, "A", doc["name"])

	fetchedMulti := call[json.RawMessage](t, engine, addr, rpc.OpFetchMultiJSON, rpc.FetchMultiRequest{
		DB: "d", Coll: "c", IDs: []uint64{0, 9},
	})
	require.True(t, fetchedMulti.Success)
	var docs []json.RawMessage
	require.NoError(t, json.Unmarshal(fetchedMulti.Value, &docs))
	require.Len(t, docs, 2)
	assert.Equal(t, "null", string(docs[1]))

	updated := call[bool](t, engine, addr, rpc.OpUpdateJSON, rpc.UpdateJSONRequest{
		DB: "d", Coll: "c", ID: 0, Record: json.RawMessage(`{"name":"A2"}`),
	})
	require.True(t, updated.Success)

	outcomes := call[[]bool](t, engine, addr, rpc.OpUpdateMultiJSON, rpc.UpdateMultiJSONRequest{
		DB: "d", Coll: "c", IDs: []uint64{1, 99},
		Records: json.RawMessage(`[{"name":"B2"},{"name":"X"}]`),
	})
	require.True(t, outcomes.Success)
	assert.Equal(t, []bool{true, false}, outcomes.Value)

	all := call[json.RawMessage](t, engine, addr, rpc.OpAllJSON, rpc.CollectionRequest{DB: "d", Coll: "c"})
	require.True(t, all.Success)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(all.Value, &records))
	require.Len(t, records, 3)
	assert.Equal(t, "A2", records[0]["name"])

	erased := call[bool](t, engine, addr, rpc.OpEraseMulti, rpc.EraseMultiRequest{
		DB: "d", Coll: "c", IDs: []uint64{0, 2},
	})
	require.True(t, erased.Success)
	size := call[uint64](t, engine, addr, rpc.OpSize, rpc.CollectionRequest{DB: "d", Coll: "c"})
	require.True(t, size.Success)
	assert.Equal(t, uint64(1), size.Value)
}

func TestUnknownDatabase(t *testing.T) {
	engine, addr := startProvider(t, provider.Config{})

	res := call[uint64](t, engine, addr, rpc.OpStore, rpc.StoreRequest{
		DB: "ghost", Coll: "c", Record: `{}`,
	})
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNotFound, res.Kind)
}

func TestUnknownBackendType(t *testing.T) {
	engine, addr := startProvider(t, provider.Config{})

	res := call[bool](t, engine, addr, rpc.OpCreateDatabase, rpc.AdminRequest{
		DBName: "d", Type: "no-such-type", Config: json.RawMessage(`{}`),
	})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown backend type")
}

func TestMalformedConfigRejected(t *testing.T) {
	engine, addr := startProvider(t, provider.Config{})

	res := call[bool](t, engine, addr, rpc.OpCreateDatabase, rpc.AdminRequest{
		DBName: "d", Type: "vector", Config: json.RawMessage(`{broken`),
	})
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrInvalid, res.Kind)
}

func TestBulkConfigFailureAborts(t *testing.T) {
	engine, err := rpc.NewGRPCEngine("127.0.0.1:0")
	require.NoError(t, err)
	defer engine.Close()

	_, err = provider.New(engine, provider.Config{
		Databases: []provider.DatabaseConfig{{Name: "d", Type: "no-such-type"}},
	})
	require.Error(t, err)
}

func TestNullBackendThroughProvider(t *testing.T) {
	engine, addr := startProvider(t, provider.Config{})
	created := call[bool](t, engine, addr, rpc.OpCreateDatabase, rpc.AdminRequest{
		DBName: "d", Type: "null", Config: json.RawMessage(`{}`),
	})
	require.True(t, created.Success)
	coll := call[bool](t, engine, addr, rpc.OpCreateCollection, rpc.CollectionRequest{DB: "d", Coll: "c"})
	require.True(t, coll.Success)

	stored := call[uint64](t, engine, addr, rpc.OpStore, rpc.StoreRequest{DB: "d", Coll: "c", Record: `{"n":1}`})
	require.True(t, stored.Success)
	assert.Equal(t, uint64(0), stored.Value)

	fetched := call[string](t, engine, addr, rpc.OpFetch, rpc.FetchRequest{DB: "d", Coll: "c", ID: 0})
	assert.False(t, fetched.Success)
	assert.Equal(t, types.ErrNotFound, fetched.Kind)
}
