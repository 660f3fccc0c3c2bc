package backend

import (
	"encoding/json"

	"github.com/mochi-hpc/sonata/pkg/types"
)

// Backend is the contract every database implementation satisfies. Each
// operation returns a Result envelope; no operation returns a Go error
// across the interface.
//
// The commit flag on mutating operations is a durability hint: true
// forces the effects to stable storage before the operation returns,
// false permits batching. Commit is an explicit barrier.
//
// Operations exist in two forms where the payload is a document: a text
// form working on serialized JSON and a JSON form working on raw JSON
// values, so that decorators can hand batches to the inner backend
// without reserializing.
type Backend interface {
	CreateCollection(name string) types.Result[bool]
	OpenCollection(name string) types.Result[bool]
	DropCollection(name string) types.Result[bool]

	Store(coll, record string, commit bool) types.Result[uint64]
	StoreJSON(coll string, record json.RawMessage, commit bool) types.Result[uint64]
	StoreMulti(coll string, records []string, commit bool) types.Result[[]uint64]
	StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64]

	Fetch(coll string, id uint64) types.Result[string]
	FetchJSON(coll string, id uint64) types.Result[json.RawMessage]
	FetchMulti(coll string, ids []uint64) types.Result[[]string]
	FetchMultiJSON(coll string, ids []uint64) types.Result[json.RawMessage]

	Filter(coll, code string) types.Result[[]string]
	FilterJSON(coll, code string) types.Result[json.RawMessage]

	Update(coll string, id uint64, record string, commit bool) types.Result[bool]
	UpdateJSON(coll string, id uint64, record json.RawMessage, commit bool) types.Result[bool]
	UpdateMulti(coll string, ids []uint64, records []string, commit bool) types.Result[[]bool]
	UpdateMultiJSON(coll string, ids []uint64, records json.RawMessage, commit bool) types.Result[[]bool]

	All(coll string) types.Result[[]string]
	AllJSON(coll string) types.Result[json.RawMessage]

	LastID(coll string) types.Result[uint64]
	Size(coll string) types.Result[uint64]

	Erase(coll string, id uint64, commit bool) types.Result[bool]
	EraseMulti(coll string, ids []uint64, commit bool) types.Result[bool]

	Execute(code string, vars []string, commit bool) types.Result[map[string]string]
	Commit() types.Result[bool]
	Destroy() types.Result[bool]

	// GetConfig returns a JSON description of the instance's effective
	// configuration.
	GetConfig() string
}
