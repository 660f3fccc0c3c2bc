// Package null provides a backend that accepts every write and retains
// nothing. Useful for measuring the cost of the RPC path alone.
package null

import (
	"encoding/json"
	"sync"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

func init() {
	backend.Register("null", backend.Factory{
		Create: New,
		Attach: New,
	})
}

// Null discards every record. Collections are tracked by name only so
// that the usual create/open/drop errors still apply; stores count ids
// up without keeping data.
type Null struct {
	mu          sync.Mutex
	collections map[string]*counters
}

type counters struct {
	next uint64
}

// New creates a null backend; the config is ignored.
func New(_ rpc.Engine, _ *pool.Pool, _ json.RawMessage) (backend.Backend, error) {
	return &Null{collections: make(map[string]*counters)}, nil
}

func (n *Null) CreateCollection(name string) types.Result[bool] {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.collections[name]; ok {
		return types.Err[bool](types.ErrAlreadyExists, "collection already exists")
	}
	n.collections[name] = &counters{}
	return types.Ok(true)
}

func (n *Null) OpenCollection(name string) types.Result[bool] {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.collections[name]; !ok {
		return types.Err[bool](types.ErrNotFound, "collection does not exist")
	}
	return types.Ok(true)
}

func (n *Null) DropCollection(name string) types.Result[bool] {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.collections[name]; !ok {
		return types.Err[bool](types.ErrNotFound, "collection does not exist")
	}
	delete(n.collections, name)
	return types.Ok(true)
}

func (n *Null) Store(coll, record string, commit bool) types.Result[uint64] {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.collections[coll]
	if !ok {
		return types.Err[uint64](types.ErrNotFound, "collection does not exist")
	}
	id := c.next
	c.next++
	return types.Ok(id)
}

func (n *Null) StoreJSON(coll string, record json.RawMessage, commit bool) types.Result[uint64] {
	return n.Store(coll, string(record), commit)
}

func (n *Null) StoreMulti(coll string, records []string, commit bool) types.Result[[]uint64] {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.collections[coll]
	if !ok {
		return types.Err[[]uint64](types.ErrNotFound, "collection does not exist")
	}
	ids := make([]uint64, len(records))
	for i := range records {
		ids[i] = c.next
		c.next++
	}
	return types.Ok(ids)
}

func (n *Null) StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64] {
	var elems []json.RawMessage
	if err := json.Unmarshal(records, &elems); err != nil {
		return types.Err[[]uint64](types.ErrInvalid, "JSON value is not an array")
	}
	texts := make([]string, len(elems))
	return n.StoreMulti(coll, texts, commit)
}

func (n *Null) Fetch(coll string, id uint64) types.Result[string] {
	return types.Err[string](types.ErrNotFound, "record does not exist")
}

func (n *Null) FetchJSON(coll string, id uint64) types.Result[json.RawMessage] {
	return types.Err[json.RawMessage](types.ErrNotFound, "record does not exist")
}

func (n *Null) FetchMulti(coll string, ids []uint64) types.Result[[]string] {
	return types.Ok(make([]string, len(ids)))
}

func (n *Null) FetchMultiJSON(coll string, ids []uint64) types.Result[json.RawMessage] {
	elems := make([]json.RawMessage, len(ids))
	for i := range elems {
		elems[i] = json.RawMessage("null")
	}
	out, _ := json.Marshal(elems)
	return types.Ok(json.RawMessage(out))
}

func (n *Null) Filter(coll, code string) types.Result[[]string] {
	return types.Ok([]string{})
}

func (n *Null) FilterJSON(coll, code string) types.Result[json.RawMessage] {
	return types.Ok(json.RawMessage("[]"))
}

func (n *Null) Update(coll string, id uint64, record string, commit bool) types.Result[bool] {
	return types.Ok(true)
}

func (n *Null) UpdateJSON(coll string, id uint64, record json.RawMessage, commit bool) types.Result[bool] {
	return types.Ok(true)
}

func (n *Null) UpdateMulti(coll string, ids []uint64, records []string, commit bool) types.Result[[]bool] {
	out := make([]bool, len(ids))
	for i := range out {
		out[i] = true
	}
	return types.Ok(out)
}

func (n *Null) UpdateMultiJSON(coll string, ids []uint64, records json.RawMessage, commit bool) types.Result[[]bool] {
	out := make([]bool, len(ids))
	for i := range out {
		out[i] = true
	}
	return types.Ok(out)
}

func (n *Null) All(coll string) types.Result[[]string] {
	return types.Ok([]string{})
}

func (n *Null) AllJSON(coll string) types.Result[json.RawMessage] {
	return types.Ok(json.RawMessage("[]"))
}

func (n *Null) LastID(coll string) types.Result[uint64] {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.collections[coll]
	if !ok {
		return types.Err[uint64](types.ErrNotFound, "collection does not exist")
	}
	if c.next == 0 {
		return types.Err[uint64](types.ErrEmpty, "empty collection")
	}
	return types.Ok(c.next - 1)
}

func (n *Null) Size(coll string) types.Result[uint64] {
	return types.Ok(uint64(0))
}

func (n *Null) Erase(coll string, id uint64, commit bool) types.Result[bool] {
	return types.Ok(true)
}

func (n *Null) EraseMulti(coll string, ids []uint64, commit bool) types.Result[bool] {
	return types.Ok(true)
}

func (n *Null) Execute(code string, vars []string, commit bool) types.Result[map[string]string] {
	return types.Err[map[string]string](types.ErrUnsupported, "execute is not implemented by the null backend")
}

func (n *Null) Commit() types.Result[bool] {
	return types.Ok(true)
}

func (n *Null) Destroy() types.Result[bool] {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.collections = make(map[string]*counters)
	return types.Ok(true)
}

func (n *Null) GetConfig() string {
	return "{}"
}
