// Package vector provides the in-memory reference backend. One slice of
// serialized records per collection; an erased record leaves an empty
// slot behind so that ids are never reused.
package vector

import (
	"encoding/json"
	"sync"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

func init() {
	backend.Register("vector", backend.Factory{
		Create: New,
		Attach: New,
	})
}

type collection struct {
	records []string
	live    uint64
}

// Vector is the reference Backend implementation used as the golden
// oracle for contract tests. All operations serialize on one mutex.
type Vector struct {
	mu          sync.Mutex
	collections map[string]*collection
}

// New creates an empty vector backend. The config is ignored; the
// backend has no state to attach to, so create and attach coincide.
func New(_ rpc.Engine, _ *pool.Pool, _ json.RawMessage) (backend.Backend, error) {
	return &Vector{collections: make(map[string]*collection)}, nil
}

func (v *Vector) CreateCollection(name string) types.Result[bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.collections[name]; ok {
		return types.Err[bool](types.ErrAlreadyExists, "collection already exists")
	}
	v.collections[name] = &collection{}
	return types.Ok(true)
}

func (v *Vector) OpenCollection(name string) types.Result[bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.collections[name]; !ok {
		return types.Err[bool](types.ErrNotFound, "collection does not exist")
	}
	return types.Ok(true)
}

func (v *Vector) DropCollection(name string) types.Result[bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.collections[name]; !ok {
		return types.Err[bool](types.ErrNotFound, "collection does not exist")
	}
	delete(v.collections, name)
	return types.Ok(true)
}

func (v *Vector) Store(coll, record string, commit bool) types.Result[uint64] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[uint64](types.ErrNotFound, "collection does not exist")
	}
	id := uint64(len(c.records))
	stamped, err := types.InjectID(record, id)
	if err != nil {
		return types.Err[uint64](types.ErrInvalid, err.Error())
	}
	c.records = append(c.records, stamped)
	c.live++
	return types.Ok(id)
}

func (v *Vector) StoreJSON(coll string, record json.RawMessage, commit bool) types.Result[uint64] {
	return v.Store(coll, string(record), commit)
}

func (v *Vector) StoreMulti(coll string, records []string, commit bool) types.Result[[]uint64] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[[]uint64](types.ErrNotFound, "collection does not exist")
	}
	ids := make([]uint64, 0, len(records))
	for _, r := range records {
		id := uint64(len(c.records))
		stamped, err := types.InjectID(r, id)
		if err != nil {
			return types.Err[[]uint64](types.ErrInvalid, err.Error())
		}
		c.records = append(c.records, stamped)
		c.live++
		ids = append(ids, id)
	}
	return types.Ok(ids)
}

func (v *Vector) StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64] {
	var elems []json.RawMessage
	if err := json.Unmarshal(records, &elems); err != nil {
		return types.Err[[]uint64](types.ErrInvalid, "JSON value is not an array")
	}
	texts := make([]string, len(elems))
	for i, e := range elems {
		texts[i] = string(e)
	}
	return v.StoreMulti(coll, texts, commit)
}

func (v *Vector) Fetch(coll string, id uint64) types.Result[string] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[string](types.ErrNotFound, "collection does not exist")
	}
	if id >= uint64(len(c.records)) {
		return types.Err[string](types.ErrNotFound, "record id out of range")
	}
	if c.records[id] == "" {
		return types.Err[string](types.ErrNotFound, "record has been erased")
	}
	return types.Ok(c.records[id])
}

func (v *Vector) FetchJSON(coll string, id uint64) types.Result[json.RawMessage] {
	r := v.Fetch(coll, id)
	if !r.Success {
		return types.Err[json.RawMessage](r.Kind, r.Error)
	}
	return types.Ok(json.RawMessage(r.Value))
}

func (v *Vector) FetchMulti(coll string, ids []uint64) types.Result[[]string] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[[]string](types.ErrNotFound, "collection does not exist")
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id >= uint64(len(c.records)) {
			out = append(out, "")
			continue
		}
		out = append(out, c.records[id])
	}
	return types.Ok(out)
}

func (v *Vector) FetchMultiJSON(coll string, ids []uint64) types.Result[json.RawMessage] {
	r := v.FetchMulti(coll, ids)
	if !r.Success {
		return types.Err[json.RawMessage](r.Kind, r.Error)
	}
	elems := make([]json.RawMessage, 0, len(r.Value))
	for _, rec := range r.Value {
		if rec == "" {
			elems = append(elems, json.RawMessage("null"))
		} else {
			elems = append(elems, json.RawMessage(rec))
		}
	}
	out, err := json.Marshal(elems)
	if err != nil {
		return types.Err[json.RawMessage](types.ErrInternal, err.Error())
	}
	return types.Ok(json.RawMessage(out))
}

func (v *Vector) Filter(coll, code string) types.Result[[]string] {
	return types.Err[[]string](types.ErrUnsupported, "filter is not implemented by the vector backend")
}

func (v *Vector) FilterJSON(coll, code string) types.Result[json.RawMessage] {
	return types.Err[json.RawMessage](types.ErrUnsupported, "filter is not implemented by the vector backend")
}

func (v *Vector) Update(coll string, id uint64, record string, commit bool) types.Result[bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[bool](types.ErrNotFound, "collection does not exist")
	}
	if id >= uint64(len(c.records)) || c.records[id] == "" {
		return types.Err[bool](types.ErrNotFound, "invalid record id")
	}
	stamped, err := types.InjectID(record, id)
	if err != nil {
		return types.Err[bool](types.ErrInvalid, err.Error())
	}
	c.records[id] = stamped
	return types.Ok(true)
}

func (v *Vector) UpdateJSON(coll string, id uint64, record json.RawMessage, commit bool) types.Result[bool] {
	return v.Update(coll, id, string(record), commit)
}

func (v *Vector) UpdateMulti(coll string, ids []uint64, records []string, commit bool) types.Result[[]bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[[]bool](types.ErrNotFound, "collection does not exist")
	}
	out := make([]bool, 0, len(ids))
	for i, id := range ids {
		if i >= len(records) {
			out = append(out, false)
			continue
		}
		if id >= uint64(len(c.records)) || c.records[id] == "" {
			out = append(out, false)
			continue
		}
		stamped, err := types.InjectID(records[i], id)
		if err != nil {
			out = append(out, false)
			continue
		}
		c.records[id] = stamped
		out = append(out, true)
	}
	return types.Ok(out)
}

// UpdateMultiJSON requires every element to be a JSON object; any other
// element is reported as false in the per-element outcome.
func (v *Vector) UpdateMultiJSON(coll string, ids []uint64, records json.RawMessage, commit bool) types.Result[[]bool] {
	var elems []json.RawMessage
	if err := json.Unmarshal(records, &elems); err != nil {
		return types.Err[[]bool](types.ErrInvalid, "JSON value is not an array")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[[]bool](types.ErrNotFound, "collection does not exist")
	}
	out := make([]bool, 0, len(ids))
	for i, id := range ids {
		if i >= len(elems) || !types.IsObject(elems[i]) {
			out = append(out, false)
			continue
		}
		if id >= uint64(len(c.records)) || c.records[id] == "" {
			out = append(out, false)
			continue
		}
		stamped, err := types.InjectID(string(elems[i]), id)
		if err != nil {
			out = append(out, false)
			continue
		}
		c.records[id] = stamped
		out = append(out, true)
	}
	return types.Ok(out)
}

func (v *Vector) All(coll string) types.Result[[]string] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[[]string](types.ErrNotFound, "collection does not exist")
	}
	out := make([]string, 0, len(c.records))
	for _, r := range c.records {
		if r != "" {
			out = append(out, r)
		}
	}
	return types.Ok(out)
}

func (v *Vector) AllJSON(coll string) types.Result[json.RawMessage] {
	r := v.All(coll)
	if !r.Success {
		return types.Err[json.RawMessage](r.Kind, r.Error)
	}
	elems := make([]json.RawMessage, len(r.Value))
	for i, rec := range r.Value {
		elems[i] = json.RawMessage(rec)
	}
	out, err := json.Marshal(elems)
	if err != nil {
		return types.Err[json.RawMessage](types.ErrInternal, err.Error())
	}
	return types.Ok(json.RawMessage(out))
}

func (v *Vector) LastID(coll string) types.Result[uint64] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[uint64](types.ErrNotFound, "collection does not exist")
	}
	if len(c.records) == 0 {
		return types.Err[uint64](types.ErrEmpty, "empty collection")
	}
	return types.Ok(uint64(len(c.records)) - 1)
}

func (v *Vector) Size(coll string) types.Result[uint64] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[uint64](types.ErrNotFound, "collection does not exist")
	}
	return types.Ok(c.live)
}

func (v *Vector) Erase(coll string, id uint64, commit bool) types.Result[bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[bool](types.ErrNotFound, "collection does not exist")
	}
	if id >= uint64(len(c.records)) {
		return types.Err[bool](types.ErrNotFound, "invalid record id")
	}
	// Erasing a tombstone again must not decrement the live count.
	if c.records[id] != "" {
		c.records[id] = ""
		c.live--
	}
	return types.Ok(true)
}

func (v *Vector) EraseMulti(coll string, ids []uint64, commit bool) types.Result[bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.collections[coll]
	if !ok {
		return types.Err[bool](types.ErrNotFound, "collection does not exist")
	}
	for _, id := range ids {
		if id < uint64(len(c.records)) && c.records[id] != "" {
			c.records[id] = ""
			c.live--
		}
	}
	return types.Ok(true)
}

func (v *Vector) Execute(code string, vars []string, commit bool) types.Result[map[string]string] {
	return types.Err[map[string]string](types.ErrUnsupported, "execute is not implemented by the vector backend")
}

func (v *Vector) Commit() types.Result[bool] {
	return types.Ok(true)
}

func (v *Vector) Destroy() types.Result[bool] {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.collections = make(map[string]*collection)
	return types.Ok(true)
}

func (v *Vector) GetConfig() string {
	return "{}"
}
