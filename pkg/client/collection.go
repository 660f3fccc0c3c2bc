package client

import (
	"encoding/json"

	"github.com/mochi-hpc/sonata/pkg/rpc"
)

// Collection is a handle on one collection of a database. Every
// operation has a blocking form returning the value and a non-blocking
// form writing through an out-parameter once the returned AsyncRequest
// is waited on.
type Collection struct {
	db   *Database
	name string
}

// Database returns the owning database handle.
func (c *Collection) Database() *Database {
	return c.db
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Descriptor returns the fleet-wide identity of the collection.
func (c *Collection) Descriptor() map[string]any {
	return map[string]any{
		"database":        c.db.Descriptor(),
		"collection_name": c.name,
	}
}

func (c *Collection) async(op string, args any, complete func(json.RawMessage) error) *AsyncRequest {
	pending := c.db.client.engine.CallAsync(c.db.address, c.db.providerID, op, args)
	return newAsyncRequest(pending, complete)
}

// StoreAsync stores a record; the assigned id lands in *id on Wait.
func (c *Collection) StoreAsync(record string, id *uint64, commit bool) *AsyncRequest {
	return c.async(rpc.OpStore, rpc.StoreRequest{
		DB: c.db.name, Coll: c.name, Record: record, Commit: commit,
	}, func(raw json.RawMessage) error {
		return decodeInto(raw, id)
	})
}

// Store stores a record and returns the assigned id.
func (c *Collection) Store(record string, commit bool) (uint64, error) {
	var id uint64
	err := c.StoreAsync(record, &id, commit).Wait()
	return id, err
}

// StoreMultiAsync stores a batch of records.
func (c *Collection) StoreMultiAsync(records []string, ids *[]uint64, commit bool) *AsyncRequest {
	return c.async(rpc.OpStoreMulti, rpc.StoreMultiRequest{
		DB: c.db.name, Coll: c.name, Records: records, Commit: commit,
	}, func(raw json.RawMessage) error {
		return decodeInto(raw, ids)
	})
}

// StoreMulti stores a batch of records and returns the assigned ids,
// parallel to the input.
func (c *Collection) StoreMulti(records []string, commit bool) ([]uint64, error) {
	var ids []uint64
	err := c.StoreMultiAsync(records, &ids, commit).Wait()
	return ids, err
}

// FetchAsync fetches one record by id.
func (c *Collection) FetchAsync(id uint64, out *string) *AsyncRequest {
	return c.async(rpc.OpFetch, rpc.FetchRequest{
		DB: c.db.name, Coll: c.name, ID: id,
	}, func(raw json.RawMessage) error {
		return decodeInto(raw, out)
	})
}

// Fetch fetches one record by id.
func (c *Collection) Fetch(id uint64) (string, error) {
	var out string
	err := c.FetchAsync(id, &out).Wait()
	return out, err
}

// FetchMultiAsync fetches a batch of records; missing ids yield the
// empty sentinel at their position.
func (c *Collection) FetchMultiAsync(ids []uint64, out *[]string) *AsyncRequest {
	return c.async(rpc.OpFetchMulti, rpc.FetchMultiRequest{
		DB: c.db.name, Coll: c.name, IDs: ids,
	}, func(raw json.RawMessage) error {
		return decodeInto(raw, out)
	})
}

// FetchMulti fetches a batch of records by id.
func (c *Collection) FetchMulti(ids []uint64) ([]string, error) {
	var out []string
	err := c.FetchMultiAsync(ids, &out).Wait()
	return out, err
}

// FilterAsync runs a server-side predicate over the collection.
func (c *Collection) FilterAsync(code string, out *[]string) *AsyncRequest {
	return c.async(rpc.OpFilter, rpc.FilterRequest{
		DB: c.db.name, Coll: c.name, Code: code,
	}, func(raw json.RawMessage) error {
		return decodeInto(raw, out)
	})
}

// Filter returns the records matching a server-side predicate.
func (c *Collection) Filter(code string) ([]string, error) {
	var out []string
	err := c.FilterAsync(code, &out).Wait()
	return out, err
}

// UpdateAsync replaces the content of one record.
func (c *Collection) UpdateAsync(id uint64, record string, commit bool) *AsyncRequest {
	return c.async(rpc.OpUpdate, rpc.UpdateRequest{
		DB: c.db.name, Coll: c.name, ID: id, Record: record, Commit: commit,
	}, func(raw json.RawMessage) error {
		return decodeInto[bool](raw, nil)
	})
}

// Update replaces the content of one record.
func (c *Collection) Update(id uint64, record string, commit bool) error {
	return c.UpdateAsync(id, record, commit).Wait()
}

// UpdateMultiAsync replaces several records; the per-element outcomes
// land in *out on Wait.
func (c *Collection) UpdateMultiAsync(ids []uint64, records []string, out *[]bool, commit bool) *AsyncRequest {
	return c.async(rpc.OpUpdateMulti, rpc.UpdateMultiRequest{
		DB: c.db.name, Coll: c.name, IDs: ids, Records: records, Commit: commit,
	}, func(raw json.RawMessage) error {
		return decodeInto(raw, out)
	})
}

// UpdateMulti replaces several records and returns the per-element
// outcomes.
func (c *Collection) UpdateMulti(ids []uint64, records []string, commit bool) ([]bool, error) {
	var out []bool
	err := c.UpdateMultiAsync(ids, records, &out, commit).Wait()
	return out, err
}

// AllAsync retrieves every live record in id order.
func (c *Collection) AllAsync(out *[]string) *AsyncRequest {
	return c.async(rpc.OpAll, rpc.CollectionRequest{DB: c.db.name, Coll: c.name},
		func(raw json.RawMessage) error {
			return decodeInto(raw, out)
		})
}

// All retrieves every live record in id order.
func (c *Collection) All() ([]string, error) {
	var out []string
	err := c.AllAsync(&out).Wait()
	return out, err
}

// LastIDAsync retrieves the maximum id ever assigned.
func (c *Collection) LastIDAsync(out *uint64) *AsyncRequest {
	return c.async(rpc.OpLastID, rpc.CollectionRequest{DB: c.db.name, Coll: c.name},
		func(raw json.RawMessage) error {
			return decodeInto(raw, out)
		})
}

// LastID retrieves the maximum id ever assigned, irrespective of
// erasures.
func (c *Collection) LastID() (uint64, error) {
	var out uint64
	err := c.LastIDAsync(&out).Wait()
	return out, err
}

// SizeAsync retrieves the live record count.
func (c *Collection) SizeAsync(out *uint64) *AsyncRequest {
	return c.async(rpc.OpSize, rpc.CollectionRequest{DB: c.db.name, Coll: c.name},
		func(raw json.RawMessage) error {
			return decodeInto(raw, out)
		})
}

// Size retrieves the live record count.
func (c *Collection) Size() (uint64, error) {
	var out uint64
	err := c.SizeAsync(&out).Wait()
	return out, err
}

// EraseAsync tombstones one record.
func (c *Collection) EraseAsync(id uint64, commit bool) *AsyncRequest {
	return c.async(rpc.OpErase, rpc.EraseRequest{
		DB: c.db.name, Coll: c.name, ID: id, Commit: commit,
	}, func(raw json.RawMessage) error {
		return decodeInto[bool](raw, nil)
	})
}

// Erase tombstones one record; its id is never reused.
func (c *Collection) Erase(id uint64, commit bool) error {
	return c.EraseAsync(id, commit).Wait()
}

// EraseMultiAsync tombstones a batch of records.
func (c *Collection) EraseMultiAsync(ids []uint64, commit bool) *AsyncRequest {
	return c.async(rpc.OpEraseMulti, rpc.EraseMultiRequest{
		DB: c.db.name, Coll: c.name, IDs: ids, Commit: commit,
	}, func(raw json.RawMessage) error {
		return decodeInto[bool](raw, nil)
	})
}

// EraseMulti tombstones a batch of records.
func (c *Collection) EraseMulti(ids []uint64, commit bool) error {
	return c.EraseMultiAsync(ids, commit).Wait()
}
