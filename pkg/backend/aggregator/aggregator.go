// Package aggregator provides the batching write decorator. Writes
// accumulate in one buffer per collection and whole buffers are handed
// to the inner backend's StoreMultiJSON at once.
package aggregator

import (
	"encoding/json"
	"sync"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/backend/lazy"
	"github.com/mochi-hpc/sonata/pkg/log"
	"github.com/mochi-hpc/sonata/pkg/metrics"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// DefaultBatchSize is used when the config does not set batch_size.
const DefaultBatchSize = 32

func init() {
	backend.Register("aggregator", backend.Factory{
		Create: func(engine rpc.Engine, p *pool.Pool, raw json.RawMessage) (backend.Backend, error) {
			return open(engine, p, raw, backend.Create)
		},
		Attach: func(engine rpc.Engine, p *pool.Pool, raw json.RawMessage) (backend.Backend, error) {
			return open(engine, p, raw, backend.Attach)
		},
	})
}

// Config wraps the inner backend with batching parameters.
type Config struct {
	Backend       string          `json:"backend"`
	FlushOnRead   *bool           `json:"flush_on_read,omitempty"`
	FlushOnExec   *bool           `json:"flush_on_exec,omitempty"`
	BatchSize     uint            `json:"batch_size,omitempty"`
	CommitOnFlush bool            `json:"commit_on_flush,omitempty"`
	Inner         json.RawMessage `json:"config,omitempty"`
}

// Aggregator buffers writes per collection and submits full batches to
// the task pool.
type Aggregator struct {
	inner         backend.Backend
	pool          *pool.Pool
	barrier       *pool.Barrier
	flushOnRead   bool
	flushOnExec   bool
	commitOnFlush bool
	batchSize     int

	mu      sync.Mutex
	batches map[string][]json.RawMessage
}

func open(engine rpc.Engine, p *pool.Pool, raw json.RawMessage, build func(string, rpc.Engine, *pool.Pool, json.RawMessage) (backend.Backend, error)) (backend.Backend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	inner, err := build(cfg.Backend, engine, p, cfg.Inner)
	if err != nil {
		return nil, err
	}
	batchSize := int(cfg.BatchSize)
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return New(inner, p, boolOr(cfg.FlushOnRead, true), boolOr(cfg.FlushOnExec, true), batchSize, cfg.CommitOnFlush), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// New wraps an existing backend. Exposed so tests can decorate an
// instrumented inner backend directly.
func New(inner backend.Backend, p *pool.Pool, flushOnRead, flushOnExec bool, batchSize int, commitOnFlush bool) *Aggregator {
	return &Aggregator{
		inner:         inner,
		pool:          p,
		barrier:       pool.NewBarrier(),
		flushOnRead:   flushOnRead,
		flushOnExec:   flushOnExec,
		commitOnFlush: commitOnFlush,
		batchSize:     batchSize,
		batches:       make(map[string][]json.RawMessage),
	}
}

// submit swaps the batch out under the lock and enqueues its delivery.
// Must be called with a.mu held.
func (a *Aggregator) submit(coll string, commit bool) {
	batch := a.batches[coll]
	if len(batch) == 0 {
		return
	}
	a.batches[coll] = nil
	content, err := json.Marshal(batch)
	if err != nil {
		aggLog := log.WithComponent("aggregator")
		aggLog.Error().Err(err).Msg("failed to encode batch")
		return
	}
	a.barrier.Enter()
	metrics.DeferredWritesTotal.Inc()
	if err := a.pool.Submit(func() {
		defer a.barrier.Exit()
		a.inner.StoreMultiJSON(coll, content, commit || a.commitOnFlush)
	}); err != nil {
		a.barrier.Exit()
		aggLog := log.WithComponent("aggregator")
		aggLog.Error().Err(err).Msg("failed to submit batch")
	}
}

// flush waits for in-flight batches, then drains the remaining buffers
// synchronously. An empty coll drains every collection.
func (a *Aggregator) flush(coll string) {
	a.barrier.Flush()
	a.mu.Lock()
	defer a.mu.Unlock()
	drain := func(name string) {
		batch := a.batches[name]
		if len(batch) == 0 {
			return
		}
		a.batches[name] = nil
		content, err := json.Marshal(batch)
		if err != nil {
			aggLog := log.WithComponent("aggregator")
			aggLog.Error().Err(err).Msg("failed to encode batch")
			return
		}
		a.inner.StoreMultiJSON(name, content, a.commitOnFlush)
	}
	if coll == "" {
		for name := range a.batches {
			drain(name)
		}
	} else {
		drain(coll)
	}
}

// ensureBatch makes sure the decorator knows the collection, opening it
// on the inner backend the first time a write arrives for it.
func (a *Aggregator) ensureBatch(coll string) types.Result[bool] {
	a.mu.Lock()
	_, ok := a.batches[coll]
	a.mu.Unlock()
	if ok {
		return types.Ok(true)
	}
	return a.OpenCollection(coll)
}

func (a *Aggregator) CreateCollection(name string) types.Result[bool] {
	result := a.inner.CreateCollection(name)
	if result.Success {
		a.mu.Lock()
		if _, ok := a.batches[name]; !ok {
			a.batches[name] = nil
		}
		a.mu.Unlock()
	}
	return result
}

func (a *Aggregator) OpenCollection(name string) types.Result[bool] {
	result := a.inner.OpenCollection(name)
	if result.Success {
		a.mu.Lock()
		if _, ok := a.batches[name]; !ok {
			a.batches[name] = nil
		}
		a.mu.Unlock()
	}
	return result
}

func (a *Aggregator) DropCollection(name string) types.Result[bool] {
	a.flush("")
	result := a.inner.DropCollection(name)
	if result.Success {
		a.mu.Lock()
		delete(a.batches, name)
		a.mu.Unlock()
	}
	return result
}

func (a *Aggregator) Store(coll, record string, commit bool) types.Result[uint64] {
	if !json.Valid([]byte(record)) {
		return types.Err[uint64](types.ErrInvalid, "invalid JSON record")
	}
	return a.StoreJSON(coll, json.RawMessage(record), commit)
}

func (a *Aggregator) StoreJSON(coll string, record json.RawMessage, commit bool) types.Result[uint64] {
	if ok := a.ensureBatch(coll); !ok.Success {
		return types.Err[uint64](types.ErrNotFound, "collection does not exist")
	}
	a.mu.Lock()
	a.batches[coll] = append(a.batches[coll], append(json.RawMessage(nil), record...))
	if len(a.batches[coll]) >= a.batchSize || commit {
		a.submit(coll, commit)
	}
	a.mu.Unlock()
	return types.Ok(lazy.SentinelID)
}

func (a *Aggregator) StoreMulti(coll string, records []string, commit bool) types.Result[[]uint64] {
	elems := make([]json.RawMessage, len(records))
	for i, r := range records {
		if !json.Valid([]byte(r)) {
			return types.Err[[]uint64](types.ErrInvalid, "invalid JSON record")
		}
		elems[i] = json.RawMessage(r)
	}
	batch, err := json.Marshal(elems)
	if err != nil {
		return types.Err[[]uint64](types.ErrInvalid, err.Error())
	}
	return a.StoreMultiJSON(coll, batch, commit)
}

func (a *Aggregator) StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64] {
	var elems []json.RawMessage
	if err := json.Unmarshal(records, &elems); err != nil {
		return types.Err[[]uint64](types.ErrInvalid, "JSON value is not an array")
	}
	if ok := a.ensureBatch(coll); !ok.Success {
		return types.Err[[]uint64](types.ErrNotFound, "collection does not exist")
	}
	a.mu.Lock()
	for _, e := range elems {
		a.batches[coll] = append(a.batches[coll], append(json.RawMessage(nil), e...))
	}
	if len(a.batches[coll]) >= a.batchSize || commit {
		a.submit(coll, commit)
	}
	a.mu.Unlock()
	ids := make([]uint64, len(elems))
	for i := range ids {
		ids[i] = lazy.SentinelID
	}
	return types.Ok(ids)
}

func (a *Aggregator) Fetch(coll string, id uint64) types.Result[string] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.Fetch(coll, id)
}

func (a *Aggregator) FetchJSON(coll string, id uint64) types.Result[json.RawMessage] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.FetchJSON(coll, id)
}

func (a *Aggregator) FetchMulti(coll string, ids []uint64) types.Result[[]string] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.FetchMulti(coll, ids)
}

func (a *Aggregator) FetchMultiJSON(coll string, ids []uint64) types.Result[json.RawMessage] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.FetchMultiJSON(coll, ids)
}

func (a *Aggregator) Filter(coll, code string) types.Result[[]string] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.Filter(coll, code)
}

func (a *Aggregator) FilterJSON(coll, code string) types.Result[json.RawMessage] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.FilterJSON(coll, code)
}

func (a *Aggregator) Update(coll string, id uint64, record string, commit bool) types.Result[bool] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.Update(coll, id, record, commit)
}

func (a *Aggregator) UpdateJSON(coll string, id uint64, record json.RawMessage, commit bool) types.Result[bool] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.UpdateJSON(coll, id, record, commit)
}

func (a *Aggregator) UpdateMulti(coll string, ids []uint64, records []string, commit bool) types.Result[[]bool] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.UpdateMulti(coll, ids, records, commit)
}

func (a *Aggregator) UpdateMultiJSON(coll string, ids []uint64, records json.RawMessage, commit bool) types.Result[[]bool] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.UpdateMultiJSON(coll, ids, records, commit)
}

func (a *Aggregator) All(coll string) types.Result[[]string] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.All(coll)
}

func (a *Aggregator) AllJSON(coll string) types.Result[json.RawMessage] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.AllJSON(coll)
}

func (a *Aggregator) LastID(coll string) types.Result[uint64] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.LastID(coll)
}

func (a *Aggregator) Size(coll string) types.Result[uint64] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.Size(coll)
}

func (a *Aggregator) Erase(coll string, id uint64, commit bool) types.Result[bool] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.Erase(coll, id, commit)
}

func (a *Aggregator) EraseMulti(coll string, ids []uint64, commit bool) types.Result[bool] {
	if a.flushOnRead {
		a.flush(coll)
	}
	return a.inner.EraseMulti(coll, ids, commit)
}

func (a *Aggregator) Execute(code string, vars []string, commit bool) types.Result[map[string]string] {
	if a.flushOnExec {
		a.flush("")
	}
	return a.inner.Execute(code, vars, commit)
}

// Commit drains every buffer and forwards the barrier.
func (a *Aggregator) Commit() types.Result[bool] {
	a.flush("")
	return a.inner.Commit()
}

func (a *Aggregator) Destroy() types.Result[bool] {
	a.flush("")
	return a.inner.Destroy()
}

func (a *Aggregator) GetConfig() string {
	out, _ := json.Marshal(map[string]any{
		"flush_on_read":   a.flushOnRead,
		"flush_on_exec":   a.flushOnExec,
		"commit_on_flush": a.commitOnFlush,
		"batch_size":      a.batchSize,
		"config":          json.RawMessage(a.inner.GetConfig()),
	})
	return string(out)
}
