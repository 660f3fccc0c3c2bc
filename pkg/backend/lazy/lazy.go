// Package lazy provides the fire-and-forget write decorator. Writes are
// deposited onto the task pool and acknowledged immediately with a
// sentinel id; reads optionally wait for pending writes to drain first.
package lazy

import (
	"encoding/json"
	"math"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/log"
	"github.com/mochi-hpc/sonata/pkg/metrics"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// SentinelID is returned for deferred writes. The ids actually chosen
// by the inner backend are the authoritative ones; the sentinel is
// intentionally non-observable.
const SentinelID = uint64(math.MaxUint64)

func init() {
	backend.Register("lazy", backend.Factory{
		Create: func(engine rpc.Engine, p *pool.Pool, raw json.RawMessage) (backend.Backend, error) {
			return open(engine, p, raw, backend.Create)
		},
		Attach: func(engine rpc.Engine, p *pool.Pool, raw json.RawMessage) (backend.Backend, error) {
			return open(engine, p, raw, backend.Attach)
		},
	})
}

// Config wraps the inner backend type and config with the two flush
// flags; both default to true.
type Config struct {
	Backend     string          `json:"backend"`
	FlushOnRead *bool           `json:"flush-on-read,omitempty"`
	FlushOnExec *bool           `json:"flush-on-exec,omitempty"`
	Inner       json.RawMessage `json:"config,omitempty"`
}

// Lazy defers writes onto the task pool and flushes them on demand.
type Lazy struct {
	inner       backend.Backend
	pool        *pool.Pool
	barrier     *pool.Barrier
	flushOnRead bool
	flushOnExec bool
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
	return New(inner, p, boolOr(cfg.FlushOnRead, true), boolOr(cfg.FlushOnExec, true)), nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// New wraps an existing backend. Exposed so tests can decorate an
// instrumented inner backend directly.
func New(inner backend.Backend, p *pool.Pool, flushOnRead, flushOnExec bool) *Lazy {
	return &Lazy{
		inner:       inner,
		pool:        p,
		barrier:     pool.NewBarrier(),
		flushOnRead: flushOnRead,
		flushOnExec: flushOnExec,
	}
}

// flush blocks until every deferred write has reached the inner
// backend.
func (l *Lazy) flush() {
	l.barrier.Flush()
}

func (l *Lazy) defer_(task func()) {
	l.barrier.Enter()
	metrics.DeferredWritesTotal.Inc()
	if err := l.pool.Submit(func() {
		defer l.barrier.Exit()
		task()
	}); err != nil {
		l.barrier.Exit()
		lazyLog := log.WithComponent("lazy")
		lazyLog.Error().Err(err).Msg("failed to defer write")
	}
}

func (l *Lazy) CreateCollection(name string) types.Result[bool] {
	return l.inner.CreateCollection(name)
}

func (l *Lazy) OpenCollection(name string) types.Result[bool] {
	return l.inner.OpenCollection(name)
}

func (l *Lazy) DropCollection(name string) types.Result[bool] {
	l.flush()
	return l.inner.DropCollection(name)
}

func (l *Lazy) Store(coll, record string, commit bool) types.Result[uint64] {
	if !json.Valid([]byte(record)) {
		return types.Err[uint64](types.ErrInvalid, "invalid JSON record")
	}
	return l.StoreJSON(coll, json.RawMessage(record), commit)
}

func (l *Lazy) StoreJSON(coll string, record json.RawMessage, commit bool) types.Result[uint64] {
	owned := append(json.RawMessage(nil), record...)
	l.defer_(func() {
		l.inner.StoreJSON(coll, owned, commit)
	})
	return types.Ok(SentinelID)
}

func (l *Lazy) StoreMulti(coll string, records []string, commit bool) types.Result[[]uint64] {
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
	return l.StoreMultiJSON(coll, batch, commit)
}

func (l *Lazy) StoreMultiJSON(coll string, records json.RawMessage, commit bool) types.Result[[]uint64] {
	var elems []json.RawMessage
	if err := json.Unmarshal(records, &elems); err != nil {
		return types.Err[[]uint64](types.ErrInvalid, "JSON value is not an array")
	}
	owned := append(json.RawMessage(nil), records...)
	l.defer_(func() {
		l.inner.StoreMultiJSON(coll, owned, commit)
	})
	ids := make([]uint64, len(elems))
	for i := range ids {
		ids[i] = SentinelID
	}
	return types.Ok(ids)
}

func (l *Lazy) Fetch(coll string, id uint64) types.Result[string] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.Fetch(coll, id)
}

func (l *Lazy) FetchJSON(coll string, id uint64) types.Result[json.RawMessage] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.FetchJSON(coll, id)
}

func (l *Lazy) FetchMulti(coll string, ids []uint64) types.Result[[]string] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.FetchMulti(coll, ids)
}

func (l *Lazy) FetchMultiJSON(coll string, ids []uint64) types.Result[json.RawMessage] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.FetchMultiJSON(coll, ids)
}

func (l *Lazy) Filter(coll, code string) types.Result[[]string] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.Filter(coll, code)
}

func (l *Lazy) FilterJSON(coll, code string) types.Result[json.RawMessage] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.FilterJSON(coll, code)
}

func (l *Lazy) Update(coll string, id uint64, record string, commit bool) types.Result[bool] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.Update(coll, id, record, commit)
}

func (l *Lazy) UpdateJSON(coll string, id uint64, record json.RawMessage, commit bool) types.Result[bool] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.UpdateJSON(coll, id, record, commit)
}

func (l *Lazy) UpdateMulti(coll string, ids []uint64, records []string, commit bool) types.Result[[]bool] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.UpdateMulti(coll, ids, records, commit)
}

func (l *Lazy) UpdateMultiJSON(coll string, ids []uint64, records json.RawMessage, commit bool) types.Result[[]bool] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.UpdateMultiJSON(coll, ids, records, commit)
}

func (l *Lazy) All(coll string) types.Result[[]string] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.All(coll)
}

func (l *Lazy) AllJSON(coll string) types.Result[json.RawMessage] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.AllJSON(coll)
}

func (l *Lazy) LastID(coll string) types.Result[uint64] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.LastID(coll)
}

func (l *Lazy) Size(coll string) types.Result[uint64] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.Size(coll)
}

func (l *Lazy) Erase(coll string, id uint64, commit bool) types.Result[bool] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.Erase(coll, id, commit)
}

func (l *Lazy) EraseMulti(coll string, ids []uint64, commit bool) types.Result[bool] {
	if l.flushOnRead {
		l.flush()
	}
	return l.inner.EraseMulti(coll, ids, commit)
}

func (l *Lazy) Execute(code string, vars []string, commit bool) types.Result[map[string]string] {
	if l.flushOnExec {
		l.flush()
	}
	return l.inner.Execute(code, vars, commit)
}

// Commit flushes pending writes and forwards the barrier to the inner
// backend.
func (l *Lazy) Commit() types.Result[bool] {
	l.flush()
	return l.inner.Commit()
}

func (l *Lazy) Destroy() types.Result[bool] {
	l.flush()
	return l.inner.Destroy()
}

func (l *Lazy) GetConfig() string {
	out, _ := json.Marshal(map[string]any{
		"flush-on-read": l.flushOnRead,
		"flush-on-exec": l.flushOnExec,
		"config":        json.RawMessage(l.inner.GetConfig()),
	})
	return string(out)
}
