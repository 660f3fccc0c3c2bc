// Package provider implements the server-side RPC dispatcher. A
// Provider owns a set of databases keyed by name, routes every data RPC
// to the right backend and guards the lifecycle RPCs with an optional
// admin token.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mochi-hpc/sonata/pkg/backend"
	"github.com/mochi-hpc/sonata/pkg/log"
	"github.com/mochi-hpc/sonata/pkg/metrics"
	"github.com/mochi-hpc/sonata/pkg/pool"
	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// DatabaseConfig is one entry of the bulk database list processed at
// provider construction.
type DatabaseConfig struct {
	Name   string          `json:"name"`
	Type   string          `json:"type"`
	Mode   string          `json:"mode,omitempty"` // "create" (default) or "open"
	Config json.RawMessage `json:"config,omitempty"`
}

// Config configures a Provider.
type Config struct {
	ProviderID uint16           `json:"provider_id"`
	Token      string           `json:"token,omitempty"`
	PoolSize   int              `json:"pool_size,omitempty"`
	Databases  []DatabaseConfig `json:"databases,omitempty"`
}

// Provider hosts a mapping of database name to backend and serves the
// sonata RPCs for one provider id on an engine.
type Provider struct {
	id     uint16
	token  string
	engine rpc.Engine
	pool   *pool.Pool
	lg     zerolog.Logger

	mu       sync.RWMutex
	backends map[string]backend.Backend
}

// New creates a provider, registers its handlers on the engine and
// processes the bulk database list.
func New(engine rpc.Engine, cfg Config) (*Provider, error) {
	workers, err := pool.New(cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	p := &Provider{
		id:       cfg.ProviderID,
		token:    cfg.Token,
		engine:   engine,
		pool:     workers,
		lg:       log.WithProvider(cfg.ProviderID),
		backends: make(map[string]backend.Backend),
	}
	if err := engine.RegisterProvider(p.id, p.handlers()); err != nil {
		workers.Release()
		return nil, err
	}
	for _, db := range cfg.Databases {
		var res types.Result[bool]
		req := rpc.AdminRequest{Token: cfg.Token, DBName: db.Name, Type: db.Type, Config: db.Config}
		if db.Mode == "open" {
			res = p.attachDatabase(req)
		} else {
			res = p.createDatabase(req)
		}
		if !res.Success {
			p.Close()
			return nil, fmt.Errorf("failed to set up database %s: %s", db.Name, res.Error)
		}
	}
	p.lg.Info().Msg("provider registered")
	return p, nil
}

// ID returns the provider id.
func (p *Provider) ID() uint16 {
	return p.id
}

// Close deregisters the provider from the engine and releases its pool.
// Bound backends are left untouched, as on a process exit.
func (p *Provider) Close() {
	p.engine.DeregisterProvider(p.id)
	p.pool.Release()
	p.lg.Info().Msg("provider deregistered")
}

// handle wraps one operation into an rpc.Handler: decode the request,
// run the operation on the provider's pool, record metrics.
func handle[Req any, T any](p *Provider, op string, fn func(req Req) types.Result[T]) rpc.Handler {
	return func(_ context.Context, raw json.RawMessage) any {
		start := time.Now()
		var req Req
		if err := json.Unmarshal(raw, &req); err != nil {
			metrics.ObserveRequest(op, false, start)
			return types.Errf[T](types.ErrInvalid, "malformed request: %s", err)
		}
		var res types.Result[T]
		if err := p.pool.Run(func() { res = fn(req) }); err != nil {
			res = types.Err[T](types.ErrInternal, err.Error())
		}
		if !res.Success {
			p.lg.Debug().Str("op", op).Str("kind", string(res.Kind)).Str("error", res.Error).Msg("request failed")
		}
		metrics.ObserveRequest(op, res.Success, start)
		return res
	}
}

func (p *Provider) handlers() map[string]rpc.Handler {
	return map[string]rpc.Handler{
		rpc.OpCreateDatabase:  handle(p, rpc.OpCreateDatabase, p.createDatabase),
		rpc.OpAttachDatabase:  handle(p, rpc.OpAttachDatabase, p.attachDatabase),
		rpc.OpDetachDatabase:  handle(p, rpc.OpDetachDatabase, p.detachDatabase),
		rpc.OpDestroyDatabase: handle(p, rpc.OpDestroyDatabase, p.destroyDatabase),
		rpc.OpListDatabases:   handle(p, rpc.OpListDatabases, p.listDatabases),

		rpc.OpOpenDatabase: handle(p, rpc.OpOpenDatabase, func(req rpc.DatabaseRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(backend.Backend) types.Result[bool] {
				return types.Ok(true)
			})
		}),
		rpc.OpCreateCollection: handle(p, rpc.OpCreateCollection, func(req rpc.CollectionRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[bool] {
				return b.CreateCollection(req.Coll)
			})
		}),
		rpc.OpOpenCollection: handle(p, rpc.OpOpenCollection, func(req rpc.CollectionRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[bool] {
				return b.OpenCollection(req.Coll)
			})
		}),
		rpc.OpDropCollection: handle(p, rpc.OpDropCollection, func(req rpc.CollectionRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[bool] {
				return b.DropCollection(req.Coll)
			})
		}),
		rpc.OpExecOnDatabase: handle(p, rpc.OpExecOnDatabase, func(req rpc.ExecRequest) types.Result[map[string]string] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[map[string]string] {
				return b.Execute(req.Code, req.Vars, req.Commit)
			})
		}),

		rpc.OpStore: handle(p, rpc.OpStore, func(req rpc.StoreRequest) types.Result[uint64] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[uint64] {
				return b.Store(req.Coll, req.Record, req.Commit)
			})
		}),
		rpc.OpStoreJSON: handle(p, rpc.OpStoreJSON, func(req rpc.StoreJSONRequest) types.Result[uint64] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[uint64] {
				return b.StoreJSON(req.Coll, req.Record, req.Commit)
			})
		}),
		rpc.OpStoreMulti: handle(p, rpc.OpStoreMulti, func(req rpc.StoreMultiRequest) types.Result[[]uint64] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[[]uint64] {
				return b.StoreMulti(req.Coll, req.Records, req.Commit)
			})
		}),
		rpc.OpStoreMultiJSON: handle(p, rpc.OpStoreMultiJSON, func(req rpc.StoreMultiJSONRequest) types.Result[[]uint64] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[[]uint64] {
				return b.StoreMultiJSON(req.Coll, req.Records, req.Commit)
			})
		}),

		rpc.OpFetch: handle(p, rpc.OpFetch, func(req rpc.FetchRequest) types.Result[string] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[string] {
				return b.Fetch(req.Coll, req.ID)
			})
		}),
		rpc.OpFetchJSON: handle(p, rpc.OpFetchJSON, func(req rpc.FetchRequest) types.Result[json.RawMessage] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[json.RawMessage] {
				return b.FetchJSON(req.Coll, req.ID)
			})
		}),
		rpc.OpFetchMulti: handle(p, rpc.OpFetchMulti, func(req rpc.FetchMultiRequest) types.Result[[]string] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[[]string] {
				return b.FetchMulti(req.Coll, req.IDs)
			})
		}),
		rpc.OpFetchMultiJSON: handle(p, rpc.OpFetchMultiJSON, func(req rpc.FetchMultiRequest) types.Result[json.RawMessage] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[json.RawMessage] {
				return b.FetchMultiJSON(req.Coll, req.IDs)
			})
		}),

		rpc.OpFilter: handle(p, rpc.OpFilter, func(req rpc.FilterRequest) types.Result[[]string] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[[]string] {
				return b.Filter(req.Coll, req.Code)
			})
		}),
		rpc.OpFilterJSON: handle(p, rpc.OpFilterJSON, func(req rpc.FilterRequest) types.Result[json.RawMessage] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[json.RawMessage] {
				return b.FilterJSON(req.Coll, req.Code)
			})
		}),

		rpc.OpUpdate: handle(p, rpc.OpUpdate, func(req rpc.UpdateRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[bool] {
				return b.Update(req.Coll, req.ID, req.Record, req.Commit)
			})
		}),
		rpc.OpUpdateJSON: handle(p, rpc.OpUpdateJSON, func(req rpc.UpdateJSONRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[bool] {
				return b.UpdateJSON(req.Coll, req.ID, req.Record, req.Commit)
			})
		}),
		rpc.OpUpdateMulti: handle(p, rpc.OpUpdateMulti, func(req rpc.UpdateMultiRequest) types.Result[[]bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[[]bool] {
				return b.UpdateMulti(req.Coll, req.IDs, req.Records, req.Commit)
			})
		}),
		rpc.OpUpdateMultiJSON: handle(p, rpc.OpUpdateMultiJSON, func(req rpc.UpdateMultiJSONRequest) types.Result[[]bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[[]bool] {
				return b.UpdateMultiJSON(req.Coll, req.IDs, req.Records, req.Commit)
			})
		}),

		rpc.OpAll: handle(p, rpc.OpAll, func(req rpc.CollectionRequest) types.Result[[]string] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[[]string] {
				return b.All(req.Coll)
			})
		}),
		rpc.OpAllJSON: handle(p, rpc.OpAllJSON, func(req rpc.CollectionRequest) types.Result[json.RawMessage] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[json.RawMessage] {
				return b.AllJSON(req.Coll)
			})
		}),
		rpc.OpLastID: handle(p, rpc.OpLastID, func(req rpc.CollectionRequest) types.Result[uint64] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[uint64] {
				return b.LastID(req.Coll)
			})
		}),
		rpc.OpSize: handle(p, rpc.OpSize, func(req rpc.CollectionRequest) types.Result[uint64] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[uint64] {
				return b.Size(req.Coll)
			})
		}),

		rpc.OpErase: handle(p, rpc.OpErase, func(req rpc.EraseRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[bool] {
				return b.Erase(req.Coll, req.ID, req.Commit)
			})
		}),
		rpc.OpEraseMulti: handle(p, rpc.OpEraseMulti, func(req rpc.EraseMultiRequest) types.Result[bool] {
			return withBackend(p, req.DB, func(b backend.Backend) types.Result[bool] {
				return b.EraseMulti(req.Coll, req.IDs, req.Commit)
			})
		}),
	}
}

// withBackend looks up a database by name under the read lock and
// applies fn to it.
func withBackend[T any](p *Provider, db string, fn func(b backend.Backend) types.Result[T]) types.Result[T] {
	p.mu.RLock()
	b, ok := p.backends[db]
	p.mu.RUnlock()
	if !ok {
		return types.Errf[T](types.ErrNotFound, "database %s not found", db)
	}
	return fn(b)
}

// checkToken enforces the admin token when one is configured.
func (p *Provider) checkToken(token string) *types.Result[bool] {
	if p.token != "" && p.token != token {
		p.lg.Error().Msg("invalid security token")
		res := types.Err[bool](types.ErrPermissionDenied, "invalid security token")
		return &res
	}
	return nil
}

func (p *Provider) createDatabase(req rpc.AdminRequest) types.Result[bool] {
	return p.setupDatabase(req, backend.Create, "created")
}

func (p *Provider) attachDatabase(req rpc.AdminRequest) types.Result[bool] {
	return p.setupDatabase(req, backend.Attach, "attached")
}

func (p *Provider) setupDatabase(req rpc.AdminRequest, build func(string, rpc.Engine, *pool.Pool, json.RawMessage) (backend.Backend, error), verb string) types.Result[bool] {
	if denied := p.checkToken(req.Token); denied != nil {
		return *denied
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return types.Err[bool](types.ErrInvalid, "could not parse database configuration")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.backends[req.DBName]; ok {
		p.lg.Error().Str("database", req.DBName).Msg("database already attached")
		return types.Errf[bool](types.ErrAlreadyExists, "database %s already attached", req.DBName)
	}
	b, err := build(req.Type, p.engine, p.pool, req.Config)
	if err != nil {
		p.lg.Error().Err(err).Str("database", req.DBName).Str("type", req.Type).Msg("failed to set up database")
		return types.Err[bool](types.ErrInvalid, err.Error())
	}
	p.backends[req.DBName] = b
	metrics.DatabasesTotal.Set(float64(len(p.backends)))
	p.lg.Debug().Str("database", req.DBName).Str("type", req.Type).Msgf("database %s", verb)
	return types.Ok(true)
}

func (p *Provider) detachDatabase(req rpc.AdminRequest) types.Result[bool] {
	if denied := p.checkToken(req.Token); denied != nil {
		return *denied
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backends[req.DBName]
	if !ok {
		return types.Errf[bool](types.ErrNotFound, "database %s not found", req.DBName)
	}
	delete(p.backends, req.DBName)
	metrics.DatabasesTotal.Set(float64(len(p.backends)))
	// Release file handles so the database can be attached again later.
	if closer, ok := b.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.lg.Warn().Err(err).Str("database", req.DBName).Msg("failed to close backend")
		}
	}
	p.lg.Debug().Str("database", req.DBName).Msg("database detached")
	return types.Ok(true)
}

// destroyDatabase is best-effort: the mapping entry goes away even when
// the backend's destroy step fails, and the failure is surfaced.
func (p *Provider) destroyDatabase(req rpc.AdminRequest) types.Result[bool] {
	if denied := p.checkToken(req.Token); denied != nil {
		return *denied
	}
	p.mu.Lock()
	b, ok := p.backends[req.DBName]
	if ok {
		delete(p.backends, req.DBName)
	}
	metrics.DatabasesTotal.Set(float64(len(p.backends)))
	p.mu.Unlock()
	if !ok {
		return types.Errf[bool](types.ErrNotFound, "database %s not found", req.DBName)
	}
	result := b.Destroy()
	p.lg.Debug().Str("database", req.DBName).Bool("ok", result.Success).Msg("database destroyed")
	return result
}

func (p *Provider) listDatabases(req rpc.AdminRequest) types.Result[[]string] {
	if denied := p.checkToken(req.Token); denied != nil {
		return types.Err[[]string](denied.Kind, denied.Error)
	}
	p.mu.RLock()
	names := make([]string, 0, len(p.backends))
	for name := range p.backends {
		names = append(names, name)
	}
	p.mu.RUnlock()
	sort.Strings(names)
	return types.Ok(names)
}
