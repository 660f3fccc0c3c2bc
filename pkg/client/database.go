package client

import (
	"context"

	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// Database is a handle on one named database of a provider. It creates,
// opens and drops collections and runs server-side scripts.
type Database struct {
	client     *Client
	address    string
	providerID uint16
	name       string
}

// Client returns the owning client handle.
func (d *Database) Client() *Client {
	return d.client
}

// Name returns the database name.
func (d *Database) Name() string {
	return d.name
}

// Descriptor returns the fleet-wide identity of the database, suitable
// for embedding into server-side scripts.
func (d *Database) Descriptor() types.DatabaseDescriptor {
	return types.DatabaseDescriptor{
		Address:      d.address,
		ProviderID:   d.providerID,
		DatabaseName: d.name,
	}
}

func (d *Database) call(op string, req, reply any) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return d.client.engine.Call(ctx, d.address, d.providerID, op, req, reply)
}

// Create creates a collection and returns a handle on it.
func (d *Database) Create(coll string) (*Collection, error) {
	var res types.Result[bool]
	if err := d.call(rpc.OpCreateCollection, rpc.CollectionRequest{DB: d.name, Coll: coll}, &res); err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return &Collection{db: d, name: coll}, nil
}

// Open returns a handle on an existing collection. With check false the
// existence lookup is skipped.
func (d *Database) Open(coll string, check bool) (*Collection, error) {
	if check {
		var res types.Result[bool]
		if err := d.call(rpc.OpOpenCollection, rpc.CollectionRequest{DB: d.name, Coll: coll}, &res); err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
	}
	return &Collection{db: d, name: coll}, nil
}

// Drop removes a collection and every record it holds.
func (d *Database) Drop(coll string) error {
	var res types.Result[bool]
	if err := d.call(rpc.OpDropCollection, rpc.CollectionRequest{DB: d.name, Coll: coll}, &res); err != nil {
		return err
	}
	return res.Err()
}

// Exists reports whether a collection exists, without treating absence
// as an error.
func (d *Database) Exists(coll string) (bool, error) {
	var res types.Result[bool]
	if err := d.call(rpc.OpOpenCollection, rpc.CollectionRequest{DB: d.name, Coll: coll}, &res); err != nil {
		return false, err
	}
	return res.Success, nil
}

// Execute runs code on the database's backend and returns the values of
// the requested variable names. The special name __output__ captures
// everything the script printed.
func (d *Database) Execute(code string, vars []string, commit bool) (map[string]string, error) {
	var res types.Result[map[string]string]
	err := d.call(rpc.OpExecOnDatabase, rpc.ExecRequest{
		DB:     d.name,
		Code:   code,
		Vars:   vars,
		Commit: commit,
	}, &res)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Value, nil
}
