package client

import (
	"context"
	"encoding/json"

	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// Admin drives the token-guarded database lifecycle operations of a
// provider.
type Admin struct {
	engine rpc.Engine
}

// NewAdmin wraps an RPC engine into an Admin.
func NewAdmin(engine rpc.Engine) *Admin {
	return &Admin{engine: engine}
}

func (a *Admin) call(address string, providerID uint16, op string, req, reply any) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return a.engine.Call(ctx, address, providerID, op, req, reply)
}

// CreateDatabase asks a provider to create a new database of the given
// backend type.
func (a *Admin) CreateDatabase(address string, providerID uint16, name, dbType string, config json.RawMessage, token string) error {
	var res types.Result[bool]
	err := a.call(address, providerID, rpc.OpCreateDatabase, rpc.AdminRequest{
		Token:  token,
		DBName: name,
		Type:   dbType,
		Config: config,
	}, &res)
	if err != nil {
		return err
	}
	return res.Err()
}

// AttachDatabase asks a provider to open an existing database.
func (a *Admin) AttachDatabase(address string, providerID uint16, name, dbType string, config json.RawMessage, token string) error {
	var res types.Result[bool]
	err := a.call(address, providerID, rpc.OpAttachDatabase, rpc.AdminRequest{
		Token:  token,
		DBName: name,
		Type:   dbType,
		Config: config,
	}, &res)
	if err != nil {
		return err
	}
	return res.Err()
}

// DetachDatabase removes the binding without destroying storage.
func (a *Admin) DetachDatabase(address string, providerID uint16, name, token string) error {
	var res types.Result[bool]
	err := a.call(address, providerID, rpc.OpDetachDatabase, rpc.AdminRequest{
		Token:  token,
		DBName: name,
	}, &res)
	if err != nil {
		return err
	}
	return res.Err()
}

// DestroyDatabase removes the binding and erases the underlying storage.
func (a *Admin) DestroyDatabase(address string, providerID uint16, name, token string) error {
	var res types.Result[bool]
	err := a.call(address, providerID, rpc.OpDestroyDatabase, rpc.AdminRequest{
		Token:  token,
		DBName: name,
	}, &res)
	if err != nil {
		return err
	}
	return res.Err()
}

// ListDatabases returns the names currently bound on a provider.
func (a *Admin) ListDatabases(address string, providerID uint16, token string) ([]string, error) {
	var res types.Result[[]string]
	err := a.call(address, providerID, rpc.OpListDatabases, rpc.AdminRequest{Token: token}, &res)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return res.Value, nil
}
