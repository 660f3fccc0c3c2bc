// Package client provides the typed facades over the RPC engine:
// Client, Admin, Database and Collection handles, and the AsyncRequest
// token used by the non-blocking operation forms.
package client

import (
	"context"
	"time"

	"github.com/mochi-hpc/sonata/pkg/rpc"
	"github.com/mochi-hpc/sonata/pkg/types"
)

// rpcTimeout bounds the blocking admin and database calls.
const rpcTimeout = 30 * time.Second

// Client is the entry point for data-path operations. It holds the RPC
// engine and hands out Database handles.
type Client struct {
	engine rpc.Engine
}

// New wraps an RPC engine into a Client.
func New(engine rpc.Engine) *Client {
	return &Client{engine: engine}
}

// Engine returns the underlying RPC engine.
func (c *Client) Engine() rpc.Engine {
	return c.engine
}

// Open returns a handle on the named database of a provider. When check
// is true the database is looked up remotely first; with check false
// the lookup is skipped and a bad name only surfaces on first use.
func (c *Client) Open(address string, providerID uint16, name string, check bool) (*Database, error) {
	db := &Database{
		client:     c,
		address:    address,
		providerID: providerID,
		name:       name,
	}
	if check {
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		var res types.Result[bool]
		if err := c.engine.Call(ctx, address, providerID, rpc.OpOpenDatabase, rpc.DatabaseRequest{DB: name}, &res); err != nil {
			return nil, err
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
	}
	return db, nil
}
