package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mochi-hpc/sonata/pkg/types"
)

type echoRequest struct {
	Message string `json:"message"`
}

func newTestEngine(t *testing.T) *GRPCEngine {
	t.Helper()
	engine, err := NewGRPCEngine("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func TestCallRoundTrip(t *testing.T) {
	engine := newTestEngine(t)

	handlers := map[string]Handler{
		"sonata_echo": func(_ context.Context, raw json.RawMessage) any {
			var req echoRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return types.Err[string](types.ErrInvalid, err.Error())
			}
			return types.Ok(req.Message)
		},
	}
	require.NoError(t, engine.RegisterProvider(7, handlers))

	var res types.Result[string]
	err := engine.Call(context.Background(), engine.Addr(), 7, "sonata_echo", echoRequest{Message: "hello"}, &res)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "hello", res.Value)
}

func TestCallUnknownProvider(t *testing.T) {
	engine := newTestEngine(t)

	var res types.Result[string]
	err := engine.Call(context.Background(), engine.Addr(), 99, "sonata_echo", echoRequest{}, &res)
	require.Error(t, err)
}

func TestCallUnknownOperation(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterProvider(1, map[string]Handler{}))

	var res types.Result[string]
	err := engine.Call(context.Background(), engine.Addr(), 1, "sonata_nope", echoRequest{}, &res)
	require.Error(t, err)
}

func TestRegisterProviderTwice(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterProvider(1, map[string]Handler{}))
	require.Error(t, engine.RegisterProvider(1, map[string]Handler{}))
}

func TestDeregisterProvider(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterProvider(1, map[string]Handler{
		"sonata_echo": func(_ context.Context, _ json.RawMessage) any {
			return types.Ok(true)
		},
	}))
	engine.DeregisterProvider(1)

	var res types.Result[bool]
	err := engine.Call(context.Background(), engine.Addr(), 1, "sonata_echo", echoRequest{}, &res)
	require.Error(t, err)
}

func TestCallAsync(t *testing.T) {
	engine := newTestEngine(t)
	block := make(chan struct{})
	require.NoError(t, engine.RegisterProvider(3, map[string]Handler{
		"sonata_slow": func(_ context.Context, _ json.RawMessage) any {
			<-block
			return types.Ok(uint64(42))
		},
	}))

	pending := engine.CallAsync(engine.Addr(), 3, "sonata_slow", echoRequest{})
	assert.False(t, pending.Completed())
	close(block)

	var res types.Result[uint64]
	require.NoError(t, pending.Wait(&res))
	require.True(t, res.Success)
	assert.Equal(t, uint64(42), res.Value)
	assert.True(t, pending.Completed())

	// Wait may be called again; the body is retained.
	var again types.Result[uint64]
	require.NoError(t, pending.Wait(&again))
	assert.Equal(t, uint64(42), again.Value)
}

func TestClientOnlyEngineCannotServe(t *testing.T) {
	engine, err := NewGRPCEngine("")
	require.NoError(t, err)
	defer engine.Close()
	assert.Empty(t, engine.Addr())
	require.Error(t, engine.RegisterProvider(1, map[string]Handler{}))
}

func TestCallTimeout(t *testing.T) {
	engine := newTestEngine(t)
	require.NoError(t, engine.RegisterProvider(5, map[string]Handler{
		"sonata_hang": func(ctx context.Context, _ json.RawMessage) any {
			<-ctx.Done()
			return types.Err[bool](types.ErrInternal, "cancelled")
		},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var res types.Result[bool]
	err := engine.Call(ctx, engine.Addr(), 5, "sonata_hang", echoRequest{}, &res)
	require.Error(t, err)
}
