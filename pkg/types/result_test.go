package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOkAndErr(t *testing.T) {
	ok := Ok(uint64(3))
	assert.True(t, ok.Success)
	assert.NoError(t, ok.Err())

	failed := Errf[bool](ErrNotFound, "database %s not found", "d")
	assert.False(t, failed.Success)
	err := failed.Err()
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, Kind(err))
	assert.Equal(t, "database d not found", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrInternal, Kind(errors.New("boom")))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	res := Ok([]uint64{0, 1, 2})
	data, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded Result[[]uint64]
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Success)
	assert.Equal(t, []uint64{0, 1, 2}, decoded.Value)
}

func TestInjectIDOverrides(t *testing.T) {
	out, err := InjectID(`{"__id":99,"name":"A"}`, 7)
	require.NoError(t, err)
	id, err := RecordID(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
}

func TestInjectIDRejectsNonObjects(t *testing.T) {
	_, err := InjectID(`[1,2,3]`, 0)
	require.Error(t, err)
}

func TestIsObjectAndIsArray(t *testing.T) {
	assert.True(t, IsObject(json.RawMessage(`  {"a":1}`)))
	assert.False(t, IsObject(json.RawMessage(`[1]`)))
	assert.True(t, IsArray(json.RawMessage("\n[1]")))
	assert.False(t, IsArray(json.RawMessage(`{"a":1}`)))
}
