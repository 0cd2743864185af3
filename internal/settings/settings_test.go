package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blob struct {
	Present bool
	Value   int
	Other   [4]uint16
}

func TestReadModifyWriteRoundTrips(t *testing.T) {
	store, err := NewStore[blob](t.TempDir())
	require.NoError(t, err)

	updated, err := ReadModifyWrite(store, "ch.bin", blob{}, func(current blob) blob {
		current.Present = true
		current.Value = 42
		return current
	})
	require.NoError(t, err)
	assert.Equal(t, 42, updated.Value)

	fetched, err := store.Read("ch.bin")
	require.NoError(t, err)
	assert.Equal(t, updated, fetched)
}

func TestReadModifyWriteUsesDefaultWhenMissing(t *testing.T) {
	store, err := NewStore[blob](t.TempDir())
	require.NoError(t, err)

	def := blob{Value: 7}
	updated, err := ReadModifyWrite(store, "missing.bin", def, func(current blob) blob {
		assert.Equal(t, def, current)
		current.Present = true
		return current
	})
	require.NoError(t, err)
	assert.True(t, updated.Present)
	assert.Equal(t, 7, updated.Value)
}

func TestReadModifyWritePreservesUntouchedFields(t *testing.T) {
	store, err := NewStore[blob](t.TempDir())
	require.NoError(t, err)

	_, err = ReadModifyWrite(store, "ch.bin", blob{}, func(current blob) blob {
		current.Other = [4]uint16{1, 2, 3, 4}
		return current
	})
	require.NoError(t, err)

	updated, err := ReadModifyWrite(store, "ch.bin", blob{}, func(current blob) blob {
		current.Value = 99
		return current
	})
	require.NoError(t, err)
	assert.Equal(t, [4]uint16{1, 2, 3, 4}, updated.Other)
	assert.Equal(t, 99, updated.Value)
}
