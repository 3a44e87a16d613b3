//go:build cgo

package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestKuzuStore creates a fresh in-memory KuzuStore with an initialized
// schema. It registers a cleanup function to close the store when the test
// finishes.
func newTestKuzuStore(t *testing.T, opts ...Option) *KuzuStore {
	t.Helper()
	s, err := NewKuzuStore(opts...)
	require.NoError(t, err, "NewKuzuStore should not fail")
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()), "InitSchema should not fail")
	return s
}

func TestKuzuStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, opts ...Option) Store {
		return newTestKuzuStore(t, opts...)
	})
}

func TestKuzuStore_InitSchemaIdempotent(t *testing.T) {
	s := newTestKuzuStore(t)
	assert.NoError(t, s.InitSchema(context.Background()))
}

func TestOpen_RegistersCgoDrivers(t *testing.T) {
	assert.Contains(t, Drivers(), "sqlite")
	assert.Contains(t, Drivers(), "kuzu")
}
