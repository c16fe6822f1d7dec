package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLister struct {
	symbols []string
	err     error
}

func (s *stubLister) ListActiveSymbols(context.Context) ([]string, error) {
	return s.symbols, s.err
}

func TestResolve(t *testing.T) {
	c := New(&stubLister{symbols: []string{"AAPL", "MSFT"}})

	symbols, err := c.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)
}

func TestResolve_StoreError(t *testing.T) {
	c := New(&stubLister{err: errors.New("connection refused")})

	_, err := c.Resolve(context.Background())
	assert.ErrorContains(t, err, "resolve symbol universe")
}
