package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCycleErrorUnwrapsToUnderlyingError(t *testing.T) {
	wrapped := errors.New("dial tcp: connection refused")
	err := newCycleError(tagMetadata, wrapped)

	require.ErrorIs(t, err, wrapped)
	require.Contains(t, err.Error(), "metadata")
	require.Contains(t, err.Error(), "connection refused")
}

func TestCycleErrorAsMatchesByTag(t *testing.T) {
	var err error = newCycleError(tagInstall, errors.New("boom"))

	var ce *cycleError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, tagInstall, ce.tag)
}
