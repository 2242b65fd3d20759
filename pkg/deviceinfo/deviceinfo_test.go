package deviceinfo

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGatherPopulatesRuntimeFields(t *testing.T) {
	info := Gather()
	require.Equal(t, runtime.GOOS, info.OS)
	require.Equal(t, runtime.GOARCH, info.Architecture)
}
