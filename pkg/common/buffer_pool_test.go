package common

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPool_GetSize(t *testing.T) {
	bp := NewBufferPool(64)

	buf := bp.GetSize(10)
	require.Len(t, buf, 10)
	require.Equal(t, 64, cap(buf))
	bp.Put(buf)

	big := bp.GetSize(100)
	require.Len(t, big, 100)
	// oversized buffers are dropped rather than pooled
	bp.Put(big)

	require.Len(t, bp.Get(), 64)
}
