package fec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func makeShards(data, parity, size int) [][]byte {
	shards := make([][]byte, data+parity)
	for i := range shards {
		shards[i] = make([]byte, size)
		if i < data {
			for j := range shards[i] {
				shards[i][j] = byte(i*31 + j)
			}
		}
	}
	return shards
}

func TestEncodeAndReconstruct(t *testing.T) {
	rs := NewReedSolomon()
	shards := makeShards(4, 2, 64)
	require.NoError(t, rs.Encode(shards, 4))

	ok, err := rs.Verify(shards, 4)
	require.NoError(t, err)
	require.True(t, ok)

	want0 := append([]byte(nil), shards[0]...)
	want2 := append([]byte(nil), shards[2]...)
	shards[0] = nil
	shards[2] = nil
	require.NoError(t, rs.Reconstruct(shards, 4))
	require.Equal(t, want0, shards[0])
	require.Equal(t, want2, shards[2])
}

func TestEncoderCache(t *testing.T) {
	rs := NewReedSolomon()
	require.NoError(t, rs.Encode(makeShards(4, 2, 16), 4))
	require.NoError(t, rs.Encode(makeShards(4, 2, 16), 4))
	require.NoError(t, rs.Encode(makeShards(8, 1, 16), 8))
	require.Len(t, rs.schemes, 2)
}

func TestEncodeRejectsBadSchemes(t *testing.T) {
	rs := NewReedSolomon()
	require.ErrorIs(t, rs.Encode(makeShards(4, 0, 16), 4), ErrNoParityShards)
	require.ErrorIs(t, rs.Encode(makeShards(MaxDataPacketsInBlock+1, 1, 16), MaxDataPacketsInBlock+1), ErrTooManyShards)

	shards := makeShards(2, 1, 16)
	shards[1] = shards[1][:8]
	require.ErrorIs(t, rs.Encode(shards, 2), ErrInvalidShardSize)
	_, err := rs.Verify(shards, 2)
	require.ErrorIs(t, err, ErrInvalidShardSize)

	require.ErrorIs(t, rs.Encode(makeShards(2, 1, 0), 2), ErrInvalidShardSize)

	// Reconstruct tolerates missing shards but not a size mismatch
	shards = makeShards(2, 1, 16)
	shards[0] = nil
	shards[2] = shards[2][:4]
	require.ErrorIs(t, rs.Reconstruct(shards, 2), ErrInvalidShardSize)
	require.ErrorIs(t, rs.Reconstruct(make([][]byte, 3), 2), ErrInvalidShardSize)
}

func TestEncodeIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		data := rapid.IntRange(1, MaxDataPacketsInBlock).Draw(t, "data")
		parity := rapid.IntRange(1, MaxECPacketsInBlock).Draw(t, "parity")
		size := rapid.IntRange(1, 128).Draw(t, "size")

		a := makeShards(data, parity, size)
		b := makeShards(data, parity, size)
		if err := NewReedSolomon().Encode(a, data); err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := NewReedSolomon().Encode(b, data); err != nil {
			t.Fatalf("encode: %v", err)
		}
		for i := data; i < data+parity; i++ {
			if !bytes.Equal(a[i], b[i]) {
				t.Fatalf("parity shard %d differs", i)
			}
		}
	})
}
