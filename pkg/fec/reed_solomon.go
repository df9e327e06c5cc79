// Package fec provides the erasure coder used to compute parity packets for
// transmit blocks.
package fec

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// Block scheme limits
const (
	MaxDataPacketsInBlock = 32
	MaxECPacketsInBlock   = 32
)

var (
	ErrNoParityShards   = errors.New("fec: block has no parity shards")
	ErrInvalidShardSize = errors.New("fec: shards must be non-empty and of equal size")
	ErrTooManyShards    = errors.New("fec: shard count exceeds block limits")
)

// Coder computes parity shards for a block of data shards.
// shards[:dataShards] are read, shards[dataShards:] are overwritten with parity.
type Coder interface {
	Encode(shards [][]byte, dataShards int) error
}

// ReedSolomon is a Coder backed by klauspost/reedsolomon. Encoders are cached
// per (data, parity) scheme. Not safe for concurrent use.
type ReedSolomon struct {
	schemes map[[2]int]reedsolomon.Encoder
}

var _ Coder = (*ReedSolomon)(nil)

// NewReedSolomon creates a Reed-Solomon coder with an empty encoder cache
func NewReedSolomon() *ReedSolomon {
	return &ReedSolomon{schemes: make(map[[2]int]reedsolomon.Encoder)}
}

// Encode fills the parity shards of a block
func (f *ReedSolomon) Encode(shards [][]byte, dataShards int) error {
	enc, err := f.encoderFor(shards, dataShards)
	if err != nil {
		return err
	}
	if err := checkShardSizes(shards, false); err != nil {
		return err
	}
	if err := enc.Encode(shards); err != nil {
		return fmt.Errorf("fec: encode %d+%d: %w", dataShards, len(shards)-dataShards, err)
	}
	return nil
}

// Reconstruct rebuilds missing data shards in place. Missing shards are nil
// or zero length entries.
func (f *ReedSolomon) Reconstruct(shards [][]byte, dataShards int) error {
	enc, err := f.encoderFor(shards, dataShards)
	if err != nil {
		return err
	}
	if err := checkShardSizes(shards, true); err != nil {
		return err
	}
	if err := enc.ReconstructData(shards); err != nil {
		return fmt.Errorf("fec: reconstruct %d+%d: %w", dataShards, len(shards)-dataShards, err)
	}
	return nil
}

// Verify reports whether the parity shards match the data shards
func (f *ReedSolomon) Verify(shards [][]byte, dataShards int) (bool, error) {
	enc, err := f.encoderFor(shards, dataShards)
	if err != nil {
		return false, err
	}
	if err := checkShardSizes(shards, false); err != nil {
		return false, err
	}
	return enc.Verify(shards)
}

func (f *ReedSolomon) encoderFor(shards [][]byte, dataShards int) (reedsolomon.Encoder, error) {
	parityShards := len(shards) - dataShards
	if dataShards < 1 || parityShards < 1 {
		return nil, ErrNoParityShards
	}
	if dataShards > MaxDataPacketsInBlock || parityShards > MaxECPacketsInBlock {
		return nil, ErrTooManyShards
	}

	key := [2]int{dataShards, parityShards}
	if enc, ok := f.schemes[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: new encoder %d+%d: %w", dataShards, parityShards, err)
	}
	f.schemes[key] = enc
	return enc, nil
}

// checkShardSizes requires every shard to share one non-zero length. With
// allowMissing, empty shards are skipped but at least one must be present.
func checkShardSizes(shards [][]byte, allowMissing bool) error {
	size := 0
	for i, s := range shards {
		if len(s) == 0 {
			if allowMissing {
				continue
			}
			return fmt.Errorf("%w: shard %d is empty", ErrInvalidShardSize, i)
		}
		if size == 0 {
			size = len(s)
		} else if len(s) != size {
			return fmt.Errorf("%w: shard %d has %d bytes, want %d", ErrInvalidShardSize, i, len(s), size)
		}
	}
	if size == 0 {
		return ErrInvalidShardSize
	}
	return nil
}
