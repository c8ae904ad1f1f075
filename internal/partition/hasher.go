// Package partition computes the deterministic mapping from a correlation
// key's bytes to a partition index, using an abs(hashCode) % size formula
// over a byte-level stable hash so every broker sharing the same partition
// set picks the same partition for the same key.
package partition

import (
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/brokerflow/eventcore/internal/model"
)

// Hasher maps correlation-key bytes to a PartitionId drawn from an ordered
// partitionIds set, deterministically and identically on every broker that
// shares the same set.
type Hasher struct{}

// NewHasher returns a Hasher. It has no state: the hash function is pure and
// the partition set is supplied per call, so one Hasher can be shared freely.
func NewHasher() *Hasher {
	return &Hasher{}
}

// HashCode returns the signed 32-bit hash code used to pick a partition,
// folding xxhash's 64-bit digest down to 32 bits. The result is byte-level
// stable and treats the empty key like any other key.
func (h *Hasher) HashCode(correlationKey []byte) int32 {
	sum := xxhash.Sum64(correlationKey)
	return int32(uint32(sum))
}

// PartitionFor returns the element of partitionIds that owns correlationKey.
// The index is computed by taking the absolute value of HashCode before the
// modulo, and INT_MIN (whose absolute value overflows int32) is
// special-cased by taking its magnitude through int64, so it never wraps to
// a negative index.
func (h *Hasher) PartitionFor(correlationKey []byte, partitionIds []model.PartitionId) model.PartitionId {
	if len(partitionIds) == 0 {
		panic("partition: PartitionFor called with an empty partitionIds set")
	}
	index := absMod(h.HashCode(correlationKey), len(partitionIds))
	return partitionIds[index]
}

// absMod returns abs(n) % mod, treating math.MinInt32 specially since its
// absolute value does not fit in an int32.
func absMod(n int32, mod int) int {
	if n == math.MinInt32 {
		// abs(MinInt32) overflows int32; take the magnitude through int64.
		return int(int64(-1) * int64(n) % int64(mod))
	}
	if n < 0 {
		n = -n
	}
	return int(n) % mod
}
