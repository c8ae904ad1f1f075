package partition

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokerflow/eventcore/internal/model"
)

func fivePartitions() []model.PartitionId {
	return []model.PartitionId{1, 2, 3, 4, 5}
}

func TestPartitionFor_IndexAlwaysInRange(t *testing.T) {
	h := NewHasher()
	keys := [][]byte{
		[]byte("order-42"),
		[]byte(""),
		{0xff, 0xff, 0xff, 0xff},
		[]byte("customer-key-with-a-much-longer-byte-sequence-than-the-others"),
	}
	for _, k := range keys {
		p := h.PartitionFor(k, fivePartitions())
		assert.Contains(t, fivePartitions(), p)
	}
}

func TestPartitionFor_IsDeterministicAcrossCalls(t *testing.T) {
	h := NewHasher()
	key := []byte("correlation-key-123")
	first := h.PartitionFor(key, fivePartitions())
	for i := 0; i < 50; i++ {
		require.Equal(t, first, h.PartitionFor(key, fivePartitions()))
	}
}

func TestPartitionFor_IsStableAcrossSeparateHasherInstances(t *testing.T) {
	key := []byte("stable-across-brokers")
	a := NewHasher().PartitionFor(key, fivePartitions())
	b := NewHasher().PartitionFor(key, fivePartitions())
	assert.Equal(t, a, b)
}

func TestAbsMod_HandlesMinInt32WithoutOverflow(t *testing.T) {
	idx := absMod(math.MinInt32, 7)
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, 7)
}

func TestAbsMod_NegativeAndPositiveHashesAgree(t *testing.T) {
	assert.Equal(t, absMod(5, 3), absMod(-5, 3))
	assert.Equal(t, absMod(0, 4), 0)
}

func TestPartitionFor_PanicsOnEmptyPartitionSet(t *testing.T) {
	h := NewHasher()
	assert.Panics(t, func() {
		h.PartitionFor([]byte("anything"), nil)
	})
}
