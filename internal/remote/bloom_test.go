package remote

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBloomFilterValidation(t *testing.T) {
	for _, tc := range []struct {
		name      string
		bitmap    []byte
		padding   int
		hashCount int
	}{
		{"negative padding", []byte{1}, -1, 1},
		{"padding of a full byte", []byte{1}, 8, 1},
		{"negative hash count", []byte{1}, 0, -1},
		{"bits without hashes", []byte{1}, 0, 0},
		{"padding without bits", nil, 1, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewBloomFilter(tc.bitmap, tc.padding, tc.hashCount)
			assert.Error(t, err)
		})
	}

	empty, err := NewBloomFilter(nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.BitCount())
	assert.False(t, empty.MightContain("rooms/a"))

	padded, err := NewBloomFilter([]byte{0xff, 0x01}, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, 9, padded.BitCount())
}

func TestBloomFilterMembership(t *testing.T) {
	bf := &BloomFilter{bitmap: make([]byte, 512), hashCount: 5, bitCount: 4096}
	for i := 0; i < 20; i++ {
		bf.insert(fmt.Sprintf("rooms/%d", i))
	}
	for i := 0; i < 20; i++ {
		assert.True(t, bf.MightContain(fmt.Sprintf("rooms/%d", i)))
	}

	// Parsing the wire form gives the same answers.
	parsed, err := NewBloomFilter(bf.bitmap, 0, 5)
	require.NoError(t, err)
	falsePositives := 0
	for i := 20; i < 1020; i++ {
		assert.Equal(t, bf.MightContain(fmt.Sprintf("rooms/%d", i)), parsed.MightContain(fmt.Sprintf("rooms/%d", i)))
		if parsed.MightContain(fmt.Sprintf("rooms/%d", i)) {
			falsePositives++
		}
	}
	assert.Less(t, falsePositives, 10)
}

func TestReconnectBackoff(t *testing.T) {
	b := newReconnectBackoff()
	assert.Equal(t, time.Duration(0), b.Next(), "first retry is immediate")
	first := b.Next()
	assert.GreaterOrEqual(t, first, BackoffInitialDelay/2)
	assert.LessOrEqual(t, first, BackoffInitialDelay*3/2)

	b.ResetToMax()
	atMax := b.Next()
	assert.GreaterOrEqual(t, atMax, BackoffMaxDelay/2)
	assert.LessOrEqual(t, atMax, BackoffMaxDelay*3/2)

	b.Reset()
	assert.Equal(t, time.Duration(0), b.Next())
}
