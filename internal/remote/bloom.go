package remote

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// BloomFilter tests membership of document names in the set the server still has for a
// target. Bits are numbered least significant first within each byte.
type BloomFilter struct {
	bitmap    []byte
	hashCount int
	bitCount  uint64
}

// NewBloomFilter validates the wire parameters and builds a filter.
func NewBloomFilter(bitmap []byte, padding, hashCount int) (*BloomFilter, error) {
	if padding < 0 || padding >= 8 {
		return nil, fmt.Errorf("invalid bloom filter padding %d", padding)
	}
	if hashCount < 0 {
		return nil, fmt.Errorf("invalid bloom filter hash count %d", hashCount)
	}
	if len(bitmap) > 0 && hashCount == 0 {
		return nil, fmt.Errorf("bloom filter with bits needs a positive hash count")
	}
	if len(bitmap) == 0 && padding != 0 {
		return nil, fmt.Errorf("empty bloom filter with padding %d", padding)
	}
	return &BloomFilter{
		bitmap:    append([]byte(nil), bitmap...),
		hashCount: hashCount,
		bitCount:  uint64(len(bitmap))*8 - uint64(padding),
	}, nil
}

// BitCount is the number of usable bits.
func (f *BloomFilter) BitCount() int { return int(f.bitCount) }

// MightContain reports whether value may be in the set. False answers are certain.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	sum := md5.Sum([]byte(value))
	h1 := binary.LittleEndian.Uint64(sum[:8])
	h2 := binary.LittleEndian.Uint64(sum[8:])
	for i := 0; i < f.hashCount; i++ {
		// Double hashing with unsigned wraparound.
		idx := (h1 + uint64(i)*h2) % f.bitCount
		if f.bitmap[idx/8]&(1<<(idx%8)) == 0 {
			return false
		}
	}
	return true
}

// insert sets the bits for value. Only tests build filters.
func (f *BloomFilter) insert(value string) {
	sum := md5.Sum([]byte(value))
	h1 := binary.LittleEndian.Uint64(sum[:8])
	h2 := binary.LittleEndian.Uint64(sum[8:])
	for i := 0; i < f.hashCount; i++ {
		idx := (h1 + uint64(i)*h2) % f.bitCount
		f.bitmap[idx/8] |= 1 << (idx % 8)
	}
}
