package remote

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// BloomFilter answers membership probes against a server-provided existence
// filter. False positives are possible, false negatives are not, so a miss
// proves the server does not know the document.
type BloomFilter struct {
	bits      []byte
	bitCount  int
	hashCount int
}

// NewBloomFilter validates a wire payload. The bit array length is
// len(bits)*8 minus the padding bits of the final byte.
func NewBloomFilter(spec BloomFilterSpec) (*BloomFilter, error) {
	if spec.Padding < 0 || spec.Padding > 7 {
		return nil, fmt.Errorf("invalid bloom filter padding %d", spec.Padding)
	}
	if spec.HashCount < 0 {
		return nil, fmt.Errorf("invalid bloom filter hash count %d", spec.HashCount)
	}
	if len(spec.Bits) == 0 && spec.Padding != 0 {
		return nil, fmt.Errorf("empty bloom filter cannot have padding")
	}
	bitCount := len(spec.Bits)*8 - spec.Padding
	if bitCount < 0 {
		return nil, fmt.Errorf("bloom filter padding %d exceeds bit array", spec.Padding)
	}
	return &BloomFilter{bits: spec.Bits, bitCount: bitCount, hashCount: spec.HashCount}, nil
}

// MightContain probes the filter with the document's full resource path.
// An empty filter contains nothing.
func (f *BloomFilter) MightContain(value string) bool {
	if f.bitCount == 0 {
		return false
	}
	sum := md5.Sum([]byte(value))
	h1 := binary.LittleEndian.Uint64(sum[0:8])
	h2 := binary.LittleEndian.Uint64(sum[8:16])

	// Double hashing: probe i lands at h1 + i*h2, with uint64 wraparound.
	for i := 0; i < f.hashCount; i++ {
		combined := h1 + uint64(i)*h2
		bit := combined % uint64(f.bitCount)
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}
