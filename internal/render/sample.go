package render

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// cellHash is a seeded hash of a column index.
func cellHash(seed int64, col int) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(seed))
	binary.LittleEndian.PutUint64(b[8:], uint64(col))
	return xxhash.Sum64(b[:])
}

// SampleColumns picks k of n column indices, returned in ascending order.
// The choice depends only on (n, k, seed); all columns are returned when
// k >= n.
func SampleColumns(n, k int, seed int64) []int {
	if k <= 0 || n <= 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if k >= n {
		return idx
	}

	hashes := make([]uint64, n)
	for i := range hashes {
		hashes[i] = cellHash(seed, i)
	}
	sort.Slice(idx, func(a, b int) bool {
		ha, hb := hashes[idx[a]], hashes[idx[b]]
		if ha != hb {
			return ha < hb
		}
		return idx[a] < idx[b]
	})
	idx = idx[:k]
	sort.Ints(idx)
	return idx
}
