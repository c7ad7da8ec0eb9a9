// Package fountain implements the rateless (fountain) coded-computing
// protocol of spec §4.2: an LT-style degree distribution over row
// indices, row-combine-then-dot block evaluation, and a rank-tracking
// Gaussian-elimination decoder over GF(2) indicator vectors.
package fountain

import (
	"encoding/binary"
	"math/rand"

	"golang.org/x/crypto/sha3"
)

// DeriveSeed computes seed_k = H(cycle || block_id) with plain,
// unkeyed SHA3-256 (no secret or key is mixed in), so any node can
// regenerate the same coefficient vector from (cycle, block_id)
// alone. SHA3-256 is reused here as the
// module's single hashing primitive (also used by llft for the
// divergence-detection digest), truncated to 64 bits.
func DeriveSeed(cycle uint64, blockID uint32) uint64 {
	var in [12]byte
	binary.LittleEndian.PutUint64(in[0:8], cycle)
	binary.LittleEndian.PutUint32(in[8:12], blockID)
	digest := sha3.Sum256(in[:])
	return binary.LittleEndian.Uint64(digest[:8])
}

// Indicator is the GF(2) row-selector vector w_k in {0,1}^m.
type Indicator []bool

// Density reports the number of set bits (the block's degree).
func (w Indicator) Density() int {
	n := 0
	for _, b := range w {
		if b {
			n++
		}
	}
	return n
}

// CoefficientVector regenerates w_k from seed deterministically using
// an LT-style (ideal-soliton-like) degree distribution with expected
// density Θ(ln m / m): a degree d is sampled from
//
//	P(d=1)   = 1/m
//	P(d=i)   = 1/(i*(i-1))   for i = 2..m
//
// then d distinct row indices in [0,m) are chosen uniformly without
// replacement. math/rand (not crypto/rand) is used deliberately: the
// sequence must be bit-for-bit reproducible from the integer seed
// alone on every node, which is a determinism requirement, not a
// cryptographic one — seeds only need to be unpredictable to an
// adversary that cannot already see the TaskFrame on the wire.
func CoefficientVector(seed uint64, m int) Indicator {
	if m <= 0 {
		return Indicator{}
	}
	rng := rand.New(rand.NewSource(int64(seed)))
	d := sampleDegree(rng, m)
	w := make(Indicator, m)
	picked := chooseDistinct(rng, m, d)
	for _, idx := range picked {
		w[idx] = true
	}
	return w
}

// sampleDegree draws a degree from the ideal-soliton-style
// distribution truncated to [1,m].
func sampleDegree(rng *rand.Rand, m int) int {
	if m == 1 {
		return 1
	}
	u := rng.Float64()
	if u <= 1.0/float64(m) {
		return 1
	}
	for d := 2; d <= m; d++ {
		// CDF of the ideal soliton distribution up to d is
		// 1/m + sum_{i=2}^{d} 1/(i*(i-1)) = 1/m + (1 - 1/d) roughly;
		// walk forward until u is covered, falling back to m.
		threshold := 1.0/float64(m) + (1.0 - 1.0/float64(d))
		if u <= threshold {
			return d
		}
	}
	return m
}

// chooseDistinct selects k distinct indices from [0,n) via partial
// Fisher-Yates, deterministic given rng's state.
func chooseDistinct(rng *rand.Rand, n, k int) []int {
	if k > n {
		k = n
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm[:k]
}
