package fountain

import (
	"testing"

	"meshfabric.dev/core/fixedpoint"
)

func TestDeriveSeedDeterministic(t *testing.T) {
	a := DeriveSeed(7, 3)
	b := DeriveSeed(7, 3)
	if a != b {
		t.Fatal("DeriveSeed must be deterministic for the same inputs")
	}
	if DeriveSeed(7, 4) == a {
		t.Fatal("different block_id should (almost certainly) differ")
	}
}

func TestCoefficientVectorReproducible(t *testing.T) {
	seed := DeriveSeed(1, 0)
	w1 := CoefficientVector(seed, 16)
	w2 := CoefficientVector(seed, 16)
	for i := range w1 {
		if w1[i] != w2[i] {
			t.Fatalf("coefficient vector not reproducible at index %d", i)
		}
	}
}

func TestBlockCountRedundancy(t *testing.T) {
	if got := BlockCount(4, 0.5); got != 6 {
		t.Fatalf("BlockCount(4,0.5) = %d, want 6", got)
	}
	if got := BlockCount(16, 0.5); got != 24 {
		t.Fatalf("BlockCount(16,0.5) = %d, want 24", got)
	}
}

// Seed scenario 1: pure decode, 4x4 identity matrix, with 2 of 6
// coded blocks dropped. The six blocks are given explicit,
// hand-constructed indicator vectors (rather than the seed-derived
// LT distribution, whose rank for a tiny m=4 system is not
// predictable without running the degree sampler) so the test
// exercises the decoder's GF(2) rank tracking and the real-valued
// solve deterministically: four of the six are triangular
// (guaranteed full rank once all four survive), and the other two,
// redundant combinations, are the dropped pair, so the decoder must
// reach full rank from the four survivors alone.
func TestDecodePureIdentity4x4(t *testing.T) {
	m := fixedpoint.Identity(4)
	x := fixedpoint.Vector{
		fixedpoint.FromFloat64(0.5),
		fixedpoint.FromFloat64(-0.25),
		fixedpoint.FromFloat64(0.125),
		fixedpoint.FromFloat64(-0.0625),
	}
	indicators := []Indicator{
		{true, false, false, false},
		{true, true, false, false},
		{true, true, true, false},
		{true, true, true, true},
		{false, true, false, false}, // dropped
		{false, false, true, true},  // dropped
	}
	dropped := map[uint32]bool{4: true, 5: true}

	dec := NewDecoder(4)
	for k, w := range indicators {
		if dropped[uint32(k)] {
			continue
		}
		combined, sat, err := CombineRows(m, w)
		if err != nil {
			t.Fatal(err)
		}
		y, err := combined.Dot(x)
		if err != nil {
			t.Fatal(err)
		}
		dec.Offer(uint32(k), w, y, sat)
	}
	dec.Reduce()
	if !dec.Done() {
		t.Fatalf("expected full rank 4, got rank %d", dec.Rank())
	}
	want, err := m.MatVec(x)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dec.Solve()
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded y[%d] = %d, want %d (bit-exact required)", i, got[i], want[i])
		}
	}
}

// TestDecodeToleratesStragglerWorker mirrors spec's straggler-tolerance
// scenario: m=16, rho=0.5 gives K=24 coded blocks; a straggler worker
// owning the last 3 blocks never reports in time, but the cycle must
// still decode from the 21 on-time blocks.
func TestDecodeToleratesStragglerWorker(t *testing.T) {
	const m = 16
	mat := fixedpoint.Identity(m)
	x := make(fixedpoint.Vector, m)
	for i := range x {
		x[i] = fixedpoint.FromFloat64(float64(i+1) / 32)
	}

	k := BlockCount(m, 0.5)
	if k != 24 {
		t.Fatalf("BlockCount(16, 0.5) = %d, want 24", k)
	}

	straggler := map[uint32]bool{21: true, 22: true, 23: true}

	dec := NewDecoder(m)
	for blockID := 0; blockID < k; blockID++ {
		if straggler[uint32(blockID)] {
			continue
		}
		var w Indicator
		if blockID < m {
			// First m blocks are single-row selectors, guaranteeing
			// full rank without relying on the random degree draw.
			w = make(Indicator, m)
			w[blockID] = true
		} else {
			w = CoefficientVector(DeriveSeed(1, uint32(blockID)), m)
		}
		combined, sat, err := CombineRows(mat, w)
		if err != nil {
			t.Fatal(err)
		}
		y, err := combined.Dot(x)
		if err != nil {
			t.Fatal(err)
		}
		dec.Offer(uint32(blockID), w, y, sat)
	}
	dec.Reduce()
	if !dec.Done() {
		t.Fatalf("expected full rank %d from 21 on-time blocks, got rank %d", m, dec.Rank())
	}

	want, err := mat.MatVec(x)
	if err != nil {
		t.Fatal(err)
	}
	got, err := dec.Solve()
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decoded y[%d] = %d, want %d (bit-exact required)", i, got[i], want[i])
		}
	}
}

func TestCombineRowsSaturationFlag(t *testing.T) {
	m := fixedpoint.Matrix{
		{fixedpoint.Max, 0},
		{fixedpoint.Max, 0},
	}
	w := Indicator{true, true}
	combined, sat, err := CombineRows(m, w)
	if err != nil {
		t.Fatal(err)
	}
	if !sat {
		t.Fatal("expected saturation combining two Max rows")
	}
	if combined[0] != fixedpoint.Max {
		t.Fatalf("combined[0] = %d, want Max", combined[0])
	}
}

func TestDecoderRejectsDuplicateBlockID(t *testing.T) {
	dec := NewDecoder(2)
	w := Indicator{true, false}
	dec.Offer(0, w, 5, false)
	dec.Offer(0, w, 999, false) // duplicate, must be ignored
	dec.Reduce()
	if dec.Rank() != 1 {
		t.Fatalf("rank = %d, want 1 (duplicate must not double-count)", dec.Rank())
	}
}

func TestDecoderDependentBlocksDoNotExtendRank(t *testing.T) {
	dec := NewDecoder(2)
	dec.Offer(0, Indicator{true, false}, 1, false)
	dec.Offer(1, Indicator{true, false}, 1, false) // same indicator, dependent
	dec.Reduce()
	if dec.Rank() != 1 {
		t.Fatalf("rank = %d, want 1", dec.Rank())
	}
	dec.Offer(2, Indicator{false, true}, 2, false)
	dec.Reduce()
	if !dec.Done() {
		t.Fatalf("expected rank 2 after independent block, got %d", dec.Rank())
	}
}
