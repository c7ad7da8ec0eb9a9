package fountain

import (
	"fmt"
	"math"
	"sort"

	"meshfabric.dev/core/fixedpoint"
)

// pendingBlock is a received-but-not-yet-incorporated coded block,
// retained with its arrival order for tie-breaking.
type pendingBlock struct {
	blockID uint32
	w       Indicator
	y       fixedpoint.Q1
	sat     bool
	arrival int
}

// basisRow is an accepted, rank-extending block.
type basisRow struct {
	blockID uint32
	w       Indicator
	y       fixedpoint.Q1
	sat     bool
}

// Decoder accumulates coded blocks for a single cycle and, once the
// accumulated indicator vectors reach rank m, solves for the m
// per-row dot products y = M*x (spec §4.2/§3).
type Decoder struct {
	m int

	seen    map[uint32]bool
	pending []pendingBlock
	arrival int

	// rref holds the GF(2) reduced-row-echelon form of the accepted
	// basis rows, one row per pivot column, used purely for O(1)-ish
	// independence testing as new blocks arrive.
	rref    []Indicator
	pivotOf []int // pivotOf[row] = pivot column of rref[row]

	basis []basisRow
}

// NewDecoder creates a decoder for a matrix with m rows (output
// width).
func NewDecoder(m int) *Decoder {
	return &Decoder{
		m:    m,
		seen: make(map[uint32]bool),
	}
}

// Rank reports the current accepted rank (0..m).
func (d *Decoder) Rank() int { return len(d.basis) }

// Done reports whether rank has reached m and decoding can proceed.
func (d *Decoder) Done() bool { return len(d.basis) >= d.m }

// Offer buffers a newly arrived ResultFrame's decoded fields for
// later incorporation by Reduce. Duplicate block_ids (per spec,
// already-seen blocks) are ignored.
func (d *Decoder) Offer(blockID uint32, w Indicator, y fixedpoint.Q1, saturated bool) {
	if d.seen[blockID] {
		return
	}
	d.seen[blockID] = true
	d.pending = append(d.pending, pendingBlock{
		blockID: blockID,
		w:       w,
		y:       y,
		sat:     saturated,
		arrival: d.arrival,
	})
	d.arrival++
}

// Reduce greedily incorporates buffered blocks into the basis in
// tie-break order (lower block_id first, then non-saturated over
// saturated, then earliest arrival), stopping once rank reaches m or
// no pending block extends the basis. It may be called repeatedly as
// new results arrive; already-processed candidates that turned out
// GF(2)-dependent are discarded (they will never become independent
// later, since the basis only grows).
func (d *Decoder) Reduce() {
	if d.Done() || len(d.pending) == 0 {
		return
	}
	sort.SliceStable(d.pending, func(i, j int) bool {
		a, b := d.pending[i], d.pending[j]
		if a.blockID != b.blockID {
			return a.blockID < b.blockID
		}
		if a.sat != b.sat {
			return !a.sat // non-saturated first
		}
		return a.arrival < b.arrival
	})

	remaining := d.pending[:0:0]
	for _, cand := range d.pending {
		if d.Done() {
			remaining = append(remaining, cand)
			continue
		}
		if d.tryAccept(cand) {
			continue
		}
		remaining = append(remaining, cand)
	}
	d.pending = remaining
}

// tryAccept attempts to extend the GF(2) basis with cand's indicator
// vector. Returns true if cand was consumed (either accepted into the
// basis, or proven dependent and permanently discardable).
func (d *Decoder) tryAccept(cand pendingBlock) bool {
	reduced := make(Indicator, len(cand.w))
	copy(reduced, cand.w)
	for i, pivot := range d.pivotOf {
		if reduced[pivot] {
			xorInto(reduced, d.rref[i])
		}
	}
	pivot := firstSet(reduced)
	if pivot < 0 {
		// Linearly dependent on the current basis: it can never
		// extend rank later either, since the basis only grows.
		return true
	}
	d.rref = append(d.rref, reduced)
	d.pivotOf = append(d.pivotOf, pivot)
	d.basis = append(d.basis, basisRow{blockID: cand.blockID, w: cand.w, y: cand.y, sat: cand.sat})
	return true
}

func firstSet(w Indicator) int {
	for i, b := range w {
		if b {
			return i
		}
	}
	return -1
}

func xorInto(dst, src Indicator) {
	for i := range dst {
		if src[i] {
			dst[i] = !dst[i]
		}
	}
}

// AnyBasisSaturated reports whether any block currently in the basis
// was flagged saturated by its worker. Nothing in this module calls
// it; Reduce's basis selection does not consult it.
func (d *Decoder) AnyBasisSaturated() bool {
	for _, r := range d.basis {
		if r.sat {
			return true
		}
	}
	return false
}

// Solve reconstructs y = M*x (the m per-row dot products) once rank
// has reached m, by solving the m x m real linear system W*s = Y
// where W's rows are the accepted indicator vectors and Y their coded
// symbols. Elimination is done in float64 (W is a small dense 0/1
// matrix; exactness of the fixed-point encoding means the solution
// rounds back to the original integer Q1.31 values when no row in
// the basis saturated during combination). See DESIGN.md for why
// this single step uses floating point rather than exact integer
// elimination.
func (d *Decoder) Solve() (fixedpoint.Vector, error) {
	if !d.Done() {
		return nil, fmt.Errorf("fountain: Solve: rank %d < m %d", d.Rank(), d.m)
	}
	m := d.m
	a := make([][]float64, m)
	b := make([]float64, m)
	for i := 0; i < m; i++ {
		row := make([]float64, m)
		for j, set := range d.basis[i].w {
			if set {
				row[j] = 1
			}
		}
		a[i] = row
		b[i] = float64(d.basis[i].y)
	}

	// Gaussian elimination with partial pivoting.
	for col := 0; col < m; col++ {
		piv := col
		best := math.Abs(a[col][col])
		for r := col + 1; r < m; r++ {
			if v := math.Abs(a[r][col]); v > best {
				best, piv = v, r
			}
		}
		if best == 0 {
			return nil, fmt.Errorf("fountain: Solve: singular system at column %d", col)
		}
		a[col], a[piv] = a[piv], a[col]
		b[col], b[piv] = b[piv], b[col]

		for r := col + 1; r < m; r++ {
			factor := a[r][col] / a[col][col]
			if factor == 0 {
				continue
			}
			for c := col; c < m; c++ {
				a[r][c] -= factor * a[col][c]
			}
			b[r] -= factor * b[col]
		}
	}

	x := make([]float64, m)
	for row := m - 1; row >= 0; row-- {
		sum := b[row]
		for c := row + 1; c < m; c++ {
			sum -= a[row][c] * x[c]
		}
		x[row] = sum / a[row][row]
	}

	out := make(fixedpoint.Vector, m)
	for i, v := range x {
		out[i] = roundToQ1(v)
	}
	return out, nil
}

func roundToQ1(v float64) fixedpoint.Q1 {
	r := math.Round(v)
	if r > float64(fixedpoint.Max) {
		return fixedpoint.Max
	}
	if r < float64(fixedpoint.Min) {
		return fixedpoint.Min
	}
	return fixedpoint.Q1(int32(r))
}
