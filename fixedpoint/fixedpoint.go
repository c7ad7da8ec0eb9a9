// Package fixedpoint implements Q1.31 saturating fixed-point arithmetic:
// one sign bit, 31 fraction bits, range [-1, 1-2^-31], scale 2^-31.
//
// Every participant in the control fabric (aggregator, backup, worker)
// must compute bit-identical results from the same inputs. This rules
// out floating point entirely: no FMA, no extended-precision
// intermediates, no compiler-reordered reductions. Rounding on
// multiply is truncation toward zero, fixed across all nodes.
package fixedpoint

import "fmt"

// Q1 is a single Q1.31 scalar, stored as its raw two's-complement
// bit pattern.
type Q1 int32

const (
	// Max is the largest representable value, 1 - 2^-31.
	Max Q1 = 0x7fffffff
	// Min is the smallest representable value, -1.
	Min Q1 = -0x7fffffff - 1
)

// DimensionMismatchError reports an operation over vectors or matrices
// whose dimensions are not compatible.
type DimensionMismatchError struct {
	Op   string
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("fixedpoint: %s: dimension mismatch (want %d, got %d)", e.Op, e.Want, e.Got)
}

func dimensionMismatch(op string, want, got int) error {
	return &DimensionMismatchError{Op: op, Want: want, Got: got}
}

// satCounter is a process-wide diagnostic counter. It is read by
// SaturationCount and must never influence control decisions (spec
// mandates saturation be silent but observable).
var satCounter uint64

// SaturationCount returns the number of saturating clamps observed by
// this process since startup. Diagnostic only.
func SaturationCount() uint64 { return satCounter }

// ResetSaturationCount zeroes the diagnostic saturation counter. The
// tests call it before measuring; nothing else in the module does.
func ResetSaturationCount() { satCounter = 0 }

func noteSaturation() { satCounter++ }

// Add returns a+b, saturating toward Max/Min on overflow.
func Add(a, b Q1) Q1 {
	sum := int64(a) + int64(b)
	return saturate32(sum)
}

// AddChecked returns a+b along with whether this particular addition
// saturated. Callers that must make a control decision based on
// saturation (the fountain codec's row-combine step) use this instead
// of the global SaturationCount, which is diagnostic-only and must
// never influence control decisions per spec §4.1.
func AddChecked(a, b Q1) (Q1, bool) {
	sum := int64(a) + int64(b)
	if sum > int64(Max) || sum < int64(Min) {
		noteSaturation()
		return saturate32(sum), true
	}
	return Q1(sum), false
}

// Sub returns a-b, saturating toward Max/Min on overflow.
func Sub(a, b Q1) Q1 {
	diff := int64(a) - int64(b)
	return saturate32(diff)
}

// Mul returns a*b rounded by truncation toward zero, saturating on
// overflow. The product is formed in a 64-bit intermediate; an
// arithmetic shift of a negative intermediate floors toward negative
// infinity rather than truncating toward zero, so the sign is split
// off before shifting and reapplied after. This sequence is fixed
// across all nodes and must not be altered, or decoding will diverge
// between heterogeneous CPUs.
func Mul(a, b Q1) Q1 {
	neg := (a < 0) != (b < 0)
	ua, ub := abs64(int64(a)), abs64(int64(b))
	prod := ua * ub
	shifted := prod >> 31
	if neg {
		return saturate32(-shifted)
	}
	return saturate32(shifted)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func saturate32(v int64) Q1 {
	if v > int64(Max) {
		noteSaturation()
		return Max
	}
	if v < int64(Min) {
		noteSaturation()
		return Min
	}
	return Q1(v)
}

// Vector is a dense Q1.31 vector.
type Vector []Q1

// Add returns the elementwise saturating sum of u and v.
func (u Vector) Add(v Vector) (Vector, error) {
	if len(u) != len(v) {
		return nil, dimensionMismatch("Vector.Add", len(u), len(v))
	}
	out := make(Vector, len(u))
	for i := range u {
		out[i] = Add(u[i], v[i])
	}
	return out, nil
}

// Dot returns the saturating dot product of u and v. The accumulation
// itself happens in a 64-bit accumulator and is only saturated once,
// at the end, per spec: intermediate partial sums never clamp.
func (u Vector) Dot(v Vector) (Q1, error) {
	if len(u) != len(v) {
		return 0, dimensionMismatch("Vector.Dot", len(u), len(v))
	}
	var acc int64
	for i := range u {
		a, b := u[i], v[i]
		neg := (a < 0) != (b < 0)
		p := (abs64(int64(a)) * abs64(int64(b))) >> 31
		if neg {
			p = -p
		}
		acc += p
	}
	return saturate32(acc), nil
}

// Matrix is a dense row-major Q1.31 matrix.
type Matrix []Vector

// Rows returns the row count.
func (m Matrix) Rows() int { return len(m) }

// Cols returns the column count of the first row, or 0 for an empty
// matrix.
func (m Matrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// MatVec computes y = M*x, row by row via Dot.
func (m Matrix) MatVec(x Vector) (Vector, error) {
	n := m.Cols()
	if len(x) != n {
		return nil, dimensionMismatch("Matrix.MatVec", n, len(x))
	}
	y := make(Vector, len(m))
	for i, row := range m {
		if len(row) != n {
			return nil, dimensionMismatch("Matrix.MatVec(row)", n, len(row))
		}
		v, err := row.Dot(x)
		if err != nil {
			return nil, err
		}
		y[i] = v
	}
	return y, nil
}

// Row returns a copy of row i.
func (m Matrix) Row(i int) Vector {
	out := make(Vector, len(m[i]))
	copy(out, m[i])
	return out
}

// Identity builds an n x n identity matrix in Q1.31 (diagonal = Max+1
// is unrepresentable, so 1.0 is approximated by Max, the closest
// representable value below 1).
func Identity(n int) Matrix {
	m := make(Matrix, n)
	for i := range m {
		row := make(Vector, n)
		row[i] = Max
		m[i] = row
	}
	return m
}

// FromFloat64 converts a float64 in [-1,1) to Q1.31 by truncating
// toward zero (not by rounding to nearest), clamping to Max/Min. It
// exists only for test fixtures and operator tooling; it must never appear on the hot (worker/decoder)
// path per spec.
func FromFloat64(f float64) Q1 {
	scaled := f * 2147483648.0 // 2^31
	if scaled >= float64(Max) {
		return Max
	}
	if scaled <= float64(Min) {
		return Min
	}
	return Q1(int32(scaled))
}

// ToFloat64 converts a Q1.31 value back to float64, for diagnostics
// and operator tooling only.
func ToFloat64(q Q1) float64 {
	return float64(q) / 2147483648.0
}
