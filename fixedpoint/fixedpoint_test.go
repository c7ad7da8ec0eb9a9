package fixedpoint

import "testing"

func TestAddSaturates(t *testing.T) {
	got := Add(Max, 1)
	if got != Max {
		t.Fatalf("Add(Max,1) = %d, want Max", got)
	}
	got = Add(Min, -1)
	if got != Min {
		t.Fatalf("Add(Min,-1) = %d, want Min", got)
	}
}

func TestAddBoundaryFromSpec(t *testing.T) {
	// Addition of (1-2^-31, 2^-31) saturates to 1-2^-31.
	oneMinusEps := Max
	eps := Q1(1)
	if got := Add(oneMinusEps, eps); got != Max {
		t.Fatalf("Add(1-eps, eps) = %d, want %d", got, Max)
	}
}

func TestMulNegOneNegOneSaturatesToMax(t *testing.T) {
	// Documented boundary: Mul(-1,-1) saturates to 1-2^-31, not 1.
	got := Mul(Min, Min)
	if got != Max {
		t.Fatalf("Mul(-1,-1) = %d, want Max (%d)", got, Max)
	}
}

func TestMulCommutative(t *testing.T) {
	vals := []Q1{Min, -1000, -1, 0, 1, 1000, Max}
	for _, a := range vals {
		for _, b := range vals {
			if Mul(a, b) != Mul(b, a) {
				t.Fatalf("Mul not commutative for (%d,%d)", a, b)
			}
		}
	}
}

func TestMulIdentity(t *testing.T) {
	half := FromFloat64(0.5)
	got := Mul(half, Max)
	want := FromFloat64(0.5)
	// Max approximates 1.0 from below, so the product should be
	// within a handful of ULPs of half.
	if diff := int64(got) - int64(want); diff > 2 || diff < -2 {
		t.Fatalf("Mul(0.5, ~1) = %d, want close to %d", got, want)
	}
}

func TestDotDimensionMismatch(t *testing.T) {
	u := Vector{1, 2, 3}
	v := Vector{1, 2}
	if _, err := u.Dot(v); err == nil {
		t.Fatal("expected DimensionMismatch error")
	}
}

func TestMatVecZeroVector(t *testing.T) {
	m := Identity(4)
	x := make(Vector, 4)
	y, err := m.MatVec(x)
	if err != nil {
		t.Fatal(err)
	}
	for i, v := range y {
		if v != 0 {
			t.Fatalf("y[%d] = %d, want 0", i, v)
		}
	}
}

func TestMatVecIdentity(t *testing.T) {
	m := Identity(4)
	x := Vector{
		FromFloat64(0.5),
		FromFloat64(-0.25),
		FromFloat64(0.125),
		FromFloat64(-0.0625),
	}
	y, err := m.MatVec(x)
	if err != nil {
		t.Fatal(err)
	}
	for i := range x {
		// Identity built from Max (not exactly 1.0) introduces at
		// most a few ULP of truncation error per row.
		diff := int64(y[i]) - int64(x[i])
		if diff > 2 || diff < -2 {
			t.Fatalf("y[%d]=%d, x[%d]=%d, diff too large", i, y[i], i, x[i])
		}
	}
}

func TestSaturationCounterObservable(t *testing.T) {
	ResetSaturationCount()
	Add(Max, Max)
	if SaturationCount() == 0 {
		t.Fatal("expected saturation counter to increment")
	}
}
