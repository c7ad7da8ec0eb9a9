package fountain

import (
	"fmt"

	"meshfabric.dev/core/fixedpoint"
)

// CombineRows computes M_w = XOR_{i: w[i]} M_i as a Q1.31 vector of
// width n via componentwise saturating addition, and reports whether
// any component saturated. Per spec this "row-combine-then-dot" order
// is mandatory: computing dot(M_i,x) per row first and then summing
// (dot-then-combine) is forbidden, because saturating addition does
// not distribute over saturating dot.
func CombineRows(m fixedpoint.Matrix, w Indicator) (fixedpoint.Vector, bool, error) {
	if len(w) != m.Rows() {
		return nil, false, fmt.Errorf("fountain: CombineRows: indicator width %d != rows %d", len(w), m.Rows())
	}
	n := m.Cols()
	combined := make(fixedpoint.Vector, n)
	saturated := false
	for i, set := range w {
		if !set {
			continue
		}
		row := m[i]
		for j := 0; j < n; j++ {
			v, sat := fixedpoint.AddChecked(combined[j], row[j])
			combined[j] = v
			if sat {
				saturated = true
			}
		}
	}
	return combined, saturated, nil
}

// EvaluateBlock performs the worker-side computation for one coded
// block: regenerate w_k from (cycle, block_id), combine the selected
// rows of M, and dot the combination with x. Returns the scalar coded
// symbol y_k and the saturation flag to report back in the
// ResultFrame.
func EvaluateBlock(m fixedpoint.Matrix, x fixedpoint.Vector, cycle uint64, blockID uint32) (y fixedpoint.Q1, saturated bool, err error) {
	w := CoefficientVector(DeriveSeed(cycle, blockID), m.Rows())
	combined, sat, err := CombineRows(m, w)
	if err != nil {
		return 0, false, err
	}
	v, err := combined.Dot(x)
	if err != nil {
		return 0, false, err
	}
	return v, sat, nil
}

// BlockCount returns K = ceil(m*(1+rho)), the number of coded blocks
// the primary generates for a cycle with output width m and
// redundancy factor rho.
func BlockCount(m int, rho float64) int {
	k := float64(m) * (1 + rho)
	ik := int(k)
	if float64(ik) < k {
		ik++
	}
	return ik
}
