package aggregator

import "meshfabric.dev/core/fixedpoint"

// ControlLaw computes the next input vector from the current input
// and the freshly decoded output (spec §2 step 4: "decodes y = M·x,
// applies the control law, and updates x"). The spec leaves the law
// itself unspecified (§1 scopes only the distribution/replication
// machinery, not a particular plant controller) — this is recorded as
// an Open Question decision in DESIGN.md: the module ships two
// concrete laws and an interface so a real deployment can substitute
// its own.
type ControlLaw interface {
	// Next returns the updated x given the current x and decoded y.
	Next(x, y fixedpoint.Vector) (fixedpoint.Vector, error)
}

// HoldLaw leaves x unchanged; useful for pure monitoring deployments,
// and the law New falls back to when Config.Law is nil. (An
// undecodable cycle holds x without consulting any law: CloseCycle
// simply leaves x as it is.)
type HoldLaw struct{}

func (HoldLaw) Next(x, _ fixedpoint.Vector) (fixedpoint.Vector, error) {
	return append(fixedpoint.Vector(nil), x...), nil
}

// ProportionalLaw implements x' = x - gain*y in saturating Q1.31
// arithmetic, requiring len(x) == len(y) (a square system, m == n).
// Gain is itself a Q1.31 scalar so the whole control path stays on
// fixed-point arithmetic with no floats on the hot path, matching
// spec §4.1's determinism requirement.
type ProportionalLaw struct {
	Gain fixedpoint.Q1
}

func (p ProportionalLaw) Next(x, y fixedpoint.Vector) (fixedpoint.Vector, error) {
	if len(x) != len(y) {
		return nil, dimensionMismatchf("ProportionalLaw.Next", len(x), len(y))
	}
	out := make(fixedpoint.Vector, len(x))
	for i := range x {
		out[i] = fixedpoint.Sub(x[i], fixedpoint.Mul(p.Gain, y[i]))
	}
	return out, nil
}
