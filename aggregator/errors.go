package aggregator

import "meshfabric.dev/core/ferrors"

func dimensionMismatchf(op string, want, got int) error {
	return ferrors.Newf(ferrors.DimensionMismatch, "%s: want %d, got %d", op, want, got)
}
