package bootstrap

import (
	"math"
	"os"
)

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}

func floatBitsFor(f float64) uint64 { return math.Float64bits(f) }

func floatFromBits(u uint64) float64 { return math.Float64frombits(u) }
