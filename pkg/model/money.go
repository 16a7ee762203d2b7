package model

import (
	"math"
)

// Tax computes the tax on a subtotal in minor units, rounded to the
// nearest unit.
func Tax(subtotal int64, rate float64) int64 {
	return int64(math.Round(float64(subtotal) * rate))
}
