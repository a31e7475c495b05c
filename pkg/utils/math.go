package utils

import "math"

// Clamp01 limits v to [0, 1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// InUnitRange reports whether v lies in [0, 1].
func InUnitRange(v float64) bool {
	return v >= 0 && v <= 1
}
