package processors

// Mix writes the sum of a and b into dst, clamped to [-1, 1], and returns
// the number of samples written: the length of the shortest slice. dst may
// alias a or b.
func Mix(dst, a, b []float32) int {
	n := min(len(dst), len(a), len(b))
	for i := range n {
		dst[i] = Clamp(a[i] + b[i])
	}
	return n
}

// Clamp limits s to [-1, 1].
func Clamp(s float32) float32 {
	switch {
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
