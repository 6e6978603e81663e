package utils

// SampledSize returns the size of a w×h image decoded at sampleSize,
// rounding up so no source row or column is dropped.
func SampledSize(w, h, sampleSize int) (int, int) {
	if sampleSize <= 1 {
		return w, h
	}
	return (w + sampleSize - 1) / sampleSize, (h + sampleSize - 1) / sampleSize
}

// FitSampleSize returns the smallest power of two that brings w×h within
// maxW×maxH. Pass 0 for either bound to leave that axis unconstrained.
func FitSampleSize(w, h, maxW, maxH int) int {
	sample := 1
	for {
		sw, sh := SampledSize(w, h, sample)
		if (maxW <= 0 || sw <= maxW) && (maxH <= 0 || sh <= maxH) {
			return sample
		}
		if sw <= 1 && sh <= 1 {
			return sample
		}
		sample *= 2
	}
}

// MinPositive returns the smaller of a and b, treating zero or negative
// values as unset.
func MinPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	case a < b:
		return a
	}
	return b
}

// CloneBytes returns a copy of b (safe for use after the source buffer is released).
func CloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
