package codec

// DownsampleIndices returns the nearest-index picks that reduce a stream of
// length n down to target samples, by stepping (n-1)/(target-1) through the
// source indices and rounding to the nearest integer index. It is
// idempotent when n <= target (it returns all n indices unchanged).
func DownsampleIndices(n, target int) []int {
	if target <= 0 || n <= 0 {
		return nil
	}
	if n <= target {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	if target == 1 {
		return []int{0}
	}

	step := float64(n-1) / float64(target-1)
	out := make([]int, target)
	for i := 0; i < target; i++ {
		idx := int(float64(i)*step + 0.5)
		if idx >= n {
			idx = n - 1
		}
		out[i] = idx
	}
	return out
}

// DownsampleQuaternionStream reduces a flat (w,x,y,z)-per-sample stream of
// n samples to at most target samples via nearest-index picking.
func DownsampleQuaternionStream(xs []float64, target int) []float64 {
	n := len(xs) / componentsPerSample
	picks := DownsampleIndices(n, target)
	out := make([]float64, 0, len(picks)*componentsPerSample)
	for _, idx := range picks {
		out = append(out, xs[idx*componentsPerSample:idx*componentsPerSample+componentsPerSample]...)
	}
	return out
}
