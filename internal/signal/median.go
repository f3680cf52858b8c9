package signal

import (
	"slices"
)

// median of values, averaging the two middle values for even lengths. It doesn't change values.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// MedianFilter returns the running median of x over a centered window.
//
// Even windows are enlarged by one, and windows larger than the signal are reduced to the largest odd
// size that fits. Edges are extended by replicating the first and last values.
func MedianFilter(x []float64, window int) []float64 {
	n := len(x)
	if n == 0 {
		return nil
	}
	if window%2 == 0 {
		window++
	}
	if window > n {
		window = n
		if window%2 == 0 {
			window--
		}
	}
	half := window / 2
	out := make([]float64, n)
	buf := make([]float64, window)
	for ii := range n {
		for jj := range window {
			idx := min(max(ii-half+jj, 0), n-1)
			buf[jj] = x[idx]
		}
		slices.Sort(buf)
		out[ii] = buf[half]
	}
	return out
}
