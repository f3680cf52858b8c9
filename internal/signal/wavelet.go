package signal

import (
	"github.com/pkg/errors"
	"math"
)

// Wavelet holds the scaling (low-pass reconstruction) filter of an orthogonal wavelet.
// The wavelet (high-pass) filter is derived from it by the quadrature mirror relation.
type Wavelet struct {
	Name    string
	Scaling []float64
}

// Daubechies4 is the "db4" wavelet: 8 taps, 4 vanishing moments.
var Daubechies4 = Wavelet{
	Name: "db4",
	Scaling: []float64{
		0.23037781330885523, 0.7148465705525415, 0.6308807679295904, -0.02798376941698385,
		-0.18703481171888114, 0.030841381835986965, 0.032883011666982945, -0.010597401784997278,
	},
}

// Daubechies2 is the "db2" wavelet: 4 taps, 2 vanishing moments.
var Daubechies2 = Wavelet{
	Name: "db2",
	Scaling: []float64{
		0.48296291314469025, 0.836516303737469, 0.22414386804185735, -0.12940952255092145,
	},
}

// Haar is the "haar" (or "db1") wavelet.
var Haar = Wavelet{
	Name:    "haar",
	Scaling: []float64{math.Sqrt2 / 2, math.Sqrt2 / 2},
}

// Wavelets available by name.
var Wavelets = []Wavelet{Haar, Daubechies2, Daubechies4}

// WaveletByName returns one of the Wavelets.
func WaveletByName(name string) (Wavelet, error) {
	for _, w := range Wavelets {
		if w.Name == name {
			return w, nil
		}
	}
	names := make([]string, len(Wavelets))
	for ii, w := range Wavelets {
		names[ii] = w.Name
	}
	return Wavelet{}, errors.Errorf("unknown wavelet %q, valid values are %q", name, names)
}

// Len returns the filter length.
func (w Wavelet) Len() int { return len(w.Scaling) }

// highPass returns g[j] = (-1)^j h[L-1-j].
func (w Wavelet) highPass() []float64 {
	l := len(w.Scaling)
	g := make([]float64, l)
	for j := range l {
		g[j] = w.Scaling[l-1-j]
		if j%2 == 1 {
			g[j] = -g[j]
		}
	}
	return g
}

// MaxLevel returns the maximum useful decomposition level for a signal of length n:
// floor(log2(n/(L-1))), 0 if the signal is shorter than the filter.
func (w Wavelet) MaxLevel(n int) int {
	if n < w.Len() {
		return 0
	}
	return int(math.Floor(math.Log2(float64(n) / float64(w.Len()-1))))
}

// evenPadded returns x if it has even length, or a copy with the last value repeated.
func evenPadded(x []float64) []float64 {
	if len(x)%2 == 0 {
		return x
	}
	padded := make([]float64, len(x)+1)
	copy(padded, x)
	padded[len(x)] = x[len(x)-1]
	return padded
}

// DWT performs one level of the periodized discrete wavelet transform.
// Odd length signals are extended by repeating the last value, so both outputs have ceil(len(x)/2) values.
func DWT(x []float64, w Wavelet) (approx, detail []float64) {
	x = evenPadded(x)
	n := len(x)
	h, g := w.Scaling, w.highPass()
	half := n / 2
	approx = make([]float64, half)
	detail = make([]float64, half)
	for k := range half {
		var a, d float64
		for j := range h {
			v := x[(2*k+j)%n]
			a += h[j] * v
			d += g[j] * v
		}
		approx[k] = a
		detail[k] = d
	}
	return
}

// IDWT inverts DWT. The result has 2*len(approx) values: trim it to the original length if it was odd.
func IDWT(approx, detail []float64, w Wavelet) []float64 {
	half := len(approx)
	n := 2 * half
	h, g := w.Scaling, w.highPass()
	x := make([]float64, n)
	for k := range half {
		a, d := approx[k], detail[k]
		for j := range h {
			x[(2*k+j)%n] += h[j]*a + g[j]*d
		}
	}
	return x
}

// Decomposition is the result of a multilevel wavelet decomposition.
type Decomposition struct {
	Wavelet Wavelet

	// Approx holds the coarsest approximation coefficients.
	Approx []float64

	// Details per level, Details[0] is the finest one.
	Details [][]float64

	// lengths of the signal at the input of each level, used to trim the padding on reconstruction.
	lengths []int
}

// Level returns the number of decomposition levels.
func (d *Decomposition) Level() int { return len(d.Details) }

// WaveDec decomposes x with the given number of levels.
func WaveDec(x []float64, w Wavelet, level int) (*Decomposition, error) {
	if len(x) == 0 {
		return nil, errors.New("cannot decompose an empty signal")
	}
	maxLevel := w.MaxLevel(len(x))
	if level < 1 || level > maxLevel {
		return nil, errors.Errorf("invalid decomposition level %d for %s and signal of length %d, valid levels are 1 to %d",
			level, w.Name, len(x), maxLevel)
	}
	dec := &Decomposition{Wavelet: w}
	current := x
	for range level {
		dec.lengths = append(dec.lengths, len(current))
		var detail []float64
		current, detail = DWT(current, w)
		dec.Details = append(dec.Details, detail)
	}
	dec.Approx = current
	return dec, nil
}

// WaveRec reconstructs the signal from its decomposition.
func WaveRec(dec *Decomposition) []float64 {
	current := dec.Approx
	for level := len(dec.Details) - 1; level >= 0; level-- {
		current = IDWT(current, dec.Details[level], dec.Wavelet)
		current = current[:dec.lengths[level]]
	}
	return current
}

// SoftThreshold shrinks every value towards zero by threshold, in place.
func SoftThreshold(values []float64, threshold float64) {
	for ii, v := range values {
		switch {
		case v > threshold:
			values[ii] = v - threshold
		case v < -threshold:
			values[ii] = v + threshold
		default:
			values[ii] = 0
		}
	}
}

// madToSigma converts the median absolute deviation to a Gaussian standard deviation estimate.
const madToSigma = 0.6745

// Denoise applies wavelet shrinkage: the noise level is estimated from the finest detail band, and
// all detail bands are soft-thresholded with the universal threshold sigma*sqrt(2*ln(N)).
func Denoise(x []float64, w Wavelet, level int) ([]float64, error) {
	dec, err := WaveDec(x, w, level)
	if err != nil {
		return nil, err
	}
	finest := dec.Details[0]
	absFinest := make([]float64, len(finest))
	for ii, v := range finest {
		absFinest[ii] = math.Abs(v)
	}
	sigma := median(absFinest) / madToSigma
	if sigma > 0 {
		threshold := sigma * math.Sqrt(2*math.Log(float64(len(x))))
		for _, detail := range dec.Details {
			SoftThreshold(detail, threshold)
		}
	}
	return WaveRec(dec), nil
}
