// Package signal implements the per-beat ECG preprocessing: wavelet shrinkage denoising,
// median filter baseline removal, z-score normalization and outlier clipping.
package signal

import (
	"github.com/janpfeifer/ecgGo/internal/generics"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
	"math"
)

// Config of the preprocessing transform.
type Config struct {
	// Wavelet used for denoising.
	Wavelet Wavelet

	// WaveletLevel is the number of decomposition levels. It is capped to the maximum level
	// the signal length supports.
	WaveletLevel int

	// MedianWindow is the size of the running median window used to estimate the baseline.
	MedianWindow int

	// ClipValue bounds the normalized signal to [-ClipValue, +ClipValue].
	ClipValue float64
}

// DefaultConfig returns the configuration used for PTB-DB beats (187 samples at 125Hz).
func DefaultConfig() Config {
	return Config{
		Wavelet:      Daubechies4,
		WaveletLevel: 4,
		MedianWindow: 51,
		ClipValue:    5,
	}
}

// minStdDev below which a signal is considered flat, and is only centered.
const minStdDev = 1e-8

// Process applies, in order: sanitization of non-finite values, wavelet denoising, baseline removal,
// z-score normalization and clipping.
func (c Config) Process(signal []float32) ([]float32, error) {
	if len(signal) == 0 {
		return nil, errors.New("empty signal")
	}
	if len(signal) < c.Wavelet.Len() {
		return nil, errors.Errorf("signal of length %d is shorter than the %s wavelet filter (%d)",
			len(signal), c.Wavelet.Name, c.Wavelet.Len())
	}
	x := generics.ConvertSlice[float64](signal)

	// 1. Sanitize.
	for ii, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			x[ii] = 0
		}
	}

	// 2. Wavelet shrinkage.
	level := min(c.WaveletLevel, c.Wavelet.MaxLevel(len(x)))
	if level >= 1 {
		var err error
		x, err = Denoise(x, c.Wavelet, level)
		if err != nil {
			return nil, errors.WithMessagef(err, "wavelet denoising")
		}
	}

	// 3. Baseline removal.
	if c.MedianWindow > 1 {
		baseline := MedianFilter(x, c.MedianWindow)
		floats.Sub(x, baseline)
	}

	// 4. Z-score.
	mean, std := stat.PopMeanStdDev(x, nil)
	floats.AddConst(-mean, x)
	if std > minStdDev {
		floats.Scale(1/std, x)
	}

	// 5. Clip.
	if c.ClipValue > 0 {
		for ii, v := range x {
			x[ii] = min(max(v, -c.ClipValue), c.ClipValue)
		}
	}
	return generics.ConvertSlice[float32](x), nil
}

// ProcessOrRaw is like Process, but if it fails it logs a warning and returns the raw signal.
func (c Config) ProcessOrRaw(signal []float32) []float32 {
	processed, err := c.Process(signal)
	if err != nil {
		klog.Warningf("Preprocessing failed, using raw signal: %v", err)
		return signal
	}
	return processed
}
