// Package ecg holds the ECG beat dataset: loading from the PTB-DB CSV files, class balancing,
// stratified splitting, batching and (parallel) preprocessing.
package ecg

import (
	"encoding/csv"
	"fmt"
	"github.com/pkg/errors"
	"io"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
)

const (
	// LabelNormal is the label of healthy heartbeats.
	LabelNormal = 0

	// LabelAbnormal is the label of heartbeats with a myocardial infarction (or other abnormality).
	LabelAbnormal = 1

	// NumClasses of the classification problem.
	NumClasses = 2
)

// ClassNames indexed by label.
var ClassNames = [NumClasses]string{"normal", "abnormal"}

// Sample is one heartbeat segment and its label.
type Sample struct {
	Signal []float32
	Label  int
}

// Dataset is a collection of samples that all have the same signal length.
type Dataset struct {
	Samples []Sample
}

// Len returns the number of samples.
func (ds *Dataset) Len() int { return len(ds.Samples) }

// SignalLength returns the length of the signals, or 0 if the dataset is empty.
func (ds *Dataset) SignalLength() int {
	if len(ds.Samples) == 0 {
		return 0
	}
	return len(ds.Samples[0].Signal)
}

// String implements fmt.Stringer.
func (ds *Dataset) String() string {
	counts := ds.ClassCounts()
	return fmt.Sprintf("%d samples (%d %s, %d %s), signal length %d", ds.Len(),
		counts[LabelNormal], ClassNames[LabelNormal], counts[LabelAbnormal], ClassNames[LabelAbnormal],
		ds.SignalLength())
}

// ClassCounts returns the number of samples per label.
func (ds *Dataset) ClassCounts() (counts [NumClasses]int) {
	for _, s := range ds.Samples {
		counts[s.Label]++
	}
	return
}

// Signals returns the signals of all samples (not copied).
func (ds *Dataset) Signals() [][]float32 {
	signals := make([][]float32, len(ds.Samples))
	for ii, s := range ds.Samples {
		signals[ii] = s.Signal
	}
	return signals
}

// Labels returns the labels of all samples.
func (ds *Dataset) Labels() []int {
	labels := make([]int, len(ds.Samples))
	for ii, s := range ds.Samples {
		labels[ii] = s.Label
	}
	return labels
}

// Append the samples of other datasets, checking that signal lengths match.
func (ds *Dataset) Append(others ...*Dataset) error {
	for _, other := range others {
		if ds.Len() > 0 && other.Len() > 0 && ds.SignalLength() != other.SignalLength() {
			return errors.Errorf("cannot join datasets with signal lengths %d and %d",
				ds.SignalLength(), other.SignalLength())
		}
		ds.Samples = append(ds.Samples, other.Samples...)
	}
	return nil
}

// LoadCSV reads a headerless CSV file where each row is a signal followed by its label in the last column.
//
// If label >= 0, it is used for every row instead of the label in the file.
func LoadCSV(path string, label int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open ECG file %q", path)
	}
	defer func() { _ = f.Close() }()
	ds, err := ReadCSV(f, label)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", path)
	}
	return ds, nil
}

// ReadCSV is like LoadCSV, but reads from r.
func ReadCSV(r io.Reader, label int) (*Dataset, error) {
	if label >= NumClasses {
		return nil, errors.Errorf("invalid label %d for all rows, it must be %d or %d (or negative to use the file's)",
			label, LabelNormal, LabelAbnormal)
	}
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	reader.FieldsPerRecord = -1 // We check it ourselves, to give a better error message.
	ds := &Dataset{}
	signalLength := -1
	for lineNum := 1; ; lineNum++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		if len(record) < 2 {
			return nil, errors.Errorf("line %d: expected at least 2 columns (signal and label), got %d", lineNum, len(record))
		}
		if signalLength == -1 {
			signalLength = len(record) - 1
		} else if len(record)-1 != signalLength {
			return nil, errors.Errorf("line %d: signal has length %d, but previous ones had length %d",
				lineNum, len(record)-1, signalLength)
		}
		sample := Sample{Signal: make([]float32, signalLength)}
		for col, field := range record[:signalLength] {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 32)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d, column %d", lineNum, col+1)
			}
			sample.Signal[col] = float32(v)
		}
		fileLabel, err := strconv.ParseFloat(strings.TrimSpace(record[signalLength]), 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: parsing label", lineNum)
		}
		if fileLabel != LabelNormal && fileLabel != LabelAbnormal {
			return nil, errors.Errorf("line %d: label %g is not binary", lineNum, fileLabel)
		}
		sample.Label = int(fileLabel)
		if label >= 0 {
			sample.Label = label
		}
		ds.Samples = append(ds.Samples, sample)
	}
	if ds.Len() == 0 {
		return nil, errors.New("no samples found")
	}
	return ds, nil
}

// LoadPTBDB loads the normal and abnormal PTB-DB files, labeling them LabelNormal and LabelAbnormal.
func LoadPTBDB(normalPath, abnormalPath string) (*Dataset, error) {
	normal, err := LoadCSV(normalPath, LabelNormal)
	if err != nil {
		return nil, err
	}
	abnormal, err := LoadCSV(abnormalPath, LabelAbnormal)
	if err != nil {
		return nil, err
	}
	if err = normal.Append(abnormal); err != nil {
		return nil, errors.WithMessagef(err, "joining %q and %q", normalPath, abnormalPath)
	}
	return normal, nil
}

// byLabel returns the indices of the samples of each label.
func (ds *Dataset) byLabel() (indices [NumClasses][]int) {
	for ii, s := range ds.Samples {
		indices[s.Label] = append(indices[s.Label], ii)
	}
	return
}

// Balance returns a new dataset where every minority class is oversampled (randomly, with replacement)
// up to the count of the majority class. Samples share the signals of the original dataset.
func (ds *Dataset) Balance(rng *rand.Rand) *Dataset {
	indices := ds.byLabel()
	majority := 0
	for _, idx := range indices {
		majority = max(majority, len(idx))
	}
	balanced := &Dataset{Samples: make([]Sample, 0, majority*NumClasses)}
	for _, idx := range indices {
		if len(idx) == 0 {
			continue
		}
		for _, ii := range idx {
			balanced.Samples = append(balanced.Samples, ds.Samples[ii])
		}
		for range majority - len(idx) {
			balanced.Samples = append(balanced.Samples, ds.Samples[idx[rng.IntN(len(idx))]])
		}
	}
	balanced.Shuffle(rng)
	return balanced
}

// Shuffle the samples in place.
func (ds *Dataset) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(ds.Samples), func(i, j int) {
		ds.Samples[i], ds.Samples[j] = ds.Samples[j], ds.Samples[i]
	})
}

// Split the dataset into len(fractions)+1 stratified parts: part i (i < len(fractions)) gets
// fractions[i] of the samples of each label, and the last part gets the remainder.
//
// E.g.: test, val, train := ds.Split(rng, 0.2, 0.1)
func (ds *Dataset) Split(rng *rand.Rand, fractions ...float64) ([]*Dataset, error) {
	var total float64
	for _, f := range fractions {
		if f < 0 || f >= 1 {
			return nil, errors.Errorf("invalid split fraction %g, it must be in [0, 1)", f)
		}
		total += f
	}
	if total >= 1 {
		return nil, errors.Errorf("split fractions %v add to %g, nothing would be left for the last split",
			fractions, total)
	}
	parts := make([]*Dataset, len(fractions)+1)
	for ii := range parts {
		parts[ii] = &Dataset{}
	}
	for _, idx := range ds.byLabel() {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		start := 0
		for partIdx, f := range fractions {
			count := int(f*float64(len(idx)) + 0.5)
			count = min(count, len(idx)-start)
			for _, ii := range idx[start : start+count] {
				parts[partIdx].Samples = append(parts[partIdx].Samples, ds.Samples[ii])
			}
			start += count
		}
		last := parts[len(parts)-1]
		for _, ii := range idx[start:] {
			last.Samples = append(last.Samples, ds.Samples[ii])
		}
	}
	for _, part := range parts {
		part.Shuffle(rng)
	}
	return parts, nil
}
