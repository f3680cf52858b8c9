// Package report renders the training and evaluation results: styled tables for the terminal
// (classification report, confusion matrix, ensemble members, training curves as sparklines)
// and JSON plot files for an external plotting service.
package report

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/ecgGo/internal/ecg"
	"github.com/janpfeifer/ecgGo/internal/ensemble"
	"github.com/janpfeifer/ecgGo/internal/generics"
	"github.com/janpfeifer/ecgGo/internal/metrics"
	"github.com/janpfeifer/ecgGo/internal/trainer"
	"golang.org/x/term"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
)

// DefaultWidth used when the output is not a terminal.
const DefaultWidth = 80

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	headerStyle = lipgloss.NewStyle().Bold(true)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the number of runes left.
func displayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// TerminalWidth returns the width of w if it is a terminal, or DefaultWidth otherwise.
func TerminalWidth(w io.Writer) int {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return DefaultWidth
}

// Centered indents every line of block so that the block is centered in width.
func Centered(block string, width int) string {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := strings.Repeat(" ", max((width-blockWidth)/2, 0))
	for ii, line := range lines {
		if len(line) > 0 {
			lines[ii] = indent + line
		}
	}
	return strings.Join(lines, "\n")
}

// ClassificationReport renders the report as a table in a box.
func ClassificationReport(title string, r *metrics.Report) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n\n")
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-12s %9s %9s %9s %8s", "", "precision", "recall", "f1-score", "support")))
	sb.WriteString("\n")
	for ii, m := range r.Rows() {
		if ii == ecg.NumClasses {
			sb.WriteString(fmt.Sprintf("\n%-12s %9s %9s %9.4f %8d\n", "accuracy", "", "", r.Accuracy, r.Total))
		}
		sb.WriteString(fmt.Sprintf("%-12s %9.4f %9.4f %9.4f %8d", m.Name, m.Precision, m.Recall, m.F1, m.Support))
		if ii < len(r.Classes)+1 {
			sb.WriteString("\n")
		}
	}
	return boxStyle.Render(sb.String())
}

// ConfusionMatrix renders the matrix with true labels as rows and predictions as columns.
// Correct predictions are highlighted.
func ConfusionMatrix(cm metrics.ConfusionMatrix) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-16s", "true \\ predicted")))
	for _, name := range ecg.ClassNames {
		sb.WriteString(headerStyle.Render(fmt.Sprintf(" %10s", name)))
	}
	for trueLabel, row := range cm {
		sb.WriteString("\n")
		sb.WriteString(headerStyle.Render(fmt.Sprintf("%-16s", ecg.ClassNames[trueLabel])))
		for predicted, count := range row {
			cell := fmt.Sprintf(" %10d", count)
			if predicted == trueLabel {
				cell = goodStyle.Render(cell)
			} else if count > 0 {
				cell = badStyle.Render(cell)
			}
			sb.WriteString(cell)
		}
	}
	return boxStyle.Render(sb.String())
}

// EnsembleMembers renders one line per member with its best epoch, validation accuracy and weight,
// ranked by validation accuracy.
func EnsembleMembers(e *ensemble.Ensemble) string {
	var sb strings.Builder
	sb.WriteString(headerStyle.Render(fmt.Sprintf("%-12s %10s %12s %8s", "member", "best epoch", "val accuracy", "weight")))
	accuracies := e.Accuracies()
	weights := ensemble.Weights(accuracies)
	for _, ii := range generics.SliceOrdering(accuracies, true) {
		m := e.Members[ii]
		sb.WriteString(fmt.Sprintf("\n%-12s %10d %12.4f %8.3f", m.Name, m.BestEpoch, m.BestValAccuracy, weights[ii]))
	}
	return boxStyle.Render(sb.String())
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// resample values to at most width points, averaging the values that fall in the same bin.
func resample(values []float64, width int) []float64 {
	if width <= 0 || len(values) <= width {
		return values
	}
	out := make([]float64, width)
	for ii := range width {
		start := ii * len(values) / width
		end := max((ii+1)*len(values)/width, start+1)
		var sum float64
		for _, v := range values[start:end] {
			sum += v
		}
		out[ii] = sum / float64(end-start)
	}
	return out
}

// Sparkline renders values as a line of unicode blocks, at most width runes long.
func Sparkline(values []float64, width int) string {
	values = resample(values, width)
	if len(values) == 0 {
		return ""
	}
	low, high := slices.Min(values), slices.Max(values)
	runes := make([]rune, len(values))
	for ii, v := range values {
		idx := 0
		if high > low {
			idx = int((v - low) / (high - low) * float64(len(sparkRunes)-1))
		}
		runes[ii] = sparkRunes[idx]
	}
	return string(runes)
}

// TrainingCurves renders the per epoch training history of one model as sparklines, fitting width.
func TrainingCurves(name string, history []trainer.EpochStats, width int) string {
	if len(history) == 0 {
		return dimStyle.Render(fmt.Sprintf("%s: no epochs completed", name))
	}
	curves := []struct {
		name   string
		values func(s trainer.EpochStats) float64
	}{
		{"loss", func(s trainer.EpochStats) float64 { return float64(s.TrainLoss) }},
		{"val_loss", func(s trainer.EpochStats) float64 { return float64(s.ValLoss) }},
		{"accuracy", func(s trainer.EpochStats) float64 { return float64(s.TrainAccuracy) }},
		{"val_accuracy", func(s trainer.EpochStats) float64 { return float64(s.ValAccuracy) }},
		{"lr", func(s trainer.EpochStats) float64 { return s.LearningRate }},
	}
	const labelWidth, statsWidth = 13, 30
	sparkWidth := max(width-labelWidth-statsWidth-4, 10) // 4 for the box border and padding.
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s (%d epochs)", name, len(history))))
	for _, curve := range curves {
		values := make([]float64, len(history))
		for ii, s := range history {
			values[ii] = curve.values(s)
		}
		sb.WriteString(fmt.Sprintf("\n%-*s%s %s", labelWidth, curve.name, Sparkline(values, sparkWidth),
			dimStyle.Render(fmt.Sprintf("min=%.3g max=%.3g last=%.3g", slices.Min(values), slices.Max(values), values[len(values)-1]))))
	}
	return boxStyle.Render(sb.String())
}
