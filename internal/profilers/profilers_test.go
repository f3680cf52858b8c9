package profilers

import (
	"context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"runtime/pprof"
	"strings"
	"testing"
)

func TestStageProfilePath(t *testing.T) {
	assert.Equal(t, "mem.train_model_0.prof", StageProfilePath("mem.prof", "train/model_0"))
	assert.Equal(t, filepath.Join("out", "heap.evaluate"), StageProfilePath(filepath.Join("out", "heap"), "evaluate"))
}

func TestStage(t *testing.T) {
	memProfile := filepath.Join(t.TempDir(), "mem.prof")
	*flagMemProfile = memProfile
	defer func() { *flagMemProfile = "" }()

	var label string
	err := Stage(context.Background(), "preprocess", func(ctx context.Context) error {
		label, _ = pprof.Label(ctx, LabelStage)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "preprocess", label)
	assert.FileExists(t, filepath.Join(filepath.Dir(memProfile), "mem.preprocess.prof"))

	*flagMemProfile = ""
	wantErr := errors.New("diverged")
	err = Stage(context.Background(), "train/model_0", func(ctx context.Context) error { return wantErr })
	require.ErrorIs(t, err, wantErr)
	_, statErr := os.Stat(StageProfilePath(memProfile, "train/model_0"))
	assert.True(t, os.IsNotExist(statErr))

	got := Timings()
	require.GreaterOrEqual(t, len(got), 2)
	last := got[len(got)-1]
	assert.Equal(t, "train/model_0", last.Name)
	assert.ErrorIs(t, last.Err, wantErr)

	var sb strings.Builder
	PrintTimings(&sb)
	assert.Contains(t, sb.String(), "preprocess")
	assert.Contains(t, sb.String(), "failed: diverged")
}
