package spinning

import (
	"context"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestSpinning(t *testing.T) {
	Theme = ThemeAscii
	defer func() { Theme = ThemeClock }()
	s := New(context.Background(), "working")
	time.Sleep(10 * time.Millisecond)
	require.NotPanics(t, s.Done)
	require.NotPanics(t, s.Done) // Second call is a no-op.

	// Cancelling the context stops the spinning too.
	ctx, cancel := context.WithCancel(context.Background())
	s = New(ctx, "cancelled")
	cancel()
	s.wg.Wait()
	s.Done()
}
