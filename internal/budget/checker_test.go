package budget

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
)

// stubSource returns canned output and counts queries.
type stubSource struct {
	output  string
	err     error
	queries int
}

func (s *stubSource) Query(ctx context.Context) (string, error) {
	s.queries++
	if s.err != nil {
		return "", s.err
	}
	return s.output, nil
}

func newCheckerLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestChecker_ParseUsageAndReset(t *testing.T) {
	src := &stubSource{output: "Usage: 42.5%\nResets in 3 hours"}
	c := NewChecker(src, time.Minute, newCheckerLogger(t))

	now := time.Date(2026, time.March, 10, 14, 37, 12, 0, time.UTC)
	c.now = func() time.Time { return now }

	snap, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 42.5, snap.UsagePercent)
	assert.False(t, snap.IsPaused)

	// Hour-based resets truncate to the hour before adding.
	require.NotNil(t, snap.ResetTime)
	want := time.Date(2026, time.March, 10, 17, 0, 0, 0, time.UTC)
	assert.Equal(t, want, *snap.ResetTime)
}

func TestChecker_PatternPriority(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   float64
	}{
		{"percent used", "You have 45.2% used this period", 45.2},
		{"usage label", "Usage: 81%", 81.0},
		{"fraction of hundred", "current: 33/100", 33.0},
		{"spelled percent", "12 percent consumed", 12.0},
		{"bare percent fallback", "at 7% right now", 7.0},
		{"used beats bare", "99% remaining, 45% used", 45.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := &stubSource{output: tc.output}
			c := NewChecker(src, time.Minute, newCheckerLogger(t))
			snap, err := c.GetUsage(context.Background(), false)
			require.NoError(t, err)
			assert.Equal(t, tc.want, snap.UsagePercent)
		})
	}
}

func TestChecker_MinuteAndDateResets(t *testing.T) {
	now := time.Date(2026, time.March, 10, 14, 37, 0, 0, time.UTC)

	src := &stubSource{output: "Usage: 10%\nresets in 45 minutes"}
	c := NewChecker(src, time.Minute, newCheckerLogger(t))
	c.now = func() time.Time { return now }

	snap, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, snap.ResetTime)
	assert.Equal(t, now.Add(45*time.Minute), *snap.ResetTime)

	src = &stubSource{output: "Usage: 10%\nResets at 2026-03-12"}
	c = NewChecker(src, time.Minute, newCheckerLogger(t))
	c.now = func() time.Time { return now }

	snap, err = c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	require.NotNil(t, snap.ResetTime)
	assert.Equal(t, time.Date(2026, time.March, 12, 0, 0, 0, 0, time.UTC), *snap.ResetTime)
}

func TestChecker_UnparseableFailsSafe(t *testing.T) {
	src := &stubSource{output: "no numbers here"}
	c := NewChecker(src, time.Minute, newCheckerLogger(t))

	snap, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.UsagePercent)
	assert.True(t, snap.IsPaused)
	assert.Nil(t, snap.ResetTime)
}

func TestChecker_EmptyOutputFailsSafe(t *testing.T) {
	src := &stubSource{output: ""}
	c := NewChecker(src, time.Minute, newCheckerLogger(t))

	snap, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 100.0, snap.UsagePercent)
	assert.True(t, snap.IsPaused)
}

func TestChecker_SourceErrorUsesCacheThenFailSafe(t *testing.T) {
	src := &stubSource{err: errors.New("command not found")}
	c := NewChecker(src, time.Minute, newCheckerLogger(t))

	// No cache yet: fail-safe.
	snap, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, snap.IsPaused)
	assert.Equal(t, 100.0, snap.UsagePercent)

	// Seed the cache, then break the source again.
	src.err = nil
	src.output = "Usage: 55%"
	snap, err = c.GetUsage(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 55.0, snap.UsagePercent)

	src.err = errors.New("flaky")
	snap, err = c.GetUsage(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 55.0, snap.UsagePercent)
}

func TestChecker_CacheWindow(t *testing.T) {
	src := &stubSource{output: "Usage: 20%"}
	c := NewChecker(src, time.Minute, newCheckerLogger(t))

	now := time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	first, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)

	// Within the window the exact cached snapshot comes back, no new query.
	second, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, src.queries)

	// Force refresh bypasses the cache.
	src.output = "Usage: 30%"
	third, err := c.GetUsage(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 30.0, third.UsagePercent)
	assert.Equal(t, 2, src.queries)

	// Cache expiry triggers a refetch.
	now = now.Add(2 * time.Minute)
	src.output = "Usage: 40%"
	fourth, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 40.0, fourth.UsagePercent)
	assert.Equal(t, 3, src.queries)
}

func TestChecker_InvalidateCache(t *testing.T) {
	src := &stubSource{output: "Usage: 20%"}
	c := NewChecker(src, time.Hour, newCheckerLogger(t))

	_, err := c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, src.queries)

	c.InvalidateCache()

	_, err = c.GetUsage(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, src.queries)
}

func TestCLISource_EmptyCommand(t *testing.T) {
	src := NewCLISource("", time.Second)
	_, err := src.Query(context.Background())
	assert.Error(t, err)
}
