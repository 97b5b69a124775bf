package budget

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// Source queries the current plan usage and returns the raw CLI output.
type Source interface {
	Query(ctx context.Context) (string, error)
}

// Snapshot is one observation of plan usage.
type Snapshot struct {
	UsagePercent float64    `json:"usage_percent"`
	ResetTime    *time.Time `json:"reset_time,omitempty"`
	IsPaused     bool       `json:"is_paused"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// Percentage patterns tried in order; the first match wins. A bare
// percentage is the last resort so "45% used" never matches a stray
// number elsewhere in the output.
var usagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*%\s*(?:used|of)`),
	regexp.MustCompile(`(?i)Usage[:\s]+(\d+(?:\.\d+)?)\s*%`),
	regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*100`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*percent`),
}

var usageFallbackPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

var (
	resetHoursPattern   = regexp.MustCompile(`(?i)resets?\s+(?:in\s+)?(\d+)\s*(?:hours?|hrs?)`)
	resetMinutesPattern = regexp.MustCompile(`(?i)resets?\s+(?:in\s+)?(\d+)\s*(?:minutes?|mins?)`)
	resetDatePattern    = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
)

// Checker turns usage CLI output into snapshots and caches them to avoid
// hammering the CLI. Unparseable or unavailable usage fails safe to
// 100% / paused so a broken usage command can never bypass the budget.
type Checker struct {
	source   Source
	cacheTTL time.Duration
	logger   *logger.Logger

	mu        sync.Mutex
	cache     *Snapshot
	cacheTime time.Time

	now func() time.Time
}

// NewChecker creates a usage checker over the given source.
func NewChecker(source Source, cacheTTL time.Duration, log *logger.Logger) *Checker {
	if log == nil {
		log = logger.Default()
	}
	return &Checker{
		source:   source,
		cacheTTL: cacheTTL,
		logger:   log,
		now:      time.Now,
	}
}

// GetUsage returns the current usage snapshot, from cache when fresh.
// forceRefresh bypasses the cache. A source failure returns the last
// cached snapshot when one exists, otherwise the paused fail-safe.
func (c *Checker) GetUsage(ctx context.Context, forceRefresh bool) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && c.cacheValid() {
		return c.cache, nil
	}

	output, err := c.source.Query(ctx)
	if err != nil {
		c.logger.Error("Usage check failed", zap.Error(err))
		if c.cache != nil {
			return c.cache, nil
		}
		return c.failSafe(), nil
	}

	snapshot := c.parse(output)
	c.cache = snapshot
	c.cacheTime = c.now()
	return snapshot, nil
}

// InvalidateCache drops the cached snapshot so the next GetUsage refetches.
func (c *Checker) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
	c.cacheTime = time.Time{}
}

func (c *Checker) cacheValid() bool {
	if c.cache == nil {
		return false
	}
	return c.now().Sub(c.cacheTime) < c.cacheTTL
}

// failSafe is the snapshot assumed when usage cannot be determined.
func (c *Checker) failSafe() *Snapshot {
	return &Snapshot{
		UsagePercent: 100.0,
		IsPaused:     true,
		CheckedAt:    c.now(),
	}
}

// parse extracts usage percent and reset time from CLI output.
func (c *Checker) parse(output string) *Snapshot {
	percent, ok := c.parseUsage(output)
	if !ok {
		c.logger.Warn("Could not parse usage output", zap.String("output", truncate(output, 100)))
		return c.failSafe()
	}
	return &Snapshot{
		UsagePercent: percent,
		ResetTime:    c.parseResetTime(output),
		IsPaused:     percent >= 100.0,
		CheckedAt:    c.now(),
	}
}

func (c *Checker) parseUsage(output string) (float64, bool) {
	if output == "" {
		return 0, false
	}
	for _, pattern := range usagePatterns {
		if m := pattern.FindStringSubmatch(output); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v, true
			}
		}
	}
	if m := usageFallbackPattern.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func (c *Checker) parseResetTime(output string) *time.Time {
	if output == "" {
		return nil
	}
	now := c.now()

	if m := resetHoursPattern.FindStringSubmatch(output); m != nil {
		hours, err := strconv.Atoi(m[1])
		if err == nil {
			// Hour-based resets land on the hour.
			onHour := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
			t := onHour.Add(time.Duration(hours) * time.Hour)
			return &t
		}
	}
	if m := resetMinutesPattern.FindStringSubmatch(output); m != nil {
		minutes, err := strconv.Atoi(m[1])
		if err == nil {
			t := now.Add(time.Duration(minutes) * time.Minute)
			return &t
		}
	}
	if m := resetDatePattern.FindStringSubmatch(output); m != nil {
		if t, err := time.ParseInLocation("2006-01-02", m[1], now.Location()); err == nil {
			return &t
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
