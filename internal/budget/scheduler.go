// Package budget provides admission control for agent executions based on
// plan usage and time of day. The Checker turns the usage CLI's output into
// a Snapshot; the Scheduler decides whether a given usage level should pause
// executions under the threshold active at that hour.
package budget

import (
	"fmt"
	"time"

	"github.com/relaydev/relay/internal/common/config"
)

// Scheduler selects pause thresholds by time of day. Nighttime gets a more
// permissive threshold since interactive demand on the plan is lower.
// The night window may wrap midnight.
type Scheduler struct {
	dayThreshold   float64
	nightThreshold float64
	nightStartHour int
	nightEndHour   int
}

// NewScheduler creates a scheduler from budget configuration.
func NewScheduler(cfg config.BudgetConfig) *Scheduler {
	return &Scheduler{
		dayThreshold:   cfg.DayThreshold,
		nightThreshold: cfg.NightThreshold,
		nightStartHour: cfg.NightStartHour,
		nightEndHour:   cfg.NightEndHour,
	}
}

// IsNighttime reports whether t falls inside the night window.
// The window is [start, end) in local hours and may wrap midnight.
func (s *Scheduler) IsNighttime(t time.Time) bool {
	h := t.Hour()
	if s.nightStartHour == s.nightEndHour {
		// Degenerate window, never night.
		return false
	}
	if s.nightStartHour < s.nightEndHour {
		return h >= s.nightStartHour && h < s.nightEndHour
	}
	return h >= s.nightStartHour || h < s.nightEndHour
}

// CurrentThreshold returns the pause threshold in effect at t.
func (s *Scheduler) CurrentThreshold(t time.Time) float64 {
	if s.IsNighttime(t) {
		return s.nightThreshold
	}
	return s.dayThreshold
}

// ShouldPause reports whether executions must pause at usage percent u and
// time t, with a human-readable reason when pausing. Usage exactly at the
// threshold pauses.
func (s *Scheduler) ShouldPause(usagePercent float64, t time.Time) (bool, string) {
	threshold := s.CurrentThreshold(t)
	if usagePercent < threshold {
		return false, ""
	}
	period := "day"
	if s.IsNighttime(t) {
		period = "night"
	}
	return true, fmt.Sprintf("Usage %.1f%% exceeds %s threshold of %g%%", usagePercent, period, threshold)
}

// MinutesUntilChange returns how many minutes remain until the threshold
// next changes (the next night-window boundary).
func (s *Scheduler) MinutesUntilChange(t time.Time) int {
	if s.nightStartHour == s.nightEndHour {
		return 0
	}

	boundary := s.nightStartHour
	if s.IsNighttime(t) {
		boundary = s.nightEndHour
	}

	next := time.Date(t.Year(), t.Month(), t.Day(), boundary, 0, 0, 0, t.Location())
	if !next.After(t) {
		next = next.Add(24 * time.Hour)
	}
	return int(next.Sub(t).Minutes())
}

// Info describes the schedule state at a point in time, for status endpoints.
type Info struct {
	IsNighttime        bool    `json:"is_nighttime"`
	CurrentThreshold   float64 `json:"current_threshold"`
	DayThreshold       float64 `json:"day_threshold"`
	NightThreshold     float64 `json:"night_threshold"`
	NightStartHour     int     `json:"night_start_hour"`
	NightEndHour       int     `json:"night_end_hour"`
	MinutesUntilChange int     `json:"minutes_until_change"`
}

// InfoAt returns the schedule state at t.
func (s *Scheduler) InfoAt(t time.Time) Info {
	return Info{
		IsNighttime:        s.IsNighttime(t),
		CurrentThreshold:   s.CurrentThreshold(t),
		DayThreshold:       s.dayThreshold,
		NightThreshold:     s.nightThreshold,
		NightStartHour:     s.nightStartHour,
		NightEndHour:       s.nightEndHour,
		MinutesUntilChange: s.MinutesUntilChange(t),
	}
}
