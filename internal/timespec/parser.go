// Package timespec parses the time arguments busd commands accept.
package timespec

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the day format used for conflict history and metrics keys.
const DateLayout = "2006-01-02"

// ParseDate resolves a day specification to a DateLayout string in UTC.
// Supported forms:
//   - "" or "today"
//   - "yesterday"
//   - a literal date: "2026-10-15"
//   - a Go duration looking back from now: "48h" is the day two days ago
func ParseDate(spec string, now time.Time) (string, error) {
	now = now.UTC()
	switch strings.ToLower(strings.TrimSpace(spec)) {
	case "", "today":
		return now.Format(DateLayout), nil
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(DateLayout), nil
	}

	if t, err := time.Parse(DateLayout, spec); err == nil {
		return t.Format(DateLayout), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return "", fmt.Errorf("negative duration: %s", spec)
		}
		return now.Add(-d).Format(DateLayout), nil
	}

	return "", fmt.Errorf("invalid date specification: %s (use today, yesterday, 2006-01-02 or a duration like 48h)", spec)
}

// Parse resolves a point in time. Supports:
//   - Go duration format: "1h", "30m", "1h30m" (that long before now)
//   - RFC3339 timestamps: "2025-10-29T13:00:00Z"
func Parse(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UTC(), nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return now.UTC().Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}
