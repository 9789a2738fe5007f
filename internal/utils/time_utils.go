package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
)

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseDuration parses a single-unit duration such as "250ms", "30s", "20M", "48h" or "2d".
// Units are case-insensitive so "20M" reads as twenty minutes.
func ParseDuration(timeString string) (time.Duration, error) {
	s := strings.ToLower(strings.TrimSpace(timeString))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	for _, u := range durationUnits {
		number, found := strings.CutSuffix(s, u.suffix)
		if !found {
			continue
		}
		n, err := strconv.Atoi(number)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", timeString, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", timeString)
		}
		return time.Duration(n) * u.unit, nil
	}
	return 0, fmt.Errorf("invalid time format: %s", timeString)
}

// ParseStringTime is ParseDuration for call sites that fall back to zero.
func ParseStringTime(timeString string) time.Duration {
	d, err := ParseDuration(timeString)
	if err != nil {
		logger.ErrorF("Error parsing time string: %s", err.Error())
		return 0
	}
	return d
}

// FormatDuration renders d in the largest unit ParseDuration reads back exactly.
func FormatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "0s"
	case d%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(d/(24*time.Hour)), 10) + "d"
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	default:
		return strconv.FormatInt(int64(d/time.Millisecond), 10) + "ms"
	}
}
