package utils

import (
	"testing"
	"time"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{"250ms", 250 * time.Millisecond},
		{" 30S ", 30 * time.Second},
		{"abc", 0},
		{"", 0},
	}

	for _, test := range tests {
		result := ParseStringTime(test.timeString)
		if result != test.expected {
			t.Errorf("ParseStringTime(%s): expected %v, got %v", test.timeString, test.expected, result)
		}
	}
}

func TestParseDurationErrors(t *testing.T) {
	for _, in := range []string{"", "ten seconds", "-5s", "1.5h", "5w"} {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q): expected error", in)
		}
	}
}

func TestFormatDurationRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{0, 100 * time.Millisecond, 30 * time.Second, 10 * time.Minute, 3 * time.Hour, 48 * time.Hour} {
		got, err := ParseDuration(FormatDuration(d))
		if err != nil {
			t.Fatalf("FormatDuration(%v) not parseable: %v", d, err)
		}
		if got != d {
			t.Errorf("round trip %v: got %v", d, got)
		}
	}
}
