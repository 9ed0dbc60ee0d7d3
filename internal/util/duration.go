// Package util provides shared helpers for herd.
package util

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// Weeks and days lead; whatever follows is a Go duration.
var longUnits = regexp.MustCompile(`^(?:(\d+)w)?(?:(\d+)d)?(.*)$`)

// ParseDuration accepts Go durations ("90s", "1h30m") optionally prefixed by
// weeks and days ("1w", "2d", "1d12h"). Negative values are rejected.
func ParseDuration(s string) (time.Duration, error) {
	m := longUnits.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	var total time.Duration
	for i, unit := range []time.Duration{week, day} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %q", s)
		}
		total += time.Duration(n) * unit
	}
	if rest := m[3]; rest != "" {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %q", s)
		}
		if d < 0 {
			return 0, fmt.Errorf("invalid duration: %q is negative", s)
		}
		total += d
	}
	return total, nil
}

// Duration is a time.Duration that decodes from the human format in TOML
// and YAML documents.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// FormatAge renders an elapsed duration compactly: "12s", "4m", "3h", "2d".
func FormatAge(d time.Duration) string {
	steps := []struct {
		below time.Duration
		unit  time.Duration
		sfx   string
	}{
		{time.Minute, time.Second, "s"},
		{time.Hour, time.Minute, "m"},
		{day, time.Hour, "h"},
	}
	d = max(d, 0)
	for _, st := range steps {
		if d < st.below {
			return strconv.Itoa(int(d/st.unit)) + st.sfx
		}
	}
	return strconv.Itoa(int(d/day)) + "d"
}
