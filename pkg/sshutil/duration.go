package sshutil

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var durationPattern = regexp.MustCompile(`^([0-9]+[smhd])+$`)
var durationGroup = regexp.MustCompile(`([0-9]+)([smhd])`)

var durationUnits = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
}

// ParseDuration parses certificate lifetimes such as "8h", "90d" or "1d12h".
// Units are s, m, h and d; fractions and signs are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if !durationPattern.MatchString(s) {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	for _, m := range durationGroup.FindAllStringSubmatch(s, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		unit := durationUnits[m[2]]
		if n > int64((1<<63-1)/unit) {
			return 0, fmt.Errorf("duration %q overflows", s)
		}
		step := time.Duration(n) * unit
		if total > (1<<63-1)-step {
			return 0, fmt.Errorf("duration %q overflows", s)
		}
		total += step
	}
	return total, nil
}

// FormatDuration renders d with the largest unit that divides it exactly,
// e.g. 8h, 90m, 2d. Sub-second remainders are truncated.
func FormatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	for _, u := range []struct {
		suffix string
		unit   time.Duration
	}{
		{"d", 24 * time.Hour},
		{"h", time.Hour},
		{"m", time.Minute},
	} {
		if d >= u.unit && d%u.unit == 0 {
			return fmt.Sprintf("%d%s", d/u.unit, u.suffix)
		}
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
