package domain

import (
	"fmt"
	"strings"
	"time"
)

// FormatDuration renders d as the H:MM:SS form AVTransport expects.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	return fmt.Sprintf("%d:%02d:%02d", h, m, s)
}

// ParseDuration parses the H:MM:SS (or HH:MM:SS) strings devices report for
// TrackDuration and RelTime. Placeholder values such as "NOT_IMPLEMENTED" or
// an empty string parse to zero without error.
func ParseDuration(str string) (time.Duration, error) {
	str = strings.TrimSpace(str)
	if str == "" || str == "NOT_IMPLEMENTED" || str == "0" {
		return 0, nil
	}
	// Some renderers append fractional seconds; drop them.
	if idx := strings.IndexAny(str, "."); idx > 0 {
		str = str[:idx]
	}

	var h, m, s time.Duration
	if _, err := fmt.Sscanf(str, "%d:%02d:%02d", &h, &m, &s); err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", str, err)
	}
	return h*time.Hour + m*time.Minute + s*time.Second, nil
}
