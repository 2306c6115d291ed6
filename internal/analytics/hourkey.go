package analytics

import (
	"fmt"
	"time"
)

const (
	// MaxAnalyticsHours is the retention horizon for hourly buckets (28 days)
	MaxAnalyticsHours = 672

	// AnalyticsCacheTTL bounds how long a loaded tenant stays fresh
	AnalyticsCacheTTL = 5 * time.Minute

	// LoadingThrottle is the minimum gap between two load attempts per tenant
	LoadingThrottle = 60 * time.Second

	// ComputationThrottle is the minimum gap between two metric computations
	// while a load is in flight
	ComputationThrottle = 5 * time.Second
)

const hourKeyLayout = "2006-01-02-15"

// FormatHourKey renders the UTC hour containing t as YYYY-MM-DD-HH
func FormatHourKey(t time.Time) string {
	return t.UTC().Format(hourKeyLayout)
}

// ParseHourKey returns the UTC start of the hour named by key
func ParseHourKey(key string) (time.Time, error) {
	t, err := time.ParseInLocation(hourKeyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing hour key %q: %w", key, err)
	}
	return t, nil
}

// HourKeysForTimeRange returns n keys in descending order, starting at the
// hour containing now
func HourKeysForTimeRange(now time.Time, n int) []string {
	if n <= 0 {
		return nil
	}
	start := now.UTC().Truncate(time.Hour)
	keys := make([]string, n)
	for i := range keys {
		keys[i] = FormatHourKey(start.Add(-time.Duration(i) * time.Hour))
	}
	return keys
}

// HoursBetween returns the whole hours from start to end, never negative.
// Unparseable keys count as zero.
func HoursBetween(start, end string) int {
	s, err := ParseHourKey(start)
	if err != nil {
		return 0
	}
	e, err := ParseHourKey(end)
	if err != nil {
		return 0
	}
	if h := int(e.Sub(s) / time.Hour); h > 0 {
		return h
	}
	return 0
}

// hourKeysBetween returns the keys from startAgo down to endAgo hours
// before now, newest first. Arguments may be given in either order.
func hourKeysBetween(now time.Time, startAgo, endAgo int) []string {
	if startAgo < endAgo {
		startAgo, endAgo = endAgo, startAgo
	}
	if endAgo < 0 {
		endAgo = 0
	}
	keys := HourKeysForTimeRange(now, startAgo+1)
	if endAgo >= len(keys) {
		return nil
	}
	return keys[endAgo:]
}

// chunkKeys splits descending keys into consecutive runs of at most size
func chunkKeys(keys []string, size int) [][]string {
	if size <= 0 {
		size = len(keys)
	}
	var out [][]string
	for len(keys) > 0 {
		n := min(size, len(keys))
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	return out
}

// keyRange returns the half-open time range covered by a descending chunk
func keyRange(chunk []string) (time.Time, time.Time, error) {
	oldest, err := ParseHourKey(chunk[len(chunk)-1])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	newest, err := ParseHourKey(chunk[0])
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return oldest, newest.Add(time.Hour), nil
}
