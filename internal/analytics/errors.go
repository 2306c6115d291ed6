package analytics

import "errors"

var (
	// ErrThrottled means a load for the tenant ran too recently or is in flight
	ErrThrottled = errors.New("analytics load throttled")

	// ErrLockHeld means another loader owns the cache lock for this hour.
	// Callers serve the data they already have.
	ErrLockHeld = errors.New("analytics cache lock held")

	// ErrNoData means nothing has been loaded for the tenant yet
	ErrNoData = errors.New("no analytics data loaded")
)
