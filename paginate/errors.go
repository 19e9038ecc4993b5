package paginate

import "errors"

// ErrCancelled marks a session that ended because its context was cancelled.
// It is carried on the Done event, never treated as a failure.
var ErrCancelled = errors.New("paginate: session cancelled")

// ErrNoFetcher is reported when Run is called without a PageFetcher.
var ErrNoFetcher = errors.New("paginate: no page fetcher")
