package scheduler

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/harvest/tier"
)

// ErrExhausted means every tier up to Stealth failed for a request.
var ErrExhausted = errors.New("scheduler: all tiers exhausted")

// ErrCaptchaSkipped means a profile's captcha policy said to give up.
var ErrCaptchaSkipped = errors.New("scheduler: captcha, skipped by policy")

// FetchError describes a request that ended Fatal.
type FetchError struct {
	URL    string
	Tier   tier.Tier
	Last   tier.Result
	Reason error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("scheduler: %s at %s: %s: %v", e.URL, e.Tier, e.Last, e.Reason)
}

func (e *FetchError) Unwrap() error { return e.Reason }
