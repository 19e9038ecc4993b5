package tier

import "errors"

// ErrRenderTimeout is returned by a Renderer when the page or its readiness
// condition did not settle in time.
var ErrRenderTimeout = errors.New("tier: render timeout")

// ErrUnavailable is reported when no strategy or renderer serves a tier.
var ErrUnavailable = errors.New("tier: tier unavailable")

// ErrNoIdentity is returned by a rotator with nothing to hand out.
var ErrNoIdentity = errors.New("tier: no identity available")
