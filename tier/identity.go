package tier

import (
	"context"
	"sync"
)

// Identity is one browsing persona: user agent, optional proxy, extra headers.
type Identity struct {
	ID        string            `yaml:"id" json:"id"`
	UserAgent string            `yaml:"user_agent" json:"user_agent,omitempty"`
	Proxy     string            `yaml:"proxy" json:"proxy,omitempty"`
	Headers   map[string]string `yaml:"headers" json:"headers,omitempty"`
}

// IdentityRotator hands out identities per domain and learns which ones got
// burned. Provisioning identities is outside this package.
type IdentityRotator interface {
	Next(ctx context.Context, domain string) (Identity, error)
	Report(id Identity, ok bool)
}

// StaticRotator round-robins over a fixed identity list. Identities reported
// as failed are benched until every identity has failed, then the bench is
// cleared. With sticky set, a domain keeps its identity until it fails.
type StaticRotator struct {
	mu     sync.Mutex
	ids    []Identity
	next   int
	burned map[string]bool
	sticky bool
	byHost map[string]Identity
}

// NewStaticRotator creates a rotator over ids.
func NewStaticRotator(ids []Identity, sticky bool) *StaticRotator {
	return &StaticRotator{
		ids:    append([]Identity(nil), ids...),
		burned: make(map[string]bool),
		sticky: sticky,
		byHost: make(map[string]Identity),
	}
}

// Next returns the next usable identity.
func (r *StaticRotator) Next(_ context.Context, domain string) (Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return Identity{}, ErrNoIdentity
	}
	if r.sticky {
		if id, ok := r.byHost[domain]; ok && !r.burned[id.ID] {
			return id, nil
		}
	}
	if len(r.burned) >= len(r.ids) {
		clear(r.burned)
	}
	for range r.ids {
		id := r.ids[r.next%len(r.ids)]
		r.next++
		if !r.burned[id.ID] {
			if r.sticky {
				r.byHost[domain] = id
			}
			return id, nil
		}
	}
	return Identity{}, ErrNoIdentity
}

// Report benches id after a failure and clears it after a success.
func (r *StaticRotator) Report(id Identity, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		delete(r.burned, id.ID)
		return
	}
	r.burned[id.ID] = true
	for host, cur := range r.byHost {
		if cur.ID == id.ID {
			delete(r.byHost, host)
		}
	}
}
