package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceNames maps config names onto CDP resource types.
var resourceNames = map[string]proto.NetworkResourceType{
	"images":      proto.NetworkResourceTypeImage,
	"image":       proto.NetworkResourceTypeImage,
	"fonts":       proto.NetworkResourceTypeFont,
	"font":        proto.NetworkResourceTypeFont,
	"media":       proto.NetworkResourceTypeMedia,
	"stylesheets": proto.NetworkResourceTypeStylesheet,
	"stylesheet":  proto.NetworkResourceTypeStylesheet,
	"scripts":     proto.NetworkResourceTypeScript,
	"xhr":         proto.NetworkResourceTypeXHR,
	"fetch":       proto.NetworkResourceTypeFetch,
	"websocket":   proto.NetworkResourceTypeWebSocket,
	"manifest":    proto.NetworkResourceTypeManifest,
	"ping":        proto.NetworkResourceTypePing,
}

// resourceFilter is the set of resource types a page refuses to load.
// Documents are never blocked.
type resourceFilter map[proto.NetworkResourceType]struct{}

func newResourceFilter(names []string) resourceFilter {
	f := make(resourceFilter, len(names))
	for _, n := range names {
		if t, ok := resourceNames[strings.ToLower(strings.TrimSpace(n))]; ok {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f resourceFilter) blocks(t proto.NetworkResourceType) bool {
	if t == proto.NetworkResourceTypeDocument {
		return false
	}
	_, ok := f[t]
	return ok
}

// attach hijacks page requests and fails the filtered ones. The returned
// function stops the hijack router.
func (f resourceFilter) attach(page *rod.Page) func() {
	if len(f) == 0 {
		return func() {}
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if f.blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return func() { _ = router.Stop() }
}
