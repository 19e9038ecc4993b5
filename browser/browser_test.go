package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/harvest/tier"
)

func TestResourceFilter(t *testing.T) {
	f := newResourceFilter([]string{"images", " Fonts ", "xhr", "document", "bogus"})
	cases := map[proto.NetworkResourceType]bool{
		proto.NetworkResourceTypeImage:      true,
		proto.NetworkResourceTypeFont:       true,
		proto.NetworkResourceTypeStylesheet: false,
		proto.NetworkResourceTypeXHR:        true,
		proto.NetworkResourceTypeDocument:   false,
	}
	for typ, want := range cases {
		if got := f.blocks(typ); got != want {
			t.Errorf("blocks(%s): got %v, want %v", typ, got, want)
		}
	}
	if len(newResourceFilter(nil)) != 0 {
		t.Error("empty config should block nothing")
	}
}

func TestSocketPath(t *testing.T) {
	cases := map[string]string{
		":99":  "/tmp/.X11-unix/X99",
		":0.0": "/tmp/.X11-unix/X0",
		"7":    "/tmp/.X11-unix/X7",
		":abc": "",
		":-1":  "",
	}
	for in, want := range cases {
		got, err := socketPath(in)
		if want == "" {
			if err == nil {
				t.Errorf("socketPath(%q) accepted", in)
			}
			continue
		}
		if err != nil || got != want {
			t.Errorf("socketPath(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestWaitFor(t *testing.T) {
	n := 0
	if err := waitFor(context.Background(), time.Millisecond, func() bool { n++; return n == 3 }); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := waitFor(ctx, time.Millisecond, func() bool { return false }); err == nil {
		t.Error("waitFor ignored the deadline")
	}
}

func TestMergeHeaders(t *testing.T) {
	got := mergeHeaders(
		map[string]string{"Accept-Language": "en-US", "X-A": "1"},
		map[string]string{"X-A": "2"},
	)
	want := []string{"Accept-Language", "en-US", "X-A", "2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.defaults()
	if c.MemoryLimit != 1<<30 || c.RecycleInterval != 4*time.Hour || c.XvfbDisplay != ":99" || c.Logger == nil {
		t.Errorf("defaults: %+v", c)
	}
}

func TestRecycleDue(t *testing.T) {
	start := time.Unix(1000, 0)
	if recycleDue(start, start.Add(time.Hour), 4*time.Hour) {
		t.Error("recycled too early")
	}
	if !recycleDue(start, start.Add(5*time.Hour), 4*time.Hour) {
		t.Error("recycle interval ignored")
	}
	if recycleDue(time.Time{}, start, time.Hour) {
		t.Error("never-started browser must not recycle")
	}
}

func TestWrapNav(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if err := wrapNav(ctx, "navigate", errors.New("ctx")); !errors.Is(err, tier.ErrRenderTimeout) {
		t.Errorf("deadline: got %v", err)
	}
	if err := wrapNav(context.Background(), "navigate", errors.New("net::ERR")); errors.Is(err, tier.ErrRenderTimeout) {
		t.Errorf("plain error marked as timeout: %v", err)
	}
}

func TestRenderer_Closed(t *testing.T) {
	r := NewRenderer(Config{})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := r.Render(context.Background(), tier.RenderRequest{URL: "https://x.test"})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	var _ tier.Renderer = r
}
