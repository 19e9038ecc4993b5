package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/hazyhaar/harvest/assemble"
	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/tier"
)

func TestLoad(t *testing.T) {
	cat, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"google-business-profile", "google-maps", "google-search",
		"google-search-ads", "google-search-local-pack", "google-search-overview",
		"google-search-people-also-ask", "google-search-related",
	}
	if diff := cmp.Diff(want, cat.Names()); diff != "" {
		t.Errorf("names (-want +got):\n%s", diff)
	}
	maps, _ := cat.Get("google-maps")
	if maps.Hint() != tier.TierRendered || maps.Paginated() || maps.Scroll.MaxScroll != 10 {
		t.Errorf("google-maps: hint=%s paginated=%v scroll=%+v", maps.Hint(), maps.Paginated(), maps.Scroll)
	}
	search, _ := cat.Get("google-search")
	u, ok := search.PageURL(schema.Vars{Terms: "pizza", Location: "Brooklyn NY"}, 3)
	if !ok || u != "https://www.google.com/search?q=pizza+Brooklyn+NY&num=10&start=20" {
		t.Errorf("page url: %q", u)
	}
	profile, _ := cat.Get("google-business-profile")
	if len(profile.Readiness.Actions) != 1 || profile.Readiness.Actions[0].Click == "" {
		t.Errorf("business profile must open the hours panel: %+v", profile.Readiness.Actions)
	}
}

const listing = `<div role="feed">
<div class="Nv2PK">
  <a class="hfpxzc" href="https://www.google.com/maps/place/Joe's+Pizza/@40.7306,-73.9890,17z/data=!3m1!4b1!4m6!3m5!1s0x89c2599:0x2d4!8m2!3d40.73!4d-73.98!16s%2Fg%2F1tfq1z2q!19sChIJifIePKtZwokRVZ-UdRGkZzs"></a>
  <div class="qBF1Pd">Joe's   Pizza</div>
  <span class="MW4etd">4.5</span><span class="UY7F9">(1,234)</span>
  <span class="UsdlK">(212) 366-1182</span>
</div>
</div>`

func TestGoogleMaps_Extract(t *testing.T) {
	cat, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	s, _ := cat.Get("google-maps")
	pc := assemble.PageContext{Schema: s, Query: "pizza", PageURL: "https://www.google.com/maps/search/pizza", Page: 1, Tier: tier.TierRendered, FetchedAt: time.Now()}
	ws, _, err := assemble.New(nil).Document(context.Background(), pc, []byte(listing))
	if err != nil || len(ws) != 1 {
		t.Fatalf("records=%d err=%v", len(ws), err)
	}
	w := ws[0]
	if v, _ := w.Get("name"); v != "Joe's Pizza" {
		t.Errorf("name: %v", v)
	}
	if v, _ := w.Get("reviews"); v != int64(1234) {
		t.Errorf("reviews: %#v", v)
	}
	if v, _ := w.Get("rank"); v != int64(1) {
		t.Errorf("rank: %#v", v)
	}
	if v, _ := w.Get("phone"); v != "+12123661182" {
		t.Errorf("phone: %v", v)
	}
	if v, _ := w.Get("place_id"); v != "0x89c2599:0x2d4" {
		t.Errorf("place_id: %v", v)
	}
	coords, _ := w.Get("coordinates")
	if diff := cmp.Diff(map[string]any{"latitude": 40.7306, "longitude": -73.989}, coords); diff != "" {
		t.Errorf("coordinates (-want +got):\n%s", diff)
	}
	if !w.Validation().RequiredSatisfied {
		t.Errorf("validation: %+v", w.Validation())
	}
}

const serp = `<html><body>
<div id="result-stats">About 1,230,000 results<nobr> (0.45 seconds)</nobr></div>
<div id="search">
<div class="xpdopen">
  <span class="hgKElc">Pizza is a dish of <b>Italian</b> origin.</span>
  <a href="https://en.wikipedia.org/wiki/Pizza"><h3>Pizza - Wikipedia</h3></a>
</div>
<div class="related-question-pair" data-q="Who invented pizza?"><div role="button"><span>Who invented pizza?</span></div></div>
<div class="related-question-pair" data-q="Is pizza healthy?"><div role="button"><span>Is pizza healthy?</span></div></div>
</div>
<div class="kp-wholepage">
  <h2 data-attrid="title">Pizza</h2>
  <div data-attrid="subtitle">Dish</div>
</div>
</body></html>`

func serpRecords(t *testing.T, name string) []map[string]any {
	t.Helper()
	cat, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	s, _ := cat.Get(name)
	pc := assemble.PageContext{Schema: s, Query: "pizza", PageURL: "https://www.google.com/search?q=pizza", Page: 1, Tier: tier.TierSimple, FetchedAt: time.Now()}
	ws, _, err := assemble.New(nil).Document(context.Background(), pc, []byte(serp))
	if err != nil {
		t.Fatal(err)
	}
	var out []map[string]any
	for _, w := range ws {
		rec := make(map[string]any)
		for _, f := range s.FieldNames() {
			if v, err := w.Get(f); err == nil && v != nil {
				rec[f] = v
			}
		}
		out = append(out, rec)
	}
	return out
}

func TestGoogleSearchOverview_Extract(t *testing.T) {
	recs := serpRecords(t, "google-search-overview")
	if len(recs) != 1 {
		t.Fatalf("records=%d", len(recs))
	}
	want := map[string]any{
		"results_count":      int64(1230000),
		"search_time":        0.45,
		"snippet_content":    "Pizza is a dish of Italian origin.",
		"snippet_title":      "Pizza - Wikipedia",
		"snippet_url":        "https://en.wikipedia.org/wiki/Pizza",
		"knowledge_title":    "Pizza",
		"knowledge_subtitle": "Dish",
	}
	if diff := cmp.Diff(want, recs[0]); diff != "" {
		t.Errorf("overview (-want +got):\n%s", diff)
	}
}

func TestGoogleSearchPeopleAlsoAsk_Extract(t *testing.T) {
	want := []map[string]any{
		{"position": int64(1), "question": "Who invented pizza?", "question_text": "Who invented pizza?"},
		{"position": int64(2), "question": "Is pizza healthy?", "question_text": "Is pizza healthy?"},
	}
	if diff := cmp.Diff(want, serpRecords(t, "google-search-people-also-ask")); diff != "" {
		t.Errorf("people also ask (-want +got):\n%s", diff)
	}
}
