package harvest

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHandler_Schemas(t *testing.T) {
	e := newEngine(t, NewLadder(nil, nil, nil))
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/schemas")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var infos []SchemaInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	want := []SchemaInfo{{Name: "listings", TierHint: "simple", Paginated: true, Fields: []string{"name", "url"}}}
	if diff := cmp.Diff(want, infos); diff != "" {
		t.Errorf("schemas (-want +got):\n%s", diff)
	}

	resp, err = http.Get(srv.URL + "/schemas/listings")
	if err != nil {
		t.Fatal(err)
	}
	var s struct {
		Name   string `json:"name"`
		Item   string `json:"item"`
		Fields []struct {
			Name string `json:"name"`
		} `json:"fields"`
	}
	json.NewDecoder(resp.Body).Decode(&s)
	resp.Body.Close()
	if s.Name != "listings" || s.Item != "div.item" || len(s.Fields) != 2 {
		t.Errorf("schema: %+v", s)
	}

	resp, err = http.Get(srv.URL + "/schemas/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown schema: status %d", resp.StatusCode)
	}
}

func TestHandler_HealthAndStats(t *testing.T) {
	e := newEngine(t, NewLadder(nil, nil, nil))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz: %d %s", rec.Code, rec.Body)
	}
	rec = httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("stats: %d %s", rec.Code, rec.Body)
	}
}

func TestHandler_QueryStream(t *testing.T) {
	site := listings(t)
	e := newEngine(t, NewLadder(nil, nil, nil))
	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	body := `{"schema":"listings","url":"` + site.URL + `/search","query":"pizza"}`
	resp, err := http.Post(srv.URL+"/query", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("content type %q", ct)
	}

	var kinds []string
	var first struct {
		Record struct {
			Schema string         `json:"schema"`
			Fields map[string]any `json:"fields"`
		} `json:"record"`
	}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var we WireEvent
		if err := json.Unmarshal(sc.Bytes(), &we); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		if len(kinds) == 0 {
			json.Unmarshal(sc.Bytes(), &first)
		}
		kinds = append(kinds, we.Kind+":"+we.Reason)
	}
	want := []string{"record:", "record:", "record:", "done:no-next"}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("stream (-want +got):\n%s", diff)
	}
	if first.Record.Schema != "listings" || first.Record.Fields["name"] != "Alpha" {
		t.Errorf("first record: %+v", first.Record)
	}
}

func TestHandler_QueryErrors(t *testing.T) {
	e := newEngine(t, NewLadder(nil, nil, nil))
	h := e.Handler()
	cases := map[string]int{
		`not json`:           http.StatusBadRequest,
		`{}`:                 http.StatusBadRequest,
		`{"schema":"ghost"}`: http.StatusNotFound,
	}
	for body, want := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body)))
		if rec.Code != want {
			t.Errorf("%s: status %d, want %d", body, rec.Code, want)
		}
	}
}
