package harvest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/harvest/internal/kit"
	"github.com/hazyhaar/harvest/schema"
	"github.com/hazyhaar/harvest/writable"
)

// Handler returns the HTTP API:
//
//	GET  /healthz
//	GET  /stats
//	GET  /schemas
//	GET  /schemas/{name}
//	POST /query          NDJSON event stream
func (e *Engine) Handler() http.Handler {
	eps := e.endpoints()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestContext)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, e.Stats())
	})

	r.Route("/schemas", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			out, err := eps.listSchemas(req.Context(), &listSchemasRequest{})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, out)
		})
		r.Get("/{name}", func(w http.ResponseWriter, req *http.Request) {
			out, err := eps.getSchema(req.Context(), &getSchemaRequest{Name: chi.URLParam(req, "name")})
			if err != nil {
				writeError(w, statusOf(err), err)
				return
			}
			writeJSON(w, http.StatusOK, out)
		})
	})

	r.Post("/query", e.handleQuery)
	return r
}

func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := kit.WithTransport(r.Context(), "http")
		if id := middleware.GetReqID(ctx); id != "" {
			ctx = kit.WithRequestID(ctx, id)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WireEvent is the NDJSON form of an Event.
type WireEvent struct {
	Kind   string             `json:"kind"`
	Page   int                `json:"page,omitempty"`
	URL    string             `json:"url,omitempty"`
	Reason string             `json:"reason,omitempty"`
	Error  string             `json:"error,omitempty"`
	Record *writable.Writable `json:"record,omitempty"`
}

func wireEvent(ev Event) WireEvent {
	we := WireEvent{Kind: ev.Kind.String(), Page: ev.Page, URL: ev.URL, Reason: string(ev.Reason), Record: ev.Record}
	if ev.Err != nil {
		we.Error = ev.Err.Error()
	}
	return we
}

func (e *Engine) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Schema == "" {
		writeError(w, http.StatusBadRequest, errors.New("schema is required"))
		return
	}
	run, err := e.RunNamed(r.Context(), req.Schema, req.query())
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range run.Events() {
		if err := enc.Encode(wireEvent(ev)); err != nil {
			e.logger.Debug("harvest: client gone", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, schema.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrSchema):
		return http.StatusUnprocessableEntity
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
