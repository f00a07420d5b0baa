// Package api exposes the resource address space over HTTP.
//
//	GET    /v1/{address}     read, with ?columns=a,b&filter=col:op:value&sort=col&order=desc
//	POST   /v1/saved-stops   bookmark a stop
//	DELETE /v1/saved-stops   remove a bookmark
//	GET    /v1/events        change notifications as server-sent events
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"transit-cache/internal/db"
	"transit-cache/internal/metrics"
	"transit-cache/internal/nextbus"
	"transit-cache/internal/provider"
	"transit-cache/internal/publisher"
	"transit-cache/internal/resolver"
	"transit-cache/internal/router"
)

type Handler struct {
	prov     *provider.Provider
	store    *db.Store
	hub      *publisher.Hub
	metrics  *metrics.Collector
	validate *validator.Validate
}

// NewHandler builds the HTTP handler. hub and m may be nil.
func NewHandler(prov *provider.Provider, store *db.Store, hub *publisher.Hub, m *metrics.Collector) *Handler {
	return &Handler{prov: prov, store: store, hub: hub, metrics: m, validate: validator.New()}
}

// Router returns the chi router serving the API. An empty origins list
// allows any origin.
func (h *Handler) Router(origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.countRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", h.health)
	r.Get("/v1/events", h.events)
	r.Get("/v1/*", h.query)
	r.Post("/v1/*", h.insert)
	r.Delete("/v1/*", h.delete)
	return r
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type QueryResponse struct {
	Address string   `json:"address"`
	Type    string   `json:"type"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Count   int      `json:"count"`
}

// SavedStopRequest names a bookmark by tags.
type SavedStopRequest struct {
	Agency    string `json:"agency" validate:"required"`
	Route     string `json:"route" validate:"required"`
	Direction string `json:"direction" validate:"required"`
	Stop      string `json:"stop" validate:"required"`
}

func (s SavedStopRequest) key() nextbus.SavedStopKey {
	return nextbus.SavedStopKey{AgencyTag: s.Agency, RouteTag: s.Route, DirectionTag: s.Direction, StopTag: s.Stop}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"database":  h.store.Dialect().String(),
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	sel, err := parseSelection(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rs, err := h.prov.Query(r.Context(), path, sel)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if rs == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no resource at %q", path))
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{
		Address: path,
		Type:    h.prov.Type(path),
		Columns: rs.Columns,
		Rows:    rs.Rows,
		Count:   rs.Len(),
	})
}

func (h *Handler) insert(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSavedStop(w, r)
	if !ok {
		return
	}
	addr, err := h.prov.Insert(r.Context(), chi.URLParam(r, "*"), req.key())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"address": addr})
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeSavedStop(w, r)
	if !ok {
		return
	}
	removed, err := h.prov.Delete(r.Context(), chi.URLParam(r, "*"), req.key())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *Handler) decodeSavedStop(w http.ResponseWriter, r *http.Request) (SavedStopRequest, bool) {
	var req SavedStopRequest
	if path := chi.URLParam(r, "*"); router.Match(path).Kind != router.KindSavedStops {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("%s %q: %w", r.Method, path, provider.ErrNotSupported))
		return req, false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return req, false
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return req, false
	}
	return req, true
}

// events streams change notifications until the client goes away.
func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if h.hub == nil || !ok {
		writeError(w, http.StatusNotImplemented, errors.New("event stream unavailable"))
		return
	}
	ch, cancel := h.hub.Subscribe(32)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Printf("encode change event: %v", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: change\ndata: %s\n\n", ev.ID, b)
			flusher.Flush()
		}
	}
}

func parseSelection(r *http.Request) (db.Selection, error) {
	q := r.URL.Query()
	var sel db.Selection
	if v := q.Get("columns"); v != "" {
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				sel.Columns = append(sel.Columns, c)
			}
		}
	}
	if v := q.Get("filter"); v != "" {
		f, err := db.ParsePredicate(v)
		if err != nil {
			return sel, err
		}
		sel.Filter = f
	}
	sel.Sort = q.Get("sort")
	switch strings.ToLower(q.Get("order")) {
	case "", "asc":
	case "desc":
		sel.Desc = true
	default:
		return sel, fmt.Errorf("invalid order %q", q.Get("order"))
	}
	return sel, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrNotSupported):
		return http.StatusMethodNotAllowed
	case errors.Is(err, provider.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrUnknownColumn), errors.Is(err, db.ErrBadFilter):
		return http.StatusBadRequest
	case errors.Is(err, resolver.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) countRequests(next http.Handler) http.Handler {
	if h.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}
