// Package httpingest accepts location fixes over HTTP and feeds them to a
// provider.
//
//	POST /api/v1/fixes        one fix
//	POST /api/v1/fixes/batch  {"fixes": [...]} in capture order
//	GET  /api/v1/status       engine counters, when a StatusFunc is set
//	GET  /api/v1/health       "ok"
//
// With an EventsHandler the viewer can also publish events:
//
//	GET    /api/v1/events           active events, ?near=lat,lng&radius=m
//	POST   /api/v1/events           create
//	POST   /api/v1/events/{id}/join join
//	DELETE /api/v1/events/{id}      delete, creator only
package httpingest

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/OCAP2/livemap/pkg/core"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

// Pusher queues fixes without blocking. *provider.Channel implements it.
type Pusher interface {
	Push(core.LocationSample) bool
}

// StatusFunc returns a JSON-encodable status snapshot.
type StatusFunc func() any

// FixRequest is one fix as posted by a device.
type FixRequest struct {
	Latitude         float64 `json:"latitude" validate:"latitude"`
	Longitude        float64 `json:"longitude" validate:"longitude"`
	AccuracyMeters   float64 `json:"accuracyMeters" validate:"gte=0"`
	CapturedAtMillis int64   `json:"capturedAtMillis" validate:"gt=0"`
}

// Sample converts the request to a LocationSample.
func (f FixRequest) Sample() core.LocationSample {
	return core.LocationSample{
		Point:            core.GeoPoint{Latitude: f.Latitude, Longitude: f.Longitude},
		AccuracyMeters:   f.AccuracyMeters,
		CapturedAtMillis: f.CapturedAtMillis,
	}
}

// BatchRequest carries up to 100 fixes.
type BatchRequest struct {
	Fixes []FixRequest `json:"fixes" validate:"required,min=1,max=100,dive"`
}

// IngestResponse reports how many fixes were queued.
type IngestResponse struct {
	Accepted int `json:"accepted"`
	Dropped  int `json:"dropped"`
}

// Handler serves the ingest routes.
type Handler struct {
	logger   *slog.Logger
	pusher   Pusher
	status   StatusFunc
	validate *validator.Validate
}

// NewHandler creates a Handler. status may be nil.
func NewHandler(logger *slog.Logger, pusher Pusher, status StatusFunc) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		pusher:   pusher,
		status:   status,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Options tunes the router.
type Options struct {
	// RateLimit is the per-client fix requests per second; zero disables
	// limiting.
	RateLimit float64
	Burst     int
	// Events mounts the event routes when set.
	Events *EventsHandler
}

// NewRouter mounts h under /api/v1.
func NewRouter(h *Handler, opts Options) *chi.Mux {
	r := chi.NewMux()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/fixes", func(fr chi.Router) {
			if opts.RateLimit > 0 {
				fr.Use(Limit(opts.RateLimit, opts.Burst, h.logger))
			}
			fr.Post("/", h.PostFix)
			fr.Post("/batch", h.PostBatch)
		})
		if opts.Events != nil {
			opts.Events.Mount(api)
		}
		api.Get("/status", h.Status)
		api.Get("/health", h.Health)
	})
	return r
}

// PostFix queues one fix.
func (h *Handler) PostFix(w http.ResponseWriter, r *http.Request) {
	var req FixRequest
	if !h.bind(w, r, &req) {
		return
	}
	h.push(w, r, []FixRequest{req})
}

// PostBatch queues a batch of fixes in order.
func (h *Handler) PostBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.bind(w, r, &req) {
		return
	}
	h.push(w, r, req.Fixes)
}

func (h *Handler) push(w http.ResponseWriter, r *http.Request, fixes []FixRequest) {
	var resp IngestResponse
	for _, f := range fixes {
		if h.pusher.Push(f.Sample()) {
			resp.Accepted++
		} else {
			resp.Dropped++
		}
	}
	if resp.Accepted == 0 {
		h.logger.Warn("fix queue full, dropping request",
			slog.Int("dropped", resp.Dropped),
			slog.String("request_id", chimw.GetReqID(r.Context())))
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) bind(w http.ResponseWriter, r *http.Request, v any) bool {
	return bindJSON(w, r, h.validate, v)
}

// bindJSON decodes exactly one JSON object into v and validates it.
func bindJSON(w http.ResponseWriter, r *http.Request, validate *validator.Validate, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// Status writes the engine status snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		writeError(w, http.StatusNotFound, "status not available")
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
