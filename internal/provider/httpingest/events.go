package httpingest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/OCAP2/livemap/internal/clock"
	"github.com/OCAP2/livemap/internal/events"
	"github.com/OCAP2/livemap/internal/geo"
	"github.com/OCAP2/livemap/internal/store"
	"github.com/OCAP2/livemap/pkg/core"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
)

// EventStore publishes events. *store.Records implements it.
type EventStore interface {
	ActiveEvents(ctx context.Context, nowMillis int64) ([]core.EventRecord, error)
	PutEvent(ctx context.Context, e core.EventRecord) error
	JoinEvent(ctx context.Context, eventID, userID, displayName string, nowMillis int64) error
	DeleteEvent(ctx context.Context, eventID, requesterID string) error
}

const defaultRadiusMeters = 5000.0

// CreateEventRequest creates an event at a point for TTLMinutes.
type CreateEventRequest struct {
	Name        string  `json:"name" validate:"required,max=120"`
	Description string  `json:"description" validate:"max=2000"`
	Latitude    float64 `json:"latitude" validate:"latitude"`
	Longitude   float64 `json:"longitude" validate:"longitude"`
	TTLMinutes  int     `json:"ttlMinutes" validate:"required,min=1,max=1440"`
}

// EventsHandler lets the viewer create, join and delete events.
type EventsHandler struct {
	logger      *slog.Logger
	store       EventStore
	clock       clock.Clock
	viewerID    string
	displayName string
	validate    *validator.Validate
}

// NewEventsHandler creates an EventsHandler acting as viewerID.
func NewEventsHandler(logger *slog.Logger, es EventStore, clk clock.Clock, viewerID, displayName string) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if displayName == "" {
		displayName = viewerID
	}
	return &EventsHandler{
		logger:      logger,
		store:       es,
		clock:       clk,
		viewerID:    viewerID,
		displayName: displayName,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Mount adds the event routes under /events of r.
func (h *EventsHandler) Mount(r chi.Router) {
	r.Route("/events", func(er chi.Router) {
		er.Get("/", h.List)
		er.Post("/", h.Create)
		er.Route("/{id}", func(ir chi.Router) {
			ir.Post("/join", h.Join)
			ir.Delete("/", h.Delete)
		})
	})
}

func (h *EventsHandler) log(r *http.Request) *slog.Logger {
	reqID := chimw.GetReqID(r.Context())
	if reqID == "" {
		return h.logger
	}
	return h.logger.With(slog.String("request_id", reqID))
}

// EventSummary is an active event with its distance from the query point.
type EventSummary struct {
	core.EventRecord
	DistanceMeters float64 `json:"distanceMeters,omitempty"`
}

// List returns the active events. With near=lat,lng only events within
// radius meters (default 5000) are returned, nearest first.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	active, err := h.store.ActiveEvents(r.Context(), clock.NowMillis(h.clock))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	near := r.URL.Query().Get("near")
	if near == "" {
		out := make([]EventSummary, 0, len(active))
		for _, e := range active {
			out = append(out, EventSummary{EventRecord: e})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
		writeJSON(w, http.StatusOK, out)
		return
	}

	origin, err := geo.ParsePoint(near)
	if err != nil {
		writeError(w, http.StatusBadRequest, "near must be lat,lng")
		return
	}
	radius := defaultRadiusMeters
	if v := r.URL.Query().Get("radius"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			writeError(w, http.StatusBadRequest, "radius must be a positive number of meters")
			return
		}
	}

	byID := make(map[string]core.EventRecord, len(active))
	index := geo.NewIndex()
	for _, e := range active {
		byID[e.EventID] = e
		index.Insert(e.EventID, e.Point)
	}
	ids := index.Within(origin, radius)
	out := make([]EventSummary, 0, len(ids))
	for _, id := range ids {
		e := byID[id]
		out = append(out, EventSummary{EventRecord: e, DistanceMeters: geo.DistanceMeters(origin, e.Point)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceMeters < out[j].DistanceMeters })
	writeJSON(w, http.StatusOK, out)
}

// Create publishes a new event created by the viewer.
func (h *EventsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateEventRequest
	if !bindJSON(w, r, h.validate, &req) {
		return
	}

	rec := events.NewRecord(h.viewerID, h.displayName, req.Name, req.Description,
		core.GeoPoint{Latitude: req.Latitude, Longitude: req.Longitude},
		h.clock.Now(), time.Duration(req.TTLMinutes)*time.Minute)

	if err := h.store.PutEvent(r.Context(), rec); err != nil {
		h.log(r).Error("failed to publish event", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to publish event")
		return
	}
	h.log(r).Info("event created", slog.String("event", rec.EventID), slog.String("name", rec.Name))
	writeJSON(w, http.StatusCreated, rec)
}

// Join adds the viewer to an event's participants.
func (h *EventsHandler) Join(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.store.JoinEvent(r.Context(), id, h.viewerID, h.displayName, clock.NowMillis(h.clock))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Delete removes an event the viewer created.
func (h *EventsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteEvent(r.Context(), id, h.viewerID); err != nil {
		h.handleError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EventsHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "event not found")
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "only the creator may delete an event")
	default:
		h.log(r).Error("event store error", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "event store unavailable")
	}
}
