package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shuttlehq/shuttle-core/libs/auth"
	"github.com/shuttlehq/shuttle-core/libs/httpx"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/bookings"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/ledger"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/slots"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/storage"
)

type Handler struct {
	finder   *slots.Finder
	ranker   *slots.Ranker
	ledger   *ledger.Service
	bookings *bookings.Service
	logger   *slog.Logger
}

func New(finder *slots.Finder, ranker *slots.Ranker, l *ledger.Service, b *bookings.Service, logger *slog.Logger) *Handler {
	return &Handler{finder: finder, ranker: ranker, ledger: l, bookings: b, logger: logger}
}

// Register mounts the API on mux. public wraps the search and booking
// creation routes, typically with a rate limiter; nil leaves them bare.
func (h *Handler) Register(mux *http.ServeMux, public httpx.Middleware) {
	handle := func(pattern string, fn http.HandlerFunc, m ...httpx.Middleware) {
		mux.Handle(pattern, httpx.Chain(fn, m...))
	}

	handle("GET /api/v1/slots/best", h.FindBestSlot, public)
	handle("GET /api/v1/shuttles/available", h.AvailableShuttle, public)

	handle("POST /api/v1/bookings", h.CreateBooking, public)
	handle("GET /api/v1/bookings/{id}", h.GetBooking)
	handle("POST /api/v1/bookings/{id}/confirm", h.ConfirmBooking)
	handle("POST /api/v1/bookings/{id}/reject", h.RejectBooking)
	handle("POST /api/v1/bookings/{id}/cancel", h.CancelBooking)

	handle("POST /api/v1/trip-instances/{id}/route-instances", h.CreateRouteInstances)
	handle("DELETE /api/v1/trip-instances/{id}/route-instances", h.DeleteRouteInstances)
	handle("POST /api/v1/trip-instances/{id}/seats", h.UpdateTripSeats)
	handle("GET /api/v1/trip-instances/{id}/seats", h.TripSeats)
	handle("POST /api/v1/trip-instances/{id}/start", h.StartTrip)
	handle("POST /api/v1/trip-instances/{id}/cancel", h.CancelTrip)
	handle("DELETE /api/v1/trip-instances/{id}", h.DeleteTrip)

	handle("POST /api/v1/route-instances/{id}/seats", h.UpdateSegmentSeats)
	handle("POST /api/v1/route-instances/{id}/complete", h.CompleteSegment)
	handle("POST /api/v1/route-instances/{id}/uncomplete", h.UncompleteSegment)
	handle("PUT /api/v1/route-instances/eta", h.UpdateETAs)
	handle("PUT /api/v1/route-instances/{id}/eta", h.UpdateETA)
}

// requirePrincipal writes 401 and returns false for anonymous requests.
func (h *Handler) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return auth.Principal{}, false
	}
	return p, true
}

// requireCapability writes 401 or 403 and returns false unless the caller
// holds one of caps.
func (h *Handler) requireCapability(w http.ResponseWriter, r *http.Request, caps ...auth.Capability) (auth.Principal, bool) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return p, false
	}
	for _, c := range caps {
		if p.Can(c) {
			return p, true
		}
	}
	httpx.WriteError(w, r, http.StatusForbidden, string(model.CodeForbidden), "insufficient permissions")
	return p, false
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	if rej, ok := model.AsRejection(err); ok {
		status := http.StatusConflict
		if rej.Authorization() {
			status = http.StatusForbidden
		}
		httpx.WriteError(w, r, status, string(rej.Code), rej.Reason)
		return
	}
	var nf model.NotFoundError
	if errors.As(err, &nf) {
		httpx.WriteError(w, r, http.StatusNotFound, "not_found", nf.Error())
		return
	}
	var ve model.ValidationError
	if errors.As(err, &ve) {
		httpx.WriteError(w, r, http.StatusBadRequest, "invalid_request", ve.Error())
		return
	}
	if storage.IsConflict(err) {
		httpx.WriteError(w, r, http.StatusConflict, "conflict", "concurrent update, retry the request")
		return
	}
	h.logger.Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", httpx.RequestIDFromContext(r.Context()),
		"err", err,
	)
	httpx.WriteError(w, r, http.StatusInternalServerError, "internal", "internal error")
}

// decode reads a JSON body. An empty body leaves v untouched when optional is set.
func decode(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	httpx.WriteError(w, r, http.StatusBadRequest, "invalid_json", "invalid json body")
	return false
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string) (*int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, model.ValidationError{Field: key, Msg: "must be an integer", Err: err}
	}
	return &v, nil
}

// queryRange reads from_route_index/to_route_index. Both or neither must be set.
func queryRange(r *http.Request) (*model.RouteRange, error) {
	from, err := queryInt(r, "from_route_index")
	if err != nil {
		return nil, err
	}
	to, err := queryInt(r, "to_route_index")
	if err != nil {
		return nil, err
	}
	switch {
	case from == nil && to == nil:
		return nil, nil
	case from == nil || to == nil:
		return nil, model.ValidationError{Field: "route_range", Msg: "from_route_index and to_route_index go together"}
	}
	return &model.RouteRange{From: *from, To: *to}, nil
}
