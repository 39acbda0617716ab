package handlers

import (
	"context"
	"net/http"

	"github.com/shuttlehq/shuttle-core/libs/auth"
	"github.com/shuttlehq/shuttle-core/libs/httpx"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/ledger"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
)

type createRouteInstancesRequest struct {
	TripID string `json:"trip_id"`
}

type seatDeltaRequest struct {
	HeldDelta     int `json:"held_delta"`
	OccupiedDelta int `json:"occupied_delta"`
}

type rangeDeltaRequest struct {
	FromRouteIndex *int `json:"from_route_index"`
	ToRouteIndex   *int `json:"to_route_index"`
	seatDeltaRequest
}

type etaRequest struct {
	ETA string `json:"eta"`
}

type etaBatchRequest struct {
	Updates []ledger.ETAUpdate `json:"updates"`
}

type routeInstancesResponse struct {
	RouteInstances []model.RouteInstance `json:"route_instances"`
}

func routeInstances(ris []model.RouteInstance) routeInstancesResponse {
	if ris == nil {
		ris = []model.RouteInstance{}
	}
	return routeInstancesResponse{RouteInstances: ris}
}

func (h *Handler) CreateRouteInstances(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapManageTrips); !ok {
		return
	}
	var req createRouteInstancesRequest
	if !decode(w, r, &req, true) {
		return
	}
	ris, err := h.ledger.CreateRouteInstancesForTripInstance(r.Context(), r.PathValue("id"), req.TripID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, routeInstances(ris))
}

func (h *Handler) DeleteRouteInstances(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapManageTrips); !ok {
		return
	}
	if err := h.ledger.DeleteRouteInstancesForTripInstance(r.Context(), r.PathValue("id")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdateTripSeats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapManageTrips); !ok {
		return
	}
	var req rangeDeltaRequest
	if !decode(w, r, &req, false) {
		return
	}
	if req.FromRouteIndex == nil || req.ToRouteIndex == nil {
		h.writeErr(w, r, model.ValidationError{Field: "route_range", Msg: "from_route_index and to_route_index are required"})
		return
	}
	ris, err := h.ledger.UpdateMultipleRouteInstanceSeats(r.Context(), r.PathValue("id"),
		*req.FromRouteIndex, *req.ToRouteIndex, req.HeldDelta, req.OccupiedDelta)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, routeInstances(ris))
}

func (h *Handler) TripSeats(w http.ResponseWriter, r *http.Request) {
	view, err := h.ledger.GetTripInstanceSeats(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func (h *Handler) StartTrip(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	ti, err := h.ledger.StartTripInstance(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ti)
}

func (h *Handler) CancelTrip(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapManageTrips); !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req, true) {
		return
	}
	ti, err := h.ledger.CancelTripInstance(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ti)
}

func (h *Handler) DeleteTrip(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapManageTrips); !ok {
		return
	}
	if err := h.ledger.DeleteTripInstance(r.Context(), r.PathValue("id")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) UpdateSegmentSeats(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapManageTrips); !ok {
		return
	}
	var req seatDeltaRequest
	if !decode(w, r, &req, false) {
		return
	}
	ri, err := h.ledger.UpdateRouteInstanceSeats(r.Context(), r.PathValue("id"), req.HeldDelta, req.OccupiedDelta)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ri)
}

func (h *Handler) CompleteSegment(w http.ResponseWriter, r *http.Request) {
	h.completion(w, r, h.ledger.CompleteRouteInstance)
}

func (h *Handler) UncompleteSegment(w http.ResponseWriter, r *http.Request) {
	h.completion(w, r, h.ledger.UncompleteRouteInstance)
}

type completionFunc func(ctx context.Context, p auth.Principal, routeInstanceID string) (ledger.CompleteResult, error)

// completion answers rejections with the same {success, message} body as
// successes so driver apps can show the message directly.
func (h *Handler) completion(w http.ResponseWriter, r *http.Request, fn completionFunc) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	res, err := fn(r.Context(), p, r.PathValue("id"))
	if rej, ok := model.AsRejection(err); ok {
		status := http.StatusConflict
		if rej.Authorization() {
			status = http.StatusForbidden
		}
		httpx.WriteJSON(w, status, res)
		return
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) UpdateETA(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapOperateTrip, auth.CapManageTrips); !ok {
		return
	}
	var req etaRequest
	if !decode(w, r, &req, false) {
		return
	}
	ri, err := h.ledger.UpdateRouteInstanceETA(r.Context(), r.PathValue("id"), req.ETA)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ri)
}

func (h *Handler) UpdateETAs(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireCapability(w, r, auth.CapOperateTrip, auth.CapManageTrips); !ok {
		return
	}
	var req etaBatchRequest
	if !decode(w, r, &req, false) {
		return
	}
	ris, err := h.ledger.UpdateRouteInstanceETAs(r.Context(), req.Updates)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, routeInstances(ris))
}
