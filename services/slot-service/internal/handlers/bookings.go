package handlers

import (
	"net/http"

	"github.com/shuttlehq/shuttle-core/libs/httpx"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/bookings"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

// noSlotResponse reports a booking that was recorded but could not be placed.
type noSlotResponse struct {
	Error     string        `json:"error"`
	Code      string        `json:"code"`
	RequestID string        `json:"request_id,omitempty"`
	Booking   model.Booking `json:"booking"`
}

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req bookings.CreateRequest
	if !decode(w, r, &req, false) {
		return
	}

	b, err := h.bookings.Create(r.Context(), p, req)
	if rej, ok := model.AsRejection(err); ok && rej.Code == model.CodeNoSlot {
		httpx.WriteJSON(w, http.StatusConflict, noSlotResponse{
			Error:     rej.Reason,
			Code:      string(rej.Code),
			RequestID: httpx.RequestIDFromContext(r.Context()),
			Booking:   b,
		})
		return
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, b)
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	b, err := h.bookings.Get(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	b, err := h.bookings.Confirm(r.Context(), p, r.PathValue("id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) RejectBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req, true) {
		return
	}
	b, err := h.bookings.Reject(r.Context(), p, r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if !decode(w, r, &req, true) {
		return
	}
	b, err := h.bookings.Cancel(r.Context(), p, r.PathValue("id"), req.Reason)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, b)
}
