package handlers

import (
	"net/http"
	"strings"

	"github.com/shuttlehq/shuttle-core/libs/auth"
	"github.com/shuttlehq/shuttle-core/libs/httpx"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/model"
	"github.com/shuttlehq/shuttle-core/services/slot-service/internal/slots"
)

type availableShuttleResponse struct {
	ShuttleID  string            `json:"shuttle_id"`
	Candidates []slots.Candidate `json:"candidates"`
}

func (h *Handler) FindBestSlot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seats, err := queryInt(r, "seats")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	rng, err := queryRange(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	req := slots.Request{
		TripID:      strings.TrimSpace(q.Get("trip_id")),
		HotelID:     strings.TrimSpace(q.Get("hotel_id")),
		Date:        q.Get("date"),
		DesiredTime: q.Get("desired_time"),
		Seats:       1,
		Range:       rng,
	}
	if seats != nil {
		req.Seats = *seats
	}
	if req.HotelID == "" {
		if p, ok := auth.PrincipalFromContext(r.Context()); ok {
			req.HotelID = p.HotelID
		}
	}

	res, err := h.finder.FindBestAvailableSlot(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) AvailableShuttle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	seats, err := queryInt(r, "seats")
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	rng, err := queryRange(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	req := slots.RankRequest{
		HotelID:   strings.TrimSpace(q.Get("hotel_id")),
		Date:      q.Get("date"),
		StartTime: q.Get("start_time"),
		EndTime:   q.Get("end_time"),
		Seats:     1,
		Range:     rng,
	}
	if seats != nil {
		req.Seats = *seats
	}
	if req.HotelID == "" {
		h.writeErr(w, r, model.ValidationError{Field: "hotel_id", Msg: "is required"})
		return
	}

	ranked, err := h.ranker.Rank(r.Context(), req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	resp := availableShuttleResponse{Candidates: ranked}
	if len(ranked) > 0 {
		resp.ShuttleID = ranked[0].ShuttleID
	}
	if resp.Candidates == nil {
		resp.Candidates = []slots.Candidate{}
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}
