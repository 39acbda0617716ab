package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shuttlehq/shuttle-core/libs/kafkax"
)

func TestNewMarshalsPayload(t *testing.T) {
	evt, err := New(AggregateBooking, "b-1", BookingHeld, map[string]any{"seats": 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var payload map[string]int
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if payload["seats"] != 2 || evt.AggregateID != "b-1" || evt.EventType != BookingHeld {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestBuildMessages(t *testing.T) {
	created := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	msgs := BuildMessages(context.Background(), []Record{{
		ID:            7,
		EventID:       "evt-7",
		AggregateType: AggregateTripInstance,
		AggregateID:   "ti-1",
		EventType:     TripInstanceCreated,
		Payload:       []byte(`{}`),
		CreatedAt:     created,
	}})
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	m := msgs[0]
	if m.Topic != TripInstanceCreated || string(m.Key) != "ti-1" || !m.Time.Equal(created) {
		t.Fatalf("unexpected message %+v", m)
	}
	if kafkax.HeaderValue(m.Headers, kafkax.HeaderEventID) != "evt-7" ||
		kafkax.HeaderValue(m.Headers, kafkax.HeaderAggregateType) != AggregateTripInstance {
		t.Fatalf("unexpected headers %+v", m.Headers)
	}
}
