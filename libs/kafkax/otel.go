package kafkax

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// headers adapts a Kafka header list to the OTel carrier interface. Set
// replaces an existing key in place.
type headers []kafka.Header

func (h *headers) Get(key string) string { return HeaderValue(*h, key) }

func (h *headers) Set(key, value string) {
	for i, kv := range *h {
		if kv.Key == key {
			(*h)[i].Value = []byte(value)
			return
		}
	}
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h *headers) Keys() []string {
	out := make([]string, len(*h))
	for i, kv := range *h {
		out[i] = kv.Key
	}
	return out
}

var _ propagation.TextMapCarrier = (*headers)(nil)

// InjectTraceHeaders adds the active trace context of ctx to hs.
func InjectTraceHeaders(ctx context.Context, hs []kafka.Header) []kafka.Header {
	c := headers(hs)
	otel.GetTextMapPropagator().Inject(ctx, &c)
	return c
}
