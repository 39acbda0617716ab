package kafkax

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// ReadyCheck reports ready once some broker in the list answers a metadata
// request with at least one live broker.
func ReadyCheck(brokers string) func(context.Context) error {
	list := SplitBrokers(brokers)
	return func(ctx context.Context) error {
		if len(list) == 0 {
			return errors.New("kafka: no brokers configured")
		}
		var errs []error
		for _, addr := range list {
			if err := probeBroker(ctx, addr); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", addr, err))
				continue
			}
			return nil
		}
		return errors.Join(errs...)
	}
}

func probeBroker(ctx context.Context, addr string) error {
	d := &kafka.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	live, err := conn.Brokers()
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return errors.New("metadata lists no brokers")
	}
	return nil
}
