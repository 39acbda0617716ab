package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
	"github.com/shuttlehq/shuttle-core/libs/db"
	"github.com/shuttlehq/shuttle-core/libs/kafkax"
	otelx "github.com/shuttlehq/shuttle-core/libs/otel"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	pool      *db.Pool
	repo      *Repository
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
	retention time.Duration
	newWriter func([]string) MessageWriter
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
	// Retention is how long published rows are kept. Zero keeps them forever.
	Retention time.Duration
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:      pool,
		repo:      repo,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(cfg.Brokers),
		pollEvery: cfg.PollEvery,
		batchSize: cfg.BatchSize,
		retention: cfg.Retention,
		newWriter: func(brokers []string) MessageWriter {
			return &kafka.Writer{
				Addr:                   kafka.TCP(brokers...),
				Balancer:               &kafka.Hash{},
				RequiredAcks:           kafka.RequireAll,
				AllowAutoTopicCreation: true,
			}
		},
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	writer := p.newWriter(p.brokers)
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	lastPurge := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishBatch(ctx, writer); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
			if p.retention > 0 && time.Since(lastPurge) > time.Hour {
				lastPurge = time.Now()
				p.purge(ctx)
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer MessageWriter) error {
	return p.pool.InTx(ctx, func(tx pgx.Tx) error {
		records, err := p.repo.Claim(ctx, tx, p.batchSize)
		if err != nil || len(records) == 0 {
			return err
		}
		if err := writer.WriteMessages(ctx, BuildMessages(ctx, records)...); err != nil {
			return err
		}
		ids := make([]int64, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.ID)
		}
		p.logger.Debug("outbox batch published", "count", len(ids))
		return p.repo.Ack(ctx, tx, ids)
	})
}

func (p *Publisher) purge(ctx context.Context) {
	before := time.Now().Add(-p.retention)
	var total int64
	for {
		var n int64
		err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
			var err error
			n, err = p.repo.Prune(ctx, tx, before, 1000)
			return err
		})
		if err != nil {
			p.logger.Error("outbox purge failed", "err", err, "rows", total)
			return
		}
		total += n
		if n < 1000 {
			break
		}
	}
	if total > 0 {
		p.logger.Info("outbox purged", "rows", total)
	}
}

// BuildMessages maps outbox rows to Kafka messages keyed by aggregate id, so
// events for one trip instance or booking stay ordered within a partition.
func BuildMessages(ctx context.Context, records []Record) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
		meta := kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType, AggregateType: r.AggregateType}
		msgs = append(msgs, kafka.Message{
			Topic:   r.EventType,
			Key:     []byte(r.AggregateID),
			Value:   r.Payload,
			Headers: kafkax.InjectTraceHeaders(msgCtx, meta.Headers()),
			Time:    r.CreatedAt,
		})
	}
	return msgs
}
