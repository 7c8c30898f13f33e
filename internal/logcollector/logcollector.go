// Package logcollector implements LogCollector: the consumer that appends
// worker-reported log lines to an occurrence's bounded log slice, per
// spec.md section 4.10. Shares statustracker's batch-then-write shape.
package logcollector

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvaion/scheduler/internal/bus"
	"github.com/milvaion/scheduler/internal/config"
	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/milvaion/scheduler/internal/repo/postgres"
)

type Collector struct {
	consumer *bus.Consumer
	occRepo  *postgres.OccurrencesRepo
	cfg      config.LogCollectorConfig
	maxCount int
}

func New(consumer *bus.Consumer, occRepo *postgres.OccurrencesRepo, cfg config.LogCollectorConfig, maxLogCount int) *Collector {
	if maxLogCount <= 0 {
		maxLogCount = 100
	}
	return &Collector{consumer: consumer, occRepo: occRepo, cfg: cfg, maxCount: maxLogCount}
}

// Run drains milvaion.logs in batches of cfg.BatchSize or cfg.BatchInterval,
// per spec.md section 4.10.
func (c *Collector) Run(ctx context.Context) error {
	deliveries, err := c.consumer.Deliveries(ctx, "logcollector")
	if err != nil {
		return err
	}

	batchSize := c.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	interval := c.cfg.BatchInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []amqp.Delivery
	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.processBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, d)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// processBatch decodes every delivery, groups by correlationId, and sorts
// each group by worker-reported timestamp before writing, per spec.md
// section 4.10's ordering fix ("the implementation may sort each batch
// per-correlation before write").
func (c *Collector) processBatch(ctx context.Context, batch []amqp.Delivery) {
	type parsed struct {
		delivery amqp.Delivery
		msg      bus.LogMessage
	}

	byCorrelation := make(map[string][]parsed)
	var malformed []amqp.Delivery

	for _, d := range batch {
		var msg bus.LogMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			malformed = append(malformed, d)
			continue
		}
		byCorrelation[msg.CorrelationID] = append(byCorrelation[msg.CorrelationID], parsed{delivery: d, msg: msg})
	}

	for _, d := range malformed {
		slog.Default().WarnContext(ctx, "logcollector.malformed_message")
		_ = c.consumer.Discard(d)
	}

	for correlationID, entries := range byCorrelation {
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].msg.Log.Timestamp.Before(entries[j].msg.Log.Timestamp)
		})

		occ, err := c.occRepo.GetByID(ctx, correlationID)
		if err != nil {
			if err == postgres.ErrOccurrenceNotFound {
				slog.Default().WarnContext(ctx, "logcollector.unknown_correlation_id", "correlation_id", correlationID)
				for _, e := range entries {
					_ = c.consumer.Discard(e.delivery)
				}
				continue
			}
			slog.Default().ErrorContext(ctx, "logcollector.load_failed", "correlation_id", correlationID, "err", err)
			for _, e := range entries {
				if rErr := c.consumer.RetryOrDeadLetter(ctx, e.delivery); rErr != nil {
					slog.Default().ErrorContext(ctx, "logcollector.retry_failed", "err", rErr)
				}
			}
			continue
		}

		for _, e := range entries {
			occ.AppendLog(occurrence.LogEntry{
				Timestamp:     e.msg.Log.Timestamp,
				Level:         occurrence.LogLevel(e.msg.Log.Level),
				Message:       e.msg.Log.Message,
				Category:      e.msg.Log.Category,
				Data:          e.msg.Log.Data,
				ExceptionType: e.msg.Log.ExceptionType,
			}, c.maxCount)
		}

		if err := c.occRepo.AppendLogs(ctx, occ.OccurrenceID, occ.Logs); err != nil {
			slog.Default().ErrorContext(ctx, "logcollector.write_failed", "correlation_id", correlationID, "err", err)
			for _, e := range entries {
				if rErr := c.consumer.RetryOrDeadLetter(ctx, e.delivery); rErr != nil {
					slog.Default().ErrorContext(ctx, "logcollector.retry_failed", "err", rErr)
				}
			}
			continue
		}

		for _, e := range entries {
			_ = e.delivery.Ack(false)
		}
	}
}
