// Package cancellationbus implements CancellationBus: a single Redis pub/sub
// channel carrying best-effort in-flight cancellation signals, per spec.md
// section 4.5.
package cancellationbus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const defaultChannel = "cancellation_channel"

// Signal is the payload published on the cancellation channel.
type Signal struct {
	CorrelationID string `json:"correlationId"`
	JobID         string `json:"jobId"`
	OccurrenceID  string `json:"occurrenceId"`
	Reason        string `json:"reason"`
}

type Bus struct {
	rdb     *redis.Client
	channel string
}

func New(rdb *redis.Client, keyPrefix string) *Bus {
	return &Bus{rdb: rdb, channel: keyPrefix + defaultChannel}
}

// Publish is best-effort: delivery failures are returned but callers who
// require guaranteed cancellation must also poll occurrence status, per
// spec.md section 4.5.
func (b *Bus) Publish(ctx context.Context, sig Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, payload).Err()
}

// Subscribe returns a channel of decoded signals. Malformed payloads are
// silently dropped (protocol/schema errors per spec.md section 7). The
// caller must eventually cancel ctx to stop the subscription goroutine.
func (b *Bus) Subscribe(ctx context.Context) <-chan Signal {
	sub := b.rdb.Subscribe(ctx, b.channel)
	raw := sub.Channel()

	out := make(chan Signal)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var sig Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					continue
				}
				select {
				case out <- sig:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
