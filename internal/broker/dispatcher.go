package broker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Dispatcher publishes request envelopes to the request stream. It is the
// producer half of the broker contract: the correlation store record must
// already exist (status pending) before Dispatch is called, so a crash
// between the two leaves a record the polling fallback can still pick up.
type Dispatcher struct {
	rdb    *redis.Client
	stream string
	log    zerolog.Logger
}

// NewDispatcher constructs a Dispatcher for the given request stream.
func NewDispatcher(rdb *redis.Client, stream string, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{rdb: rdb, stream: stream, log: log}
}

// Dispatch appends the request envelope to the request stream.
func (d *Dispatcher) Dispatch(ctx context.Context, msg RequestMessage) error {
	if msg.SubmittedAt.IsZero() {
		msg.SubmittedAt = time.Now().UTC()
	}
	values, err := msg.Values()
	if err != nil {
		return err
	}
	id, err := d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: d.stream,
		Values: values,
	}).Result()
	if err != nil {
		return err
	}
	d.log.Debug().
		Str("correlation_id", msg.CorrelationID).
		Str("stream", d.stream).
		Str("entry_id", id).
		Msg("request dispatched")
	return nil
}
