package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/openanalyst/agent-gateway/internal/delivery"
	"github.com/openanalyst/agent-gateway/internal/domain"
	"github.com/openanalyst/agent-gateway/internal/repo"
)

var consumerMessages = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_broker_messages_total",
		Help: "Response-stream messages handled by the consumer, by outcome.",
	},
	[]string{"outcome"}, // routed | dropped | retried
)

func init() {
	prometheus.MustRegister(consumerMessages)
}

// Consumer reads the response stream under a consumer group dedicated to the
// gateway (isolated from any worker-side group, so worker throughput never
// couples to delivery). Messages are processed one at a time and only
// acknowledged after store transitions and delivery routing complete: a crash
// mid-delivery leaves the entry pending and it is redelivered on restart.
// The conditional transitions in the correlation store make that redelivery
// harmless.
type Consumer struct {
	rdb    *redis.Client
	stream string
	group  string
	name   string
	router *delivery.Router
	db     *gorm.DB
	log    zerolog.Logger

	// block bounds each XREADGROUP call so ctx cancellation is observed.
	block time.Duration
}

// NewConsumer constructs a consumer for the response stream. name must be
// unique per process within the group.
func NewConsumer(rdb *redis.Client, stream, group, name string, db *gorm.DB, router *delivery.Router, log zerolog.Logger) *Consumer {
	return &Consumer{
		rdb:    rdb,
		stream: stream,
		group:  group,
		name:   name,
		router: router,
		db:     db,
		log:    log,
		block:  time.Second,
	}
}

// Run creates the consumer group if needed, drains this consumer's pending
// entries from a previous run, then consumes new messages until ctx is
// canceled. It never returns on message-level errors; only ctx cancellation
// stops the loop.
func (c *Consumer) Run(ctx context.Context) {
	if err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err(); err != nil {
		// BUSYGROUP means the group already exists, which is fine.
		if !strings.Contains(strings.ToLower(err.Error()), "busygroup") {
			c.log.Warn().Err(err).Str("stream", c.stream).Msg("create consumer group failed")
		}
	}

	c.log.Info().
		Str("stream", c.stream).
		Str("group", c.group).
		Str("consumer", c.name).
		Msg("broker consumer started")

	// First pass over our own pending entry list: messages read but never
	// acknowledged before a crash.
	c.consume(ctx, "0")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("broker consumer stopped")
			return
		default:
		}
		c.consume(ctx, ">")
	}
}

// consume performs one XREADGROUP call from the given cursor and processes
// every returned message.
func (c *Consumer) consume(ctx context.Context, cursor string) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, cursor},
		Count:    16,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.log.Warn().Err(err).Msg("xreadgroup failed")
		return
	}

	for _, st := range streams {
		for _, msg := range st.Messages {
			ack, err := c.handle(ctx, msg)
			if err != nil {
				// Storage failure: leave the entry pending so it is
				// redelivered, and back off rather than spin on it.
				consumerMessages.WithLabelValues("retried").Inc()
				c.log.Error().Err(err).Str("entry_id", msg.ID).Msg("message handling failed; will redeliver")
				return
			}
			if ack {
				_ = c.rdb.XAck(ctx, c.stream, c.group, msg.ID).Err()
			}
		}
	}
}

// handle processes one response-stream entry. The returned bool says whether
// the entry should be acknowledged; malformed messages are acknowledged (and
// dropped) so a poison message cannot wedge the group, while storage errors
// return err and keep the entry pending.
func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) (bool, error) {
	m, err := DecodeCompletion(msg.Values)
	if err != nil {
		consumerMessages.WithLabelValues("dropped").Inc()
		c.log.Warn().Err(err).Str("entry_id", msg.ID).Msg("dropping malformed message")
		return true, nil
	}

	lg := c.log.With().
		Str("correlation_id", m.CorrelationID).
		Str("user_id", m.UserID).
		Str("status", string(m.Status)).
		Logger()

	switch m.Status {
	case domain.StatusProcessing:
		// Worker progress signal: claim the record if still unclaimed.
		if _, err := repo.MarkProcessing(ctx, c.db, m.CorrelationID); err != nil {
			return false, err
		}
		consumerMessages.WithLabelValues("routed").Inc()
		return true, nil

	case domain.StatusCompleted:
		// Claim first so a concurrent duplicate observes the record out of
		// pending; losing the claim is fine, the completion still lands.
		if _, err := repo.MarkProcessing(ctx, c.db, m.CorrelationID); err != nil {
			return false, err
		}
		if err := repo.MarkCompleted(ctx, c.db, m.CorrelationID, []byte(m.Response)); err != nil {
			switch {
			case errors.Is(err, repo.ErrAlreadyDelivered):
				// Redelivered entry for a result the client already has.
				// Routing it again would push a duplicate, so ack and drop.
				consumerMessages.WithLabelValues("dropped").Inc()
				lg.Debug().Msg("duplicate completion for delivered record")
				return true, nil
			case repo.IsNotFound(err):
				// Record expired or was deleted; nothing to deliver.
				consumerMessages.WithLabelValues("dropped").Inc()
				lg.Warn().Msg("completion for unknown or expired record")
				return true, nil
			default:
				return false, err
			}
		}

	case domain.StatusFailed:
		if err := repo.MarkFailed(ctx, c.db, m.CorrelationID, m.ErrorMessage); err != nil {
			if repo.IsNotFound(err) {
				consumerMessages.WithLabelValues("dropped").Inc()
				lg.Warn().Msg("failure for unknown or expired record")
				return true, nil
			}
			return false, err
		}

	case domain.StatusPending, domain.StatusDelivered, domain.StatusExpired:
		// DecodeCompletion rejects these already.
		consumerMessages.WithLabelValues("dropped").Inc()
		return true, nil
	}

	// Route the result; the entry is acknowledged only after routing ran.
	err = c.router.Deliver(ctx, delivery.Result{
		CorrelationID:  m.CorrelationID,
		UserID:         m.UserID,
		ConversationID: m.ConversationID,
		Status:         m.Status,
		Response:       json.RawMessage(m.Response),
		ErrorMessage:   m.ErrorMessage,
	})
	if err != nil {
		return false, err
	}
	consumerMessages.WithLabelValues("routed").Inc()
	return true, nil
}
