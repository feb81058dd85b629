package delivery

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/openanalyst/agent-gateway/internal/domain"
	"github.com/openanalyst/agent-gateway/internal/repo"
)

// Result is a completed (or failed) worker response ready for routing.
type Result struct {
	CorrelationID  string
	UserID         string
	ConversationID string
	Status         domain.Status
	Response       json.RawMessage
	ErrorMessage   string
}

// Router delivers completed responses to whichever channel is live, in a
// fixed precedence order:
//
//  1. the dedicated per-correlation watch channel, if registered;
//  2. broadcast to every live channel in the user's set;
//  3. nobody live: notify in-process waiters and leave the record completed
//     for the pull endpoint.
//
// A client that opened a dedicated watch channel is explicitly waiting for
// exactly this result, so it must not also receive it duplicated through a
// general user stream, hence the precedence. Tier 3 is not a failure; it is
// the designed offline path.
type Router struct {
	DB       *gorm.DB
	Registry *Registry
	Waiters  *Waiters
	Log      zerolog.Logger
}

// NewRouter constructs a Router over the given store handle, registries, and
// waiter registry.
func NewRouter(db *gorm.DB, reg *Registry, w *Waiters, log zerolog.Logger) *Router {
	return &Router{DB: db, Registry: reg, Waiters: w, Log: log}
}

// event converts a routed result into the wire event pushed to channels.
func (res Result) event() Event {
	return Event{
		Type:           EventResponse,
		CorrelationID:  res.CorrelationID,
		ConversationID: res.ConversationID,
		Status:         res.Status,
		Response:       res.Response,
		ErrorMessage:   res.ErrorMessage,
	}
}

// Deliver routes one completed response. It returns an error only on storage
// failure; "no live channel" is a normal outcome. Duplicate calls for an
// already-delivered correlation id are no-ops at the store level.
func (r *Router) Deliver(ctx context.Context, res Result) error {
	ev := res.event()
	lg := r.Log.With().
		Str("correlation_id", res.CorrelationID).
		Str("user_id", res.UserID).
		Logger()

	// Tier 1: dedicated watch channel. Take it out of the registry first so
	// the one-shot channel can never see the same result twice.
	if ch := r.Registry.TakeCorrelation(res.CorrelationID); ch != nil {
		if err := ch.Send(ev); err == nil {
			flipped, err := repo.MarkDelivered(ctx, r.DB, res.CorrelationID)
			if err != nil {
				return err
			}
			deliveriesTotal.WithLabelValues("correlation", string(res.Status)).Inc()
			lg.Debug().Bool("delivered", flipped).Msg("routed via correlation channel")
			return nil
		}
		// Dead watch channel: close it and fall through to the user tier.
		pushFailures.Inc()
		_ = ch.Close()
	}

	// Tier 2: broadcast to the user's live channels. Every duplicate tab or
	// device sees the result; channels that error are evicted.
	pushed := false
	for _, ch := range r.Registry.UserChannels(res.UserID) {
		if err := ch.Send(ev); err != nil {
			pushFailures.Inc()
			r.Registry.UnregisterUser(res.UserID, ch)
			_ = ch.Close()
			continue
		}
		pushed = true
	}
	if pushed {
		flipped, err := repo.MarkDelivered(ctx, r.DB, res.CorrelationID)
		if err != nil {
			return err
		}
		deliveriesTotal.WithLabelValues("user", string(res.Status)).Inc()
		lg.Debug().Bool("delivered", flipped).Msg("routed via user broadcast")
		return nil
	}

	// Tier 3: nobody live. Wake any in-process waiter keyed by correlation
	// id or by user, and leave the record completed for the pull path.
	r.Waiters.Notify(res.CorrelationID, ev)
	r.Waiters.Notify(UserKey(res.UserID), ev)
	deliveriesTotal.WithLabelValues("offline", string(res.Status)).Inc()
	lg.Debug().Msg("no live channel; held for pull")
	return nil
}
