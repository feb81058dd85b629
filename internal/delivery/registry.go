package delivery

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxChannelsPerUser bounds how many live channels one user may hold
// before the oldest is evicted. The bound keeps a misbehaving client from
// growing the registry without limit.
const DefaultMaxChannelsPerUser = 8

// Registry owns both live-channel indexes: the per-user set (many channels
// per user, broadcast targets) and the per-correlation index (at most one
// dedicated channel per outstanding request). It is process-local state,
// constructed once and passed explicitly to the HTTP layer and the router,
// never reached through a global.
//
// The lock guards only map mutations; channel writes happen outside it.
type Registry struct {
	mu         sync.Mutex
	users      map[string][]Channel // oldest first, eviction order
	corr       map[string]Channel
	maxPerUser int
	log        zerolog.Logger
}

// NewRegistry constructs an empty registry. maxPerUser <= 0 selects
// DefaultMaxChannelsPerUser.
func NewRegistry(maxPerUser int, log zerolog.Logger) *Registry {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxChannelsPerUser
	}
	return &Registry{
		users:      make(map[string][]Channel),
		corr:       make(map[string]Channel),
		maxPerUser: maxPerUser,
		log:        log,
	}
}

// RegisterUser adds a live channel to the user's set, sends the connected
// acknowledgement, and arranges removal when the channel closes. When the
// user is at the channel cap the oldest channel is closed and evicted so a
// reconnecting client always wins.
func (r *Registry) RegisterUser(userID string, ch Channel) {
	var evicted Channel
	r.mu.Lock()
	set := r.users[userID]
	if len(set) >= r.maxPerUser {
		evicted = set[0]
		set = set[1:]
	}
	r.users[userID] = append(set, ch)
	r.mu.Unlock()

	if evicted != nil {
		_ = evicted.Close()
		r.log.Debug().Str("user_id", userID).Msg("evicted oldest channel at cap")
		liveChannels.WithLabelValues("user").Dec()
	}

	liveChannels.WithLabelValues("user").Inc()
	_ = ch.Send(Event{Type: EventConnected})

	go func() {
		<-ch.Done()
		r.UnregisterUser(userID, ch)
	}()
}

// UnregisterUser removes one channel from the user's set. The user entry
// itself is dropped once the set becomes empty. Safe to call more than once
// for the same channel.
func (r *Registry) UnregisterUser(userID string, ch Channel) {
	r.mu.Lock()
	set := r.users[userID]
	for i, c := range set {
		if c == ch {
			set = append(set[:i], set[i+1:]...)
			liveChannels.WithLabelValues("user").Dec()
			break
		}
	}
	if len(set) == 0 {
		delete(r.users, userID)
	} else {
		r.users[userID] = set
	}
	r.mu.Unlock()
}

// UserChannels returns a snapshot of the user's live channels.
func (r *Registry) UserChannels(userID string) []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.users[userID]
	out := make([]Channel, len(set))
	copy(out, set)
	return out
}

// RegisterCorrelation installs the dedicated watch channel for one
// correlation id, sends the connected acknowledgement, and arranges removal
// on close. A previous channel for the same id is closed and replaced.
func (r *Registry) RegisterCorrelation(correlationID string, ch Channel) {
	r.mu.Lock()
	prev := r.corr[correlationID]
	r.corr[correlationID] = ch
	r.mu.Unlock()

	if prev != nil && prev != ch {
		_ = prev.Close()
		liveChannels.WithLabelValues("correlation").Dec()
	}

	liveChannels.WithLabelValues("correlation").Inc()
	_ = ch.Send(Event{Type: EventConnected, CorrelationID: correlationID})

	go func() {
		<-ch.Done()
		r.UnregisterCorrelation(correlationID, ch)
	}()
}

// UnregisterCorrelation removes the watch channel for correlationID, but only
// if ch is still the registered one (a replacement must not be torn down by
// the replaced channel's watcher).
func (r *Registry) UnregisterCorrelation(correlationID string, ch Channel) {
	r.mu.Lock()
	if r.corr[correlationID] == ch {
		delete(r.corr, correlationID)
		liveChannels.WithLabelValues("correlation").Dec()
	}
	r.mu.Unlock()
}

// TakeCorrelation removes and returns the dedicated channel for
// correlationID, or nil when none is registered. The router uses this so the
// one-shot watch channel cannot receive the same result twice.
func (r *Registry) TakeCorrelation(correlationID string) Channel {
	r.mu.Lock()
	ch, ok := r.corr[correlationID]
	if ok {
		delete(r.corr, correlationID)
		liveChannels.WithLabelValues("correlation").Dec()
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ch
}
