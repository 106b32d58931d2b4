package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tradeview/streamrelay/internal/upstream"
)

// UpstreamSubscriber is the subset of the gateway client the registry
// needs to keep upstream state in line with its refcounts.
type UpstreamSubscriber interface {
	SubscribeBatch(ctx context.Context, token string, instruments []string) ([]upstream.SubscribeResult, error)
	UnsubscribeBatch(ctx context.Context, token string, subscriptionIDs []string) error
}

// Config controls upstream batching behavior.
type Config struct {
	// BatchSize caps how many instruments go in one upstream round trip.
	BatchSize int
}

// DefaultConfig returns registry configuration with the gateway's
// documented batch limit.
func DefaultConfig() Config {
	return Config{BatchSize: 10}
}

type sub struct {
	refCount int
}

// Registry tracks per-user instrument subscriptions with reference
// counts and mirrors first/last transitions to the upstream gateway.
type Registry struct {
	cfg      Config
	upstream UpstreamSubscriber
	logger   *slog.Logger

	mu    sync.Mutex
	users map[string]map[string]*sub
	// handles maps userID → instrumentID → upstream subscription id.
	// Kept apart from the refcount table so a handle survives until
	// the upstream unsubscribe actually consumes it.
	handles map[string]map[string]string
}

// New creates a subscription registry. If logger is nil, slog.Default()
// is used.
func New(cfg Config, up UpstreamSubscriber, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Registry{
		cfg:      cfg,
		upstream: up,
		logger:   logger,
		users:    make(map[string]map[string]*sub),
		handles:  make(map[string]map[string]string),
	}
}

// Subscribe increments the refcount for (userID, instrumentID) and
// reports whether this is the first subscriber of that pair. Callers
// start polling and register upstream only when first is true.
func (r *Registry) Subscribe(userID, instrumentID string) (first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.users[userID]
	if !ok {
		subs = make(map[string]*sub)
		r.users[userID] = subs
	}
	s, ok := subs[instrumentID]
	if !ok {
		subs[instrumentID] = &sub{refCount: 1}
		return true
	}
	s.refCount++
	return false
}

// Unsubscribe decrements the refcount for (userID, instrumentID) and
// reports whether the last subscriber just left. Releasing a pair that
// is not held is a no-op returning false, so duplicate unsubscribes and
// teardown races are harmless.
func (r *Registry) Unsubscribe(userID, instrumentID string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.users[userID]
	if !ok {
		return false
	}
	s, ok := subs[instrumentID]
	if !ok {
		return false
	}
	s.refCount--
	if s.refCount > 0 {
		return false
	}
	delete(subs, instrumentID)
	if len(subs) == 0 {
		delete(r.users, userID)
	}
	return true
}

// DropInstrument removes a (user, instrument) pair outright, ignoring
// its refcount. Used when polling escalates an instrument away and all
// of its subscribers have already been notified.
func (r *Registry) DropInstrument(userID, instrumentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.users[userID]
	if !ok {
		return
	}
	delete(subs, instrumentID)
	if len(subs) == 0 {
		delete(r.users, userID)
	}
}

// RefCount returns the current subscriber count for a pair.
func (r *Registry) RefCount(userID, instrumentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.users[userID][instrumentID]; ok {
		return s.refCount
	}
	return 0
}

// ActiveInstruments returns the sorted instruments the user currently
// holds at least one subscription for.
func (r *Registry) ActiveInstruments(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.users[userID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// DropUser removes every subscription held by the user and returns the
// instruments that were active, so callers can stop their pollers. Used
// when a session expires or the last connection of a user goes away.
func (r *Registry) DropUser(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.users[userID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	delete(r.users, userID)
	delete(r.handles, userID)
	sort.Strings(out)
	return out
}

// EnsureUpstream registers the given instruments with the gateway for
// the user's session. Instruments are sent in batches of at most
// BatchSize; a failed batch is retried one instrument at a time before
// any error is surfaced. The returned map holds an entry per instrument
// that could not be registered.
func (r *Registry) EnsureUpstream(ctx context.Context, token, userID string, instruments []string) map[string]error {
	failed := make(map[string]error)

	for _, batch := range chunk(instruments, r.cfg.BatchSize) {
		results, err := r.upstream.SubscribeBatch(ctx, token, batch)
		if err != nil {
			r.logger.Warn("batch subscribe failed, retrying individually",
				"user_id", userID, "batch_size", len(batch), "error", err)
			for _, id := range batch {
				r.retryOne(ctx, token, userID, id, failed)
			}
			continue
		}
		for _, res := range results {
			if res.Err != "" {
				r.logger.Warn("instrument subscribe rejected, retrying",
					"user_id", userID, "instrument_id", res.ConID, "error", res.Err)
				r.retryOne(ctx, token, userID, res.ConID, failed)
				continue
			}
			r.setHandle(userID, res.ConID, res.SubscriptionID)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return failed
}

// retryOne makes a single-instrument subscribe attempt and records the
// failure if it does not succeed.
func (r *Registry) retryOne(ctx context.Context, token, userID, instrumentID string, failed map[string]error) {
	results, err := r.upstream.SubscribeBatch(ctx, token, []string{instrumentID})
	if err != nil {
		failed[instrumentID] = err
		return
	}
	for _, res := range results {
		if res.ConID != instrumentID {
			continue
		}
		if res.Err != "" {
			failed[instrumentID] = fmt.Errorf("upstream rejected subscribe: %s", res.Err)
			return
		}
		r.setHandle(userID, instrumentID, res.SubscriptionID)
		return
	}
	failed[instrumentID] = fmt.Errorf("upstream response missing instrument %s", instrumentID)
}

// ReleaseUpstream tears down the upstream subscriptions for the given
// instruments, batching the stored handles. Instruments with no stored
// handle are skipped. Errors are logged, not returned: by the time we
// unsubscribe the local state is already gone and the gateway drops
// stale subscriptions on session expiry anyway.
func (r *Registry) ReleaseUpstream(ctx context.Context, token, userID string, instruments []string) {
	handles := r.takeHandles(userID, instruments)
	if len(handles) == 0 {
		return
	}
	for _, batch := range chunk(handles, r.cfg.BatchSize) {
		if err := r.upstream.UnsubscribeBatch(ctx, token, batch); err != nil {
			r.logger.Warn("batch unsubscribe failed",
				"user_id", userID, "batch_size", len(batch), "error", err)
		}
	}
}

func (r *Registry) setHandle(userID, instrumentID, subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byUser, ok := r.handles[userID]
	if !ok {
		byUser = make(map[string]string)
		r.handles[userID] = byUser
	}
	byUser[instrumentID] = subscriptionID
}

// takeHandles collects and clears the upstream handles for the given
// instruments. Instruments with no stored handle are skipped.
func (r *Registry) takeHandles(userID string, instruments []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	byUser := r.handles[userID]
	var handles []string
	for _, id := range instruments {
		h, ok := byUser[id]
		if !ok {
			continue
		}
		handles = append(handles, h)
		delete(byUser, id)
	}
	if len(byUser) == 0 {
		delete(r.handles, userID)
	}
	return handles
}

func chunk(items []string, size int) [][]string {
	if len(items) == 0 {
		return nil
	}
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	return append(out, items)
}
