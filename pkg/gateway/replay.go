package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNonceReused is returned when a nonce has been seen before.
	ErrNonceReused = errors.New("gateway: nonce reused")
	// ErrTimestampOutOfWindow is returned when a request timestamp falls
	// outside the accepted window.
	ErrTimestampOutOfWindow = errors.New("gateway: timestamp out of window")
	// ErrReplayStore is returned when the nonce store itself fails.
	ErrReplayStore = errors.New("gateway: nonce store unavailable")
)

// Replay window bounds: requests may lag up to five minutes and lead by
// at most the clock-skew allowance.
const (
	ReplayWindow = 300 * time.Second
	ClockSkew    = 60 * time.Second
)

// NonceStore records nonces with a TTL. Seen reports whether the nonce
// was already present before this call.
type NonceStore interface {
	Seen(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore is the single-instance nonce store.
type MemoryNonceStore struct {
	cache *gocache.Cache
}

// NewMemoryNonceStore builds a bounded in-process TTL set.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{cache: gocache.New(ReplayWindow+ClockSkew, time.Minute)}
}

func (s *MemoryNonceStore) Seen(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	if err := s.cache.Add(nonce, struct{}{}, ttl); err != nil {
		return true, nil
	}
	return false, nil
}

// RedisNonceStore shares the nonce set across gateway instances.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore builds a Redis-backed nonce store.
func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "caracal:nonce:"}
}

func (s *RedisNonceStore) Seen(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrReplayStore, err)
	}
	return !set, nil
}

// ReplayStats are the replay-defense counters.
type ReplayStats struct {
	Checked        uint64 `json:"checked"`
	NonceBlocks    uint64 `json:"nonce_blocks"`
	StaleBlocks    uint64 `json:"stale_timestamp_blocks"`
	MissingHeaders uint64 `json:"missing_headers"`
}

// ReplayGuard enforces nonce and timestamp replay defense. Defense is
// opt-in per request: requests without the headers pass with a warning.
type ReplayGuard struct {
	store  NonceStore
	clock  func() time.Time
	logger *slog.Logger

	checked        atomic.Uint64
	nonceBlocks    atomic.Uint64
	staleBlocks    atomic.Uint64
	missingHeaders atomic.Uint64
}

// NewReplayGuard wires a guard over the given nonce store.
func NewReplayGuard(store NonceStore) *ReplayGuard {
	return &ReplayGuard{
		store:  store,
		clock:  time.Now,
		logger: slog.Default().With("component", "replay_guard"),
	}
}

// WithClock overrides the clock for testing.
func (g *ReplayGuard) WithClock(clock func() time.Time) *ReplayGuard {
	g.clock = clock
	return g
}

// Check applies replay defense to the request. The timestamp window is
// [now-300s, now+60s]; a seen nonce always rejects.
func (g *ReplayGuard) Check(r *http.Request) error {
	nonce := r.Header.Get("X-Nonce")
	rawTS := r.Header.Get("X-Timestamp")

	if nonce == "" && rawTS == "" {
		g.missingHeaders.Add(1)
		g.logger.Warn("request without replay defense headers",
			"method", r.Method, "path", r.URL.Path)
		return nil
	}
	g.checked.Add(1)

	if rawTS != "" {
		unix, err := strconv.ParseInt(rawTS, 10, 64)
		if err != nil {
			g.staleBlocks.Add(1)
			return fmt.Errorf("%w: unparseable X-Timestamp %q", ErrTimestampOutOfWindow, rawTS)
		}
		now := g.clock()
		ts := time.Unix(unix, 0)
		if ts.Before(now.Add(-ReplayWindow)) || ts.After(now.Add(ClockSkew)) {
			g.staleBlocks.Add(1)
			return fmt.Errorf("%w: timestamp %d outside [now-%s, now+%s]",
				ErrTimestampOutOfWindow, unix, ReplayWindow, ClockSkew)
		}
	}

	if nonce != "" {
		seen, err := g.store.Seen(r.Context(), nonce, ReplayWindow+ClockSkew)
		if err != nil {
			return err
		}
		if seen {
			g.nonceBlocks.Add(1)
			return fmt.Errorf("%w: nonce %q", ErrNonceReused, nonce)
		}
	}
	return nil
}

// Stats reports the guard's counters.
func (g *ReplayGuard) Stats() ReplayStats {
	return ReplayStats{
		Checked:        g.checked.Load(),
		NonceBlocks:    g.nonceBlocks.Load(),
		StaleBlocks:    g.staleBlocks.Load(),
		MissingHeaders: g.missingHeaders.Load(),
	}
}
