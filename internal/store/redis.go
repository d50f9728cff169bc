package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only data that is safe to serve stale for one TTL is cached: users,
// trading profiles, and finalized broadcasts with their executions. Broker
// accounts and positions always hit the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertProfile(ctx context.Context, p *model.TradingProfile) error {
	if err := s.Store.UpsertProfile(ctx, p); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, profileKey(p.UserID))
	return nil
}

func (s *CachedStore) SetBroadcastStatus(ctx context.Context, id string, status model.BroadcastStatus) error {
	if err := s.Store.SetBroadcastStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, broadcastKey(id), executionsKey(id))
	return nil
}

func (s *CachedStore) FinalizeBroadcast(ctx context.Context, id string, status model.BroadcastStatus, targeted, executed, failed int) error {
	if err := s.Store.FinalizeBroadcast(ctx, id, status, targeted, executed, failed); err != nil {
		return err
	}
	s.rdb.Del(ctx, broadcastKey(id), executionsKey(id))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.get(ctx, userKey(id), &u) {
		return &u, nil
	}

	got, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, userKey(id), got)
	return got, nil
}

func (s *CachedStore) GetProfile(ctx context.Context, userID string) (*model.TradingProfile, error) {
	var p model.TradingProfile
	if s.get(ctx, profileKey(userID), &p) {
		return &p, nil
	}

	got, err := s.Store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, profileKey(userID), got)
	return got, nil
}

func (s *CachedStore) GetBroadcast(ctx context.Context, id string) (*model.Broadcast, error) {
	var b model.Broadcast
	if s.get(ctx, broadcastKey(id), &b) {
		return &b, nil
	}

	got, err := s.Store.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	// In-flight broadcasts still change.
	if got.Status.Finalized() {
		s.set(ctx, broadcastKey(id), got)
	}
	return got, nil
}

func (s *CachedStore) ListExecutions(ctx context.Context, broadcastID string) ([]model.OrderExecution, error) {
	var executions []model.OrderExecution
	if s.get(ctx, executionsKey(broadcastID), &executions) {
		return executions, nil
	}

	executions, err := s.Store.ListExecutions(ctx, broadcastID)
	if err != nil {
		return nil, err
	}
	if b, err := s.Store.GetBroadcast(ctx, broadcastID); err == nil && b.Status.Finalized() {
		s.set(ctx, executionsKey(broadcastID), executions)
	}
	return executions, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string { return fmt.Sprintf("user:%s", id) }
func profileKey(uid string) string { return fmt.Sprintf("profile:%s", uid) }
func broadcastKey(id string) string { return fmt.Sprintf("broadcast:%s", id) }
func executionsKey(id string) string { return fmt.Sprintf("broadcast:%s:executions", id) }

var _ Store = (*CachedStore)(nil)
