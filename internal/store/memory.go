package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	users       map[string]*model.User
	profiles    map[string]*model.TradingProfile
	accounts    map[string]*model.BrokerAccount
	broadcasts  map[string]*model.Broadcast
	executions  map[string]*model.OrderExecution
	positions   map[string]*model.Position
	refreshLogs []model.TokenRefreshLog
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:      make(map[string]*model.User),
		profiles:   make(map[string]*model.TradingProfile),
		accounts:   make(map[string]*model.BrokerAccount),
		broadcasts: make(map[string]*model.Broadcast),
		executions: make(map[string]*model.OrderExecution),
		positions:  make(map[string]*model.Position),
	}
}

// --- Users and profiles ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s already exists", u.ID)
	}
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) UpsertProfile(_ context.Context, p *model.TradingProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.profiles[p.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetProfile(_ context.Context, userID string) (*model.TradingProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile for %s: %w", userID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

// --- Broker accounts ---

func (s *MemoryStore) UpsertAccount(_ context.Context, a *model.BrokerAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetUserAccount(_ context.Context, userID string) (*model.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.UserID == userID {
			copy := *a
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("account for %s: %w", userID, ErrNotFound)
}

func (s *MemoryStore) GetActiveAccount(_ context.Context, userID string) (*model.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.UserID == userID && a.Status == model.AccountActive {
			copy := *a
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("active account for %s: %w", userID, ErrNotFound)
}

func (s *MemoryStore) ListAccountsByStatus(_ context.Context, status model.AccountStatus) ([]model.BrokerAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.BrokerAccount
	for _, a := range s.accounts {
		if a.Status == status {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TokenExpiresAt.Before(result[j].TokenExpiresAt) })
	return result, nil
}

func (s *MemoryStore) UpdateAccountToken(_ context.Context, id, sealed string, expiresAt, refreshedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.AccessToken = sealed
	a.TokenExpiresAt = expiresAt
	a.LastRefreshedAt = &refreshedAt
	return nil
}

func (s *MemoryStore) SetAccountStatus(_ context.Context, id string, status model.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	a.Status = status
	return nil
}

// --- Broadcasts ---

func (s *MemoryStore) CreateBroadcast(_ context.Context, b *model.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.broadcasts[b.ID]; ok {
		return fmt.Errorf("broadcast %s already exists", b.ID)
	}
	copy := *b
	s.broadcasts[b.ID] = &copy
	return nil
}

func (s *MemoryStore) SetBroadcastStatus(_ context.Context, id string, status model.BroadcastStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok {
		return fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	b.Status = status
	return nil
}

func (s *MemoryStore) FinalizeBroadcast(_ context.Context, id string, status model.BroadcastStatus, targeted, executed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.broadcasts[id]
	if !ok {
		return fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	b.Status = status
	b.Targeted = targeted
	b.Executed = executed
	b.Failed = failed
	return nil
}

func (s *MemoryStore) GetBroadcast(_ context.Context, id string) (*model.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.broadcasts[id]
	if !ok {
		return nil, fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	copy := *b
	return &copy, nil
}

func (s *MemoryStore) ListBroadcasts(_ context.Context, adminID string, limit int) ([]model.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Broadcast, 0)
	for _, b := range s.broadcasts {
		if !b.Status.Finalized() {
			continue
		}
		if adminID != "" && b.AdminID != adminID {
			continue
		}
		result = append(result, *b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BroadcastAt.After(result[j].BroadcastAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Order executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, e *model.OrderExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.broadcasts[e.BroadcastID]; !ok {
		return fmt.Errorf("broadcast %s: %w", e.BroadcastID, ErrNotFound)
	}
	copy := *e
	s.executions[e.ID] = &copy
	return nil
}

func (s *MemoryStore) FinalizeExecution(_ context.Context, e *model.OrderExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.executions[e.ID]
	if !ok {
		return fmt.Errorf("execution %s: %w", e.ID, ErrNotFound)
	}
	if existing.Status != model.ExecutionPending {
		return fmt.Errorf("execution %s: %w", e.ID, ErrAlreadyFinalized)
	}
	existing.Status = e.Status
	existing.BrokerOrderID = e.BrokerOrderID
	existing.ErrorMessage = e.ErrorMessage
	existing.FillPrice = e.FillPrice
	existing.ExecutedAt = e.ExecutedAt
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, broadcastID string) ([]model.OrderExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.OrderExecution, 0)
	for _, e := range s.executions {
		if e.BroadcastID == broadcastID {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// --- Positions ---

func (s *MemoryStore) CreatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) UpdatePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	copy := *p
	s.positions[p.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) FindOpenPosition(_ context.Context, userID, accountID string, key model.ContractKey, matchContract bool) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Position
	for _, p := range s.positions {
		if p.UserID != userID || p.AccountID != accountID || p.Status != model.PositionOpen {
			continue
		}
		if !sameContract(p.Contract, key, matchContract) {
			continue
		}
		if found == nil || p.UpdatedAt.After(found.UpdatedAt) {
			found = p
		}
	}
	if found == nil {
		return nil, fmt.Errorf("open position for %s/%s: %w", userID, key.Symbol, ErrNotFound)
	}
	copy := *found
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Position, 0)
	for _, p := range s.positions {
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

// --- Token refresh log ---

func (s *MemoryStore) InsertRefreshLog(_ context.Context, l *model.TokenRefreshLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshLogs = append(s.refreshLogs, *l)
	return nil
}

func (s *MemoryStore) ListRefreshLogs(_ context.Context, accountID string) ([]model.TokenRefreshLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TokenRefreshLog
	for i := len(s.refreshLogs) - 1; i >= 0; i-- {
		if s.refreshLogs[i].AccountID == accountID {
			result = append(result, s.refreshLogs[i])
		}
	}
	return result, nil
}

// sameContract reports whether a position's contract matches key. The
// symbol always has to match; the rest only with matchContract.
func sameContract(have, want model.ContractKey, matchContract bool) bool {
	if have.Symbol != want.Symbol {
		return false
	}
	if !matchContract {
		return true
	}
	return have.Expiry == want.Expiry && have.Strike.Equal(want.Strike) && have.Right == want.Right
}

var _ Store = (*MemoryStore)(nil)
