// Package store defines the persistence interface for the copy-trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every method is one isolated statement or transaction. Concurrent broadcast
// tasks each call the store independently and never share a session.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

var (
	// ErrNotFound is returned when a looked-up record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyFinalized is returned when an execution record is finalized twice.
	ErrAlreadyFinalized = errors.New("store: execution already finalized")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users and trading profiles ---

	// CreateUser persists a new user.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// UpsertProfile creates or replaces a user's trading profile.
	UpsertProfile(ctx context.Context, p *model.TradingProfile) error

	// GetProfile retrieves the trading profile of a user.
	GetProfile(ctx context.Context, userID string) (*model.TradingProfile, error)

	// --- Broker accounts ---

	// UpsertAccount creates or replaces a user's broker account.
	UpsertAccount(ctx context.Context, a *model.BrokerAccount) error

	// GetAccount retrieves an account by id regardless of status.
	GetAccount(ctx context.Context, id string) (*model.BrokerAccount, error)

	// GetUserAccount returns the user's linked account in any status.
	GetUserAccount(ctx context.Context, userID string) (*model.BrokerAccount, error)

	// GetActiveAccount returns the user's ACTIVE broker account.
	GetActiveAccount(ctx context.Context, userID string) (*model.BrokerAccount, error)

	// ListAccountsByStatus returns every account in the given status.
	ListAccountsByStatus(ctx context.Context, status model.AccountStatus) ([]model.BrokerAccount, error)

	// UpdateAccountToken stores a renewed sealed token and its expiry.
	UpdateAccountToken(ctx context.Context, id, sealed string, expiresAt, refreshedAt time.Time) error

	// SetAccountStatus changes an account's lifecycle status.
	SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error

	// --- Broadcasts ---

	// CreateBroadcast persists a new broadcast header.
	CreateBroadcast(ctx context.Context, b *model.Broadcast) error

	// SetBroadcastStatus moves a broadcast to an intermediate state.
	SetBroadcastStatus(ctx context.Context, id string, status model.BroadcastStatus) error

	// FinalizeBroadcast writes the final counts and terminal status.
	FinalizeBroadcast(ctx context.Context, id string, status model.BroadcastStatus, targeted, executed, failed int) error

	// GetBroadcast retrieves a broadcast by id.
	GetBroadcast(ctx context.Context, id string) (*model.Broadcast, error)

	// ListBroadcasts returns finalized broadcasts, newest first. An empty
	// adminID lists every admin's broadcasts.
	ListBroadcasts(ctx context.Context, adminID string, limit int) ([]model.Broadcast, error)

	// --- Order executions ---

	// CreateExecution persists a PENDING execution record.
	CreateExecution(ctx context.Context, e *model.OrderExecution) error

	// FinalizeExecution moves a PENDING record to its terminal state. It
	// returns ErrAlreadyFinalized if the record has left PENDING.
	FinalizeExecution(ctx context.Context, e *model.OrderExecution) error

	// ListExecutions returns the execution records of a broadcast.
	ListExecutions(ctx context.Context, broadcastID string) ([]model.OrderExecution, error)

	// --- Positions ---

	// CreatePosition persists a new position.
	CreatePosition(ctx context.Context, p *model.Position) error

	// UpdatePosition overwrites a position's mutable fields.
	UpdatePosition(ctx context.Context, p *model.Position) error

	// GetPosition retrieves a position by id.
	GetPosition(ctx context.Context, id string) (*model.Position, error)

	// FindOpenPosition returns the most recently updated OPEN position for
	// (user, account, symbol). With matchContract set, expiry, strike and
	// right must match as well.
	FindOpenPosition(ctx context.Context, userID, accountID string, key model.ContractKey, matchContract bool) (*model.Position, error)

	// ListPositions returns a user's positions, newest first. An empty status
	// lists all of them.
	ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error)

	// --- Token refresh log ---

	// InsertRefreshLog appends a token renewal attempt.
	InsertRefreshLog(ctx context.Context, l *model.TokenRefreshLog) error

	// ListRefreshLogs returns an account's renewal attempts, newest first.
	ListRefreshLogs(ctx context.Context, accountID string) ([]model.TokenRefreshLog, error)
}
