package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/autobotela-sys/saas-copy-trading/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// --- Users and profiles ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, role, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.Role, u.CreatedAt)
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, role, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Role, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user %s", id)
	}
	return &u, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p *model.TradingProfile) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_trading_profiles (user_id, lot_size_multiplier, risk_profile, max_loss_per_day, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (user_id) DO UPDATE
		 SET lot_size_multiplier = EXCLUDED.lot_size_multiplier,
		     risk_profile = EXCLUDED.risk_profile,
		     max_loss_per_day = EXCLUDED.max_loss_per_day,
		     updated_at = EXCLUDED.updated_at`,
		p.UserID, p.Multiplier, p.RiskProfile, nullDecimalArg(p.MaxLossPerDay), p.UpdatedAt)
	return err
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (*model.TradingProfile, error) {
	var p model.TradingProfile
	var maxLoss *string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, lot_size_multiplier, risk_profile, max_loss_per_day::TEXT, updated_at
		 FROM user_trading_profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.Multiplier, &p.RiskProfile, &maxLoss, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "profile for %s", userID)
	}
	p.MaxLossPerDay = parseNullDecimal(maxLoss)
	return &p, nil
}

// --- Broker accounts ---

const accountColumns = `id, user_id, broker_type, broker_account_id, access_token,
	token_expires_at, last_token_refresh_at, status`

func scanAccount(row pgx.Row) (*model.BrokerAccount, error) {
	var a model.BrokerAccount
	err := row.Scan(&a.ID, &a.UserID, &a.Variant, &a.ClientID, &a.AccessToken,
		&a.TokenExpiresAt, &a.LastRefreshedAt, &a.Status)
	return &a, err
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.BrokerAccount) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO broker_accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET broker_type = EXCLUDED.broker_type,
		     broker_account_id = EXCLUDED.broker_account_id,
		     access_token = EXCLUDED.access_token,
		     token_expires_at = EXCLUDED.token_expires_at,
		     last_token_refresh_at = EXCLUDED.last_token_refresh_at,
		     status = EXCLUDED.status,
		     updated_at = now()`,
		a.ID, a.UserID, a.Variant, a.ClientID, a.AccessToken,
		a.TokenExpiresAt, a.LastRefreshedAt, a.Status)
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.BrokerAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM broker_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "account %s", id)
	}
	return a, nil
}

func (s *PostgresStore) GetUserAccount(ctx context.Context, userID string) (*model.BrokerAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM broker_accounts
		 WHERE user_id = $1 ORDER BY updated_at DESC LIMIT 1`, userID))
	if err != nil {
		return nil, notFound(err, "account for %s", userID)
	}
	return a, nil
}

func (s *PostgresStore) GetActiveAccount(ctx context.Context, userID string) (*model.BrokerAccount, error) {
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM broker_accounts
		 WHERE user_id = $1 AND status = $2
		 ORDER BY updated_at DESC LIMIT 1`, userID, model.AccountActive))
	if err != nil {
		return nil, notFound(err, "active account for %s", userID)
	}
	return a, nil
}

func (s *PostgresStore) ListAccountsByStatus(ctx context.Context, status model.AccountStatus) ([]model.BrokerAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM broker_accounts
		 WHERE status = $1 ORDER BY token_expires_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.BrokerAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) UpdateAccountToken(ctx context.Context, id, sealed string, expiresAt, refreshedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE broker_accounts
		 SET access_token = $2, token_expires_at = $3, last_token_refresh_at = $4, updated_at = now()
		 WHERE id = $1`, id, sealed, expiresAt, refreshedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetAccountStatus(ctx context.Context, id string, status model.AccountStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE broker_accounts SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Broadcasts ---

const broadcastColumns = `id, admin_id, symbol, expiry, strike::TEXT, option_type, side,
	execution_type, limit_price::TEXT, product_type, broadcast_type, notes, status,
	total_users_targeted, total_orders_executed, total_orders_failed, broadcast_at`

func scanBroadcast(row pgx.Row) (*model.Broadcast, error) {
	var b model.Broadcast
	var strike string
	var limit *string
	err := row.Scan(&b.ID, &b.AdminID, &b.Symbol, &b.Expiry, &strike, &b.Right, &b.Side,
		&b.Style, &limit, &b.Product, &b.Purpose, &b.Notes, &b.Status,
		&b.Targeted, &b.Executed, &b.Failed, &b.BroadcastAt)
	if err != nil {
		return nil, err
	}
	b.Strike, _ = decimal.NewFromString(strike)
	b.LimitPrice = parseNullDecimal(limit)
	return &b, nil
}

func (s *PostgresStore) CreateBroadcast(ctx context.Context, b *model.Broadcast) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO broadcast_orders (id, admin_id, symbol, expiry, strike, option_type, side,
		        execution_type, limit_price, product_type, broadcast_type, notes, status,
		        total_users_targeted, total_orders_executed, total_orders_failed, broadcast_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10, $11, $12, $13, $14, $15, $16, $17)`,
		b.ID, b.AdminID, b.Symbol, b.Expiry, b.Strike.String(), b.Right, b.Side,
		b.Style, nullDecimalArg(b.LimitPrice), b.Product, b.Purpose, b.Notes, b.Status,
		b.Targeted, b.Executed, b.Failed, b.BroadcastAt)
	return err
}

func (s *PostgresStore) SetBroadcastStatus(ctx context.Context, id string, status model.BroadcastStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE broadcast_orders SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) FinalizeBroadcast(ctx context.Context, id string, status model.BroadcastStatus, targeted, executed, failed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE broadcast_orders
		 SET status = $2, total_users_targeted = $3, total_orders_executed = $4, total_orders_failed = $5
		 WHERE id = $1`, id, status, targeted, executed, failed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("broadcast %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetBroadcast(ctx context.Context, id string) (*model.Broadcast, error) {
	b, err := scanBroadcast(s.pool.QueryRow(ctx,
		`SELECT `+broadcastColumns+` FROM broadcast_orders WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "broadcast %s", id)
	}
	return b, nil
}

func (s *PostgresStore) ListBroadcasts(ctx context.Context, adminID string, limit int) ([]model.Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+broadcastColumns+` FROM broadcast_orders
		 WHERE status IN ($1, $2) AND ($3 = '' OR admin_id = $3)
		 ORDER BY broadcast_at DESC LIMIT $4`,
		model.BroadcastCompleted, model.BroadcastPartialSuccess, adminID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	broadcasts := make([]model.Broadcast, 0)
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		broadcasts = append(broadcasts, *b)
	}
	return broadcasts, rows.Err()
}

// --- Order executions ---

func (s *PostgresStore) CreateExecution(ctx context.Context, e *model.OrderExecution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO order_executions (id, broadcast_order_id, user_id, broker_type, quantity,
		        execution_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.BroadcastID, e.UserID, e.Variant, e.Quantity, e.Status, e.CreatedAt)
	return err
}

func (s *PostgresStore) FinalizeExecution(ctx context.Context, e *model.OrderExecution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE order_executions
		 SET execution_status = $2, broker_order_id = NULLIF($3, ''), error_message = NULLIF($4, ''),
		     entry_price = $5::NUMERIC, executed_at = $6
		 WHERE id = $1 AND execution_status = $7`,
		e.ID, e.Status, e.BrokerOrderID, e.ErrorMessage, nullDecimalArg(e.FillPrice), e.ExecutedAt,
		model.ExecutionPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s: %w", e.ID, ErrAlreadyFinalized)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, broadcastID string) ([]model.OrderExecution, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, broadcast_order_id, user_id, broker_type, quantity, execution_status,
		        COALESCE(broker_order_id, ''), COALESCE(error_message, ''), entry_price::TEXT,
		        executed_at, created_at
		 FROM order_executions WHERE broadcast_order_id = $1 ORDER BY created_at`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions := make([]model.OrderExecution, 0)
	for rows.Next() {
		var e model.OrderExecution
		var fill *string
		if err := rows.Scan(&e.ID, &e.BroadcastID, &e.UserID, &e.Variant, &e.Quantity, &e.Status,
			&e.BrokerOrderID, &e.ErrorMessage, &fill, &e.ExecutedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FillPrice = parseNullDecimal(fill)
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// --- Positions ---

const positionColumns = `id, user_id, broker_account_id, symbol, expiry, strike::TEXT, option_type,
	side, quantity, entry_price::TEXT, current_price::TEXT, pnl::TEXT, pnl_percentage::TEXT,
	position_status, last_updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var strike, entry string
	var current, pnl, pct *string
	err := row.Scan(&p.ID, &p.UserID, &p.AccountID, &p.Contract.Symbol, &p.Contract.Expiry, &strike,
		&p.Contract.Right, &p.Side, &p.Quantity, &entry, &current, &pnl, &pct,
		&p.Status, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Contract.Strike, _ = decimal.NewFromString(strike)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.CurrentPrice = parseNullDecimal(current)
	p.PnL = parseNullDecimal(pnl)
	p.PnLPercentage = parseNullDecimal(pct)
	return &p, nil
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (id, user_id, broker_account_id, symbol, expiry, strike, option_type,
		        side, quantity, entry_price, current_price, pnl, pnl_percentage,
		        position_status, last_updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10::NUMERIC, $11::NUMERIC,
		         $12::NUMERIC, $13::NUMERIC, $14, $15)`,
		p.ID, p.UserID, p.AccountID, p.Contract.Symbol, p.Contract.Expiry, p.Contract.Strike.String(),
		p.Contract.Right, p.Side, p.Quantity, p.EntryPrice.String(), nullDecimalArg(p.CurrentPrice),
		nullDecimalArg(p.PnL), nullDecimalArg(p.PnLPercentage), p.Status, p.UpdatedAt)
	return err
}

func (s *PostgresStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions
		 SET side = $2, quantity = $3, entry_price = $4::NUMERIC, current_price = $5::NUMERIC,
		     pnl = $6::NUMERIC, pnl_percentage = $7::NUMERIC, position_status = $8, last_updated_at = $9
		 WHERE id = $1`,
		p.ID, p.Side, p.Quantity, p.EntryPrice.String(), nullDecimalArg(p.CurrentPrice),
		nullDecimalArg(p.PnL), nullDecimalArg(p.PnLPercentage), p.Status, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "position %s", id)
	}
	return p, nil
}

func (s *PostgresStore) FindOpenPosition(ctx context.Context, userID, accountID string, key model.ContractKey, matchContract bool) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND broker_account_id = $2 AND symbol = $3 AND position_status = $4
		   AND (NOT $5 OR (expiry = $6 AND strike = $7::NUMERIC AND option_type = $8))
		 ORDER BY last_updated_at DESC LIMIT 1`,
		userID, accountID, key.Symbol, model.PositionOpen,
		matchContract, key.Expiry, key.Strike.String(), key.Right))
	if err != nil {
		return nil, notFound(err, "open position for %s/%s", userID, key.Symbol)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, status model.PositionStatus) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE user_id = $1 AND ($2 = '' OR position_status = $2)
		 ORDER BY last_updated_at DESC`, userID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// --- Token refresh log ---

func (s *PostgresStore) InsertRefreshLog(ctx context.Context, l *model.TokenRefreshLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO token_refresh_logs (id, broker_account_id, refresh_attempt_at, status,
		        error_message, old_expiry, new_expiry)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		l.ID, l.AccountID, l.AttemptedAt, l.Status, l.ErrorMessage, l.OldExpiry, l.NewExpiry)
	return err
}

func (s *PostgresStore) ListRefreshLogs(ctx context.Context, accountID string) ([]model.TokenRefreshLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, broker_account_id, refresh_attempt_at, status, COALESCE(error_message, ''),
		        old_expiry, new_expiry
		 FROM token_refresh_logs WHERE broker_account_id = $1
		 ORDER BY refresh_attempt_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []model.TokenRefreshLog
	for rows.Next() {
		var l model.TokenRefreshLog
		if err := rows.Scan(&l.ID, &l.AccountID, &l.AttemptedAt, &l.Status, &l.ErrorMessage,
			&l.OldExpiry, &l.NewExpiry); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Helpers ---

// notFound maps pgx.ErrNoRows to ErrNotFound and adds context to any error.
func notFound(err error, format string, args ...any) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("get %s: %w", what, err)
}

func nullDecimalArg(d decimal.NullDecimal) any {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

var _ Store = (*PostgresStore)(nil)
