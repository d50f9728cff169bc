package store

// schema is applied by PostgresStore.Migrate. Statements are idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id          TEXT PRIMARY KEY,
	email       TEXT NOT NULL UNIQUE,
	role        TEXT NOT NULL DEFAULT 'USER',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_trading_profiles (
	user_id              TEXT PRIMARY KEY REFERENCES users(id),
	lot_size_multiplier  INTEGER NOT NULL DEFAULT 1 CHECK (lot_size_multiplier BETWEEN 1 AND 3),
	risk_profile         TEXT NOT NULL DEFAULT 'MODERATE',
	max_loss_per_day     NUMERIC(12, 2),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS broker_accounts (
	id                     TEXT PRIMARY KEY,
	user_id                TEXT NOT NULL REFERENCES users(id),
	broker_type            TEXT NOT NULL,
	broker_account_id      TEXT NOT NULL,
	access_token           TEXT NOT NULL,
	token_expires_at       TIMESTAMPTZ NOT NULL,
	last_token_refresh_at  TIMESTAMPTZ,
	status                 TEXT NOT NULL DEFAULT 'ACTIVE',
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_broker_accounts_user_status ON broker_accounts (user_id, status);

CREATE TABLE IF NOT EXISTS broadcast_orders (
	id                     TEXT PRIMARY KEY,
	admin_id               TEXT NOT NULL,
	symbol                 TEXT NOT NULL,
	expiry                 TEXT NOT NULL,
	strike                 NUMERIC(10, 2) NOT NULL,
	option_type            TEXT NOT NULL,
	side                   TEXT NOT NULL,
	execution_type         TEXT NOT NULL,
	limit_price            NUMERIC(10, 2),
	product_type           TEXT NOT NULL DEFAULT 'MIS',
	broadcast_type         TEXT NOT NULL,
	notes                  TEXT NOT NULL DEFAULT '',
	status                 TEXT NOT NULL,
	total_users_targeted   INTEGER NOT NULL DEFAULT 0,
	total_orders_executed  INTEGER NOT NULL DEFAULT 0,
	total_orders_failed    INTEGER NOT NULL DEFAULT 0,
	broadcast_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT limit_price_matches_style CHECK (
		(execution_type = 'LIMIT' AND limit_price IS NOT NULL) OR
		(execution_type = 'MARKET' AND limit_price IS NULL)
	)
);
CREATE INDEX IF NOT EXISTS idx_broadcast_orders_admin_at ON broadcast_orders (admin_id, broadcast_at DESC);

CREATE TABLE IF NOT EXISTS order_executions (
	id                  TEXT PRIMARY KEY,
	broadcast_order_id  TEXT NOT NULL REFERENCES broadcast_orders(id),
	user_id             TEXT NOT NULL,
	broker_type         TEXT NOT NULL,
	broker_order_id     TEXT,
	quantity            INTEGER NOT NULL,
	entry_price         NUMERIC(10, 2),
	execution_status    TEXT NOT NULL DEFAULT 'PENDING',
	error_message       TEXT,
	executed_at         TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_order_executions_broadcast ON order_executions (broadcast_order_id);

CREATE TABLE IF NOT EXISTS positions (
	id                 TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	broker_account_id  TEXT NOT NULL,
	symbol             TEXT NOT NULL,
	expiry             TEXT NOT NULL DEFAULT '',
	strike             NUMERIC(10, 2) NOT NULL DEFAULT 0,
	option_type        TEXT NOT NULL DEFAULT '',
	side               TEXT NOT NULL,
	quantity           INTEGER NOT NULL CHECK (quantity >= 0),
	entry_price        NUMERIC(18, 8) NOT NULL,
	current_price      NUMERIC(10, 2),
	pnl                NUMERIC(14, 2),
	pnl_percentage     NUMERIC(10, 2),
	position_status    TEXT NOT NULL DEFAULT 'OPEN',
	last_updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions (user_id, position_status);
CREATE INDEX IF NOT EXISTS idx_positions_open_key ON positions (user_id, broker_account_id, symbol)
	WHERE position_status = 'OPEN';

CREATE TABLE IF NOT EXISTS token_refresh_logs (
	id                  TEXT PRIMARY KEY,
	broker_account_id   TEXT NOT NULL REFERENCES broker_accounts(id),
	refresh_attempt_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	status              TEXT NOT NULL,
	error_message       TEXT,
	old_expiry          TIMESTAMPTZ,
	new_expiry          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_token_refresh_logs_account ON token_refresh_logs (broker_account_id, refresh_attempt_at DESC);
`
