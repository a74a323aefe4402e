package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	Version string
	Name    string
	SQL     string
}

// Migrate applies pending schema migrations in version order. Each migration
// runs in its own transaction and is recorded in schema_migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	if _, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)
`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		m := m
		err := WithTx(ctx, pool, func(txCtx context.Context, tx pgx.Tx) error {
			var applied bool
			if err := tx.QueryRow(txCtx, `
SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)
`, m.Version).Scan(&applied); err != nil {
				return fmt.Errorf("check migration %s: %w", m.Version, err)
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(txCtx, m.SQL); err != nil {
				return fmt.Errorf("apply migration %s_%s: %w", m.Version, m.Name, err)
			}
			if _, err := tx.Exec(txCtx, `
INSERT INTO schema_migrations (version, name) VALUES ($1, $2)
`, m.Version, m.Name); err != nil {
				return fmt.Errorf("record migration %s: %w", m.Version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

var migrations = []migration{
	{
		Version: "0001",
		Name:    "create_purchases",
		SQL: `
CREATE TABLE IF NOT EXISTS purchases (
	id                          UUID PRIMARY KEY,
	user_id                     BIGINT NOT NULL,
	product_code                TEXT NOT NULL,
	product_type                TEXT NOT NULL CHECK (product_type IN ('MICRO', 'PREMIUM', 'OFFER')),
	base_price                  INT NOT NULL CHECK (base_price > 0),
	discount_price              INT NOT NULL DEFAULT 0 CHECK (discount_price >= 0),
	final_price                 INT NOT NULL,
	currency                    TEXT NOT NULL DEFAULT 'XTR',
	status                      TEXT NOT NULL CHECK (status IN (
		'CREATED', 'INVOICE_SENT', 'PRECHECKOUT_OK', 'PAID_UNCREDITED',
		'CREDITED', 'FAILED', 'FAILED_CREDIT_PENDING_REVIEW', 'REFUNDED'
	)),
	applied_promo_code_id       BIGINT,
	idempotency_key             TEXT NOT NULL UNIQUE,
	invoice_payload             TEXT NOT NULL UNIQUE,
	telegram_payment_charge_id  TEXT UNIQUE,
	raw_successful_payment      JSONB,
	created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	paid_at                     TIMESTAMPTZ,
	credited_at                 TIMESTAMPTZ,
	refunded_at                 TIMESTAMPTZ,
	updated_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT purchases_final_price_check CHECK (final_price = GREATEST(1, base_price - discount_price))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_purchases_open_user_product
	ON purchases (user_id, product_code)
	WHERE status IN ('CREATED', 'INVOICE_SENT', 'PRECHECKOUT_OK');
CREATE INDEX IF NOT EXISTS idx_purchases_status_paid_at ON purchases (status, paid_at);
CREATE INDEX IF NOT EXISTS idx_purchases_status_created_at ON purchases (status, created_at);
CREATE INDEX IF NOT EXISTS idx_purchases_user_product_credited ON purchases (user_id, product_code, credited_at DESC);
`,
	},
	{
		Version: "0002",
		Name:    "create_ledger_entries",
		SQL: `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id               UUID PRIMARY KEY,
	user_id          BIGINT NOT NULL,
	purchase_id      UUID REFERENCES purchases (id),
	entry_type       TEXT NOT NULL CHECK (entry_type IN ('PURCHASE_CREDIT', 'PURCHASE_REFUND', 'PROMO_GRANT')),
	asset            TEXT NOT NULL CHECK (asset IN ('PAID_ENERGY', 'PREMIUM', 'MODE_ACCESS', 'STREAK_SAVER', 'BUNDLE')),
	direction        TEXT NOT NULL CHECK (direction IN ('CREDIT', 'DEBIT')),
	amount           INT NOT NULL CHECK (amount > 0),
	balance_after    INT,
	source           TEXT NOT NULL,
	idempotency_key  TEXT NOT NULL UNIQUE,
	metadata         JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_one_credit_per_purchase
	ON ledger_entries (purchase_id) WHERE entry_type = 'PURCHASE_CREDIT';
CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_one_refund_per_purchase
	ON ledger_entries (purchase_id) WHERE entry_type = 'PURCHASE_REFUND';
CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_created ON ledger_entries (user_id, created_at DESC);

CREATE OR REPLACE FUNCTION ledger_entries_append_only() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger_entries is append-only' USING ERRCODE = 'P0001';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS trg_ledger_entries_append_only ON ledger_entries;
CREATE TRIGGER trg_ledger_entries_append_only
	BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION ledger_entries_append_only();
`,
	},
	{
		Version: "0003",
		Name:    "create_promo",
		SQL: `
CREATE TABLE IF NOT EXISTS promo_codes (
	id                BIGSERIAL PRIMARY KEY,
	code              TEXT NOT NULL UNIQUE,
	discount_percent  INT NOT NULL CHECK (discount_percent BETWEEN 1 AND 100),
	applies_to        TEXT[] NOT NULL DEFAULT '{}',
	status            TEXT NOT NULL CHECK (status IN ('ACTIVE', 'PAUSED', 'EXPIRED')),
	valid_from        TIMESTAMPTZ,
	valid_until       TIMESTAMPTZ,
	max_total_uses    INT,
	used_total        INT NOT NULL DEFAULT 0 CHECK (used_total >= 0),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS promo_redemptions (
	id                        UUID PRIMARY KEY,
	promo_code_id             BIGINT NOT NULL REFERENCES promo_codes (id),
	user_id                   BIGINT NOT NULL,
	status                    TEXT NOT NULL CHECK (status IN (
		'CREATED', 'VALIDATED', 'RESERVED', 'APPLIED', 'EXPIRED', 'REJECTED', 'REVOKED'
	)),
	reserved_until            TIMESTAMPTZ,
	reserved_for_purchase_id  UUID UNIQUE REFERENCES purchases (id) DEFERRABLE INITIALLY DEFERRED,
	applied_at                TIMESTAMPTZ,
	created_at                TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_promo_redemptions_status ON promo_redemptions (status);
`,
	},
	{
		Version: "0004",
		Name:    "create_grants",
		SQL: `
CREATE TABLE IF NOT EXISTS entitlements (
	id                  BIGSERIAL PRIMARY KEY,
	user_id             BIGINT NOT NULL,
	scope               TEXT NOT NULL CHECK (scope IN ('STARTER', 'MONTH', 'SEASON', 'YEAR')),
	status              TEXT NOT NULL CHECK (status IN ('ACTIVE', 'SCHEDULED', 'REVOKED', 'EXPIRED')),
	starts_at           TIMESTAMPTZ NOT NULL,
	ends_at             TIMESTAMPTZ NOT NULL,
	revoked_at          TIMESTAMPTZ,
	source_purchase_id  UUID REFERENCES purchases (id),
	idempotency_key     TEXT NOT NULL UNIQUE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_entitlements_one_active_per_user
	ON entitlements (user_id) WHERE status IN ('ACTIVE', 'SCHEDULED');
CREATE INDEX IF NOT EXISTS idx_entitlements_source_purchase ON entitlements (source_purchase_id);

CREATE TABLE IF NOT EXISTS mode_access (
	id                  BIGSERIAL PRIMARY KEY,
	user_id             BIGINT NOT NULL,
	mode_code           TEXT NOT NULL,
	source              TEXT NOT NULL CHECK (source IN ('BUNDLE', 'PROMO')),
	status              TEXT NOT NULL CHECK (status IN ('ACTIVE', 'REVOKED', 'EXPIRED')),
	starts_at           TIMESTAMPTZ NOT NULL,
	ends_at             TIMESTAMPTZ NOT NULL,
	revoked_at          TIMESTAMPTZ,
	source_purchase_id  UUID REFERENCES purchases (id),
	idempotency_key     TEXT NOT NULL UNIQUE,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_mode_access_user_mode ON mode_access (user_id, mode_code, source, status, ends_at DESC);
CREATE INDEX IF NOT EXISTS idx_mode_access_source_purchase ON mode_access (source_purchase_id);
`,
	},
	{
		Version: "0005",
		Name:    "create_wallets",
		SQL: `
CREATE TABLE IF NOT EXISTS wallets (
	user_id              BIGINT PRIMARY KEY,
	paid_energy          INT NOT NULL DEFAULT 0 CHECK (paid_energy >= 0),
	streak_saver_tokens  INT NOT NULL DEFAULT 0 CHECK (streak_saver_tokens >= 0),
	version              BIGINT NOT NULL DEFAULT 0,
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS wallet_operations (
	idempotency_key  TEXT PRIMARY KEY,
	user_id          BIGINT NOT NULL,
	asset            TEXT NOT NULL CHECK (asset IN ('paid_energy', 'streak_saver_tokens')),
	delta            INT NOT NULL,
	applied_delta    INT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
	},
	{
		Version: "0006",
		Name:    "create_reconciliation_and_events",
		SQL: `
CREATE TABLE IF NOT EXISTS reconciliation_runs (
	id                           BIGSERIAL PRIMARY KEY,
	started_at                   TIMESTAMPTZ NOT NULL,
	finished_at                  TIMESTAMPTZ NOT NULL,
	status                       TEXT NOT NULL CHECK (status IN ('OK', 'DIFF')),
	paid_count                   BIGINT NOT NULL,
	credited_count               BIGINT NOT NULL,
	stale_paid_uncredited_count  BIGINT NOT NULL,
	amount_mismatch_count        BIGINT NOT NULL,
	diff_count                   BIGINT NOT NULL,
	details                      JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS events (
	id           BIGSERIAL PRIMARY KEY,
	user_id      BIGINT,
	name         TEXT NOT NULL,
	payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
	occurred_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_events_name_occurred ON events (name, occurred_at DESC);
`,
	},
}
