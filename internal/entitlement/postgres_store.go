package entitlement

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists entitlements in PostgreSQL.
//
// All mutations are single conditional statements so concurrent requests for
// the same user cannot lose updates: the increment, the cycle reset, and the
// billing apply each carry their guard in the WHERE clause.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed entitlement store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entitlementColumns = `id, plan, grandfathered, subscription_end, api_request_count,
	api_cycle_start, billing_customer_ref, billing_updated_at, updated_at`

// LoadOrCreate upserts and reads in one statement. The conflict arm is a
// no-op update rather than DO NOTHING: DO NOTHING returns no row, and a
// concurrent first insert that commits after this statement's snapshot would
// leave a follow-up SELECT empty-handed. DO UPDATE waits for the conflicting
// transaction and always returns the row.
func (p *PostgresStore) LoadOrCreate(ctx context.Context, userID string) (*UserEntitlement, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO user_entitlements (id, api_cycle_start, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET updated_at = user_entitlements.updated_at
		RETURNING `+entitlementColumns, userID)
	return scanEntitlement(row)
}

func (p *PostgresStore) GetByBillingRef(ctx context.Context, ref string) (*UserEntitlement, error) {
	if ref == "" {
		return nil, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entitlementColumns+` FROM user_entitlements
		WHERE billing_customer_ref = $1`, ref)
	return scanEntitlement(row)
}

func (p *PostgresStore) Write(ctx context.Context, userID string, patch Patch) (*UserEntitlement, error) {
	set, args := buildPatchSet(patch)
	args = append(args, userID)
	row := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE user_entitlements SET %s
		WHERE id = $%d
		RETURNING %s`, set, len(args), entitlementColumns), args...)
	return scanEntitlement(row)
}

func (p *PostgresStore) ApplyBilling(ctx context.Context, userID string, patch Patch, eventTime time.Time) (*UserEntitlement, error) {
	patch.BillingTime = &eventTime
	set, args := buildPatchSet(patch)
	args = append(args, userID, eventTime)
	row := p.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE user_entitlements SET %s
		WHERE id = $%d
		  AND (billing_updated_at IS NULL OR billing_updated_at < $%d)
		RETURNING %s`, set, len(args)-1, len(args), entitlementColumns), args...)

	u, err := scanEntitlement(row)
	if err == ErrNotFound {
		// Zero rows: either the user is missing or the event is stale.
		exists, exErr := p.exists(ctx, userID)
		if exErr != nil {
			return nil, exErr
		}
		if exists {
			return nil, ErrStaleEvent
		}
		return nil, ErrNotFound
	}
	return u, err
}

func (p *PostgresStore) IncrementUsage(ctx context.Context, userID string, amount, limit int) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		UPDATE user_entitlements
		SET api_request_count = api_request_count + $2, updated_at = NOW()
		WHERE id = $1 AND api_request_count + $2 <= $3
		RETURNING api_request_count`, userID, amount, limit).Scan(&count)
	if err == sql.ErrNoRows {
		exists, exErr := p.exists(ctx, userID)
		if exErr != nil {
			return 0, exErr
		}
		if exists {
			return 0, ErrQuotaExceeded
		}
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (p *PostgresStore) ResetCycle(ctx context.Context, userID string, observed time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE user_entitlements
		SET api_request_count = 0, api_cycle_start = NOW(), updated_at = NOW()
		WHERE id = $1 AND api_cycle_start = $2`, userID, observed)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Lost the reset race (fine) or the row is missing (caller's bug).
		exists, exErr := p.exists(ctx, userID)
		if exErr != nil {
			return exErr
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) exists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_entitlements WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

// buildPatchSet renders the SET clause for a partial update. UpdatedAt is
// always stamped so the record clock strictly increases on every write.
func buildPatchSet(patch Patch) (string, []interface{}) {
	var (
		parts []string
		args  []interface{}
	)
	add := func(expr string, val interface{}) {
		args = append(args, val)
		parts = append(parts, fmt.Sprintf(expr, len(args)))
	}

	if patch.Plan != nil {
		if *patch.Plan == PlanFree {
			parts = append(parts, "plan = NULL")
		} else {
			add("plan = $%d", string(*patch.Plan))
		}
	}
	if patch.Grandfathered != nil {
		add("grandfathered = $%d", *patch.Grandfathered)
	}
	if patch.SubscriptionEnd != nil {
		add("subscription_end = $%d", *patch.SubscriptionEnd)
	}
	if patch.ClearSubscriptionEnd {
		parts = append(parts, "subscription_end = NULL")
	}
	if patch.BillingCustomerRef != nil {
		add("billing_customer_ref = $%d", *patch.BillingCustomerRef)
	}
	if patch.BillingTime != nil {
		add("billing_updated_at = $%d", *patch.BillingTime)
	}
	parts = append(parts, "updated_at = NOW()")

	return strings.Join(parts, ", "), args
}

func scanEntitlement(row *sql.Row) (*UserEntitlement, error) {
	u := &UserEntitlement{}
	var (
		plan       sql.NullString
		subEnd     sql.NullTime
		billingRef sql.NullString
		billingAt  sql.NullTime
	)
	err := row.Scan(&u.ID, &plan, &u.Grandfathered, &subEnd, &u.APIRequestCount,
		&u.APICycleStart, &billingRef, &billingAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if plan.Valid && plan.String != "" {
		u.Plan = Plan(plan.String)
	} else {
		u.Plan = PlanFree
	}
	if subEnd.Valid {
		t := subEnd.Time
		u.SubscriptionEnd = &t
	}
	if billingRef.Valid {
		u.BillingCustomerRef = billingRef.String
	}
	if billingAt.Valid {
		t := billingAt.Time
		u.BillingUpdatedAt = &t
	}
	return u, nil
}

// Migrate creates the user_entitlements table (used in dev/test; prod uses migration files).
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_entitlements (
			id                   TEXT PRIMARY KEY,
			plan                 TEXT,
			grandfathered        BOOLEAN NOT NULL DEFAULT FALSE,
			subscription_end     TIMESTAMPTZ,
			api_request_count    INTEGER NOT NULL DEFAULT 0 CHECK (api_request_count >= 0),
			api_cycle_start      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			billing_customer_ref TEXT,
			billing_updated_at   TIMESTAMPTZ,
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_user_entitlements_billing_ref
			ON user_entitlements(billing_customer_ref) WHERE billing_customer_ref IS NOT NULL;
	`)
	return err
}

var _ Store = (*PostgresStore)(nil)
