// This package turns opaque identity-proof results into durable,
// scope-qualified nullifier records so one real-world identity cannot
// register as many distinct payers.
package nullifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/jmoiron/sqlx"
)

// One verification per (nullifier, scope) for this long; afterwards
// the same identity may re-verify.
const ExpiryWindow = 90 * 24 * time.Hour

// Repository is the durable nullifier registry. The unique constraint
// lives in the store so concurrent verifications racing on the same
// nullifier cannot both win.
type Repository struct {
	Db *sqlx.DB
}

func (r *Repository) CreateTables() error {
	autoIncrement := "INTEGER"
	if r.Db.DriverName() == "postgres" {
		autoIncrement = "SERIAL"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS nullifiers (
		id			%s NOT NULL PRIMARY KEY,
		nullifier	text,
		scope		text,
		created_at	integer,
		expires_at	integer,
		user_id		text,
		nationality	text,
		metadata	text,
		UNIQUE (nullifier, scope));`, autoIncrement)
	_, err := r.Db.Exec(schema)
	return err
}

// Exists reports whether a non-expired record is present.
func (r *Repository) Exists(
	ctx context.Context, nullifier, scope string,
) (bool, error) {
	query := r.Db.Rebind(`SELECT count(*) FROM nullifiers
		WHERE nullifier = ? AND scope = ? AND expires_at > ?`)
	var count int
	err := r.Db.GetContext(ctx, &count, query, nullifier, scope, time.Now().Unix())
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Store records a nullifier with the fixed expiry window. Fails with
// a duplicate error when a live record for the pair is already
// present. An expired record the periodic cleanup has not removed yet
// is dropped in the same transaction, so re-verification never waits
// on the cleanup cycle.
func (r *Repository) Store(
	ctx context.Context, record *model.NullifierRecord,
) error {
	now := time.Now()
	if record.CreatedAt == 0 {
		record.CreatedAt = now.Unix()
	}
	if record.ExpiresAt == 0 {
		record.ExpiresAt = now.Add(ExpiryWindow).Unix()
	}
	tx, err := r.Db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	purge := tx.Rebind(`DELETE FROM nullifiers
		WHERE nullifier = ? AND scope = ? AND expires_at <= ?`)
	_, err = tx.ExecContext(ctx, purge, record.Nullifier, record.Scope, now.Unix())
	if err != nil {
		return err
	}
	insert := tx.Rebind(`INSERT INTO nullifiers (
		nullifier, scope, created_at, expires_at,
		user_id, nationality, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = tx.ExecContext(ctx, insert,
		record.Nullifier,
		record.Scope,
		record.CreatedAt,
		record.ExpiresAt,
		record.UserId,
		record.Nationality,
		record.Metadata,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: scope %s", model.ReasonDuplicateNullifier, record.Scope)
		}
		return err
	}
	return tx.Commit()
}

// CleanupExpired deletes records past expiry and returns the count.
// Intended to run periodically, not on the request path.
func (r *Repository) CleanupExpired(ctx context.Context) (int64, error) {
	query := r.Db.Rebind(`DELETE FROM nullifiers WHERE expires_at <= ?`)
	result, err := r.Db.ExecContext(ctx, query, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
