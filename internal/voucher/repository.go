package voucher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/codalabs/x402-facilitator/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
)

// Repository is the durable voucher ledger. Nonce uniqueness is
// enforced by the store, not by application logic: concurrent
// requests may race on the same nonce and the loser must surface a
// duplicate error instead of silently overwriting.
type Repository struct {
	Db *sqlx.DB
}

// PendingTxPrefix marks a settlement row claimed before submission.
// The row reserves the authorization nonce while the transfer is on
// the wire; the placeholder hash is replaced once the transaction is
// known.
const PendingTxPrefix = "pending:"

// Aggregate settlements carry no authorization nonce. NULL keeps them
// out of the nonce uniqueness constraint, which empty strings would
// collide on.
func nullableNonce(nonce string) any {
	if nonce == "" {
		return nil
	}
	return nonce
}

const settlementColumns = `id, tx_hash, payer, payee, total_amount,
	voucher_count, network, scheme, COALESCE(nonce, '') AS nonce, settled_at`

func (r *Repository) CreateTables() error {
	autoIncrement := "INTEGER"
	if r.Db.DriverName() == "postgres" {
		autoIncrement = "SERIAL"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vouchers (
		id			%s NOT NULL PRIMARY KEY,
		payer		text,
		payee		text,
		amount		text,
		nonce		text UNIQUE,
		signature	text,
		valid_until	integer,
		settled		BOOLEAN,
		in_flight	BOOLEAN,
		network		text,
		scheme		text,
		created_at	integer,
		settlement_id	integer);

	CREATE TABLE IF NOT EXISTS settlements (
		id			%s NOT NULL PRIMARY KEY,
		tx_hash		text UNIQUE,
		payer		text,
		payee		text,
		total_amount	text,
		voucher_count	integer,
		network		text,
		scheme		text,
		nonce		text UNIQUE,
		settled_at	integer);`, autoIncrement, autoIncrement)
	_, err := r.Db.Exec(schema)
	return err
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// Store inserts a voucher record. Fails with a duplicate nonce error
// when the nonce already exists.
func (r *Repository) Store(
	ctx context.Context, record *model.VoucherRecord,
) (*model.VoucherRecord, error) {
	record.Payer = strings.ToLower(record.Payer)
	record.Payee = strings.ToLower(record.Payee)
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	if record.Scheme == "" {
		record.Scheme = "deferred"
	}
	insert := r.Db.Rebind(`INSERT INTO vouchers (
		payer, payee, amount, nonce, signature,
		valid_until, settled, in_flight, network, scheme, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.Db.ExecContext(ctx, insert,
		record.Payer,
		record.Payee,
		record.Amount,
		record.Nonce,
		record.Signature,
		record.ValidUntil,
		record.Settled,
		record.InFlight,
		record.Network,
		record.Scheme,
		record.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%s: nonce %s", model.ReasonDuplicateNonce, record.Nonce)
		}
		return nil, err
	}
	return r.FindByNonce(ctx, record.Nonce)
}

func (r *Repository) FindByNonce(
	ctx context.Context, nonce string,
) (*model.VoucherRecord, error) {
	query := r.Db.Rebind(`SELECT * FROM vouchers WHERE nonce = ?`)
	var record model.VoucherRecord
	err := r.Db.GetContext(ctx, &record, query, nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetUnsettled returns the unsettled vouchers of a payer/payee pair,
// oldest first for fairness in aggregation.
func (r *Repository) GetUnsettled(
	ctx context.Context, payer, payee common.Address, network string,
) ([]model.VoucherRecord, error) {
	query := r.Db.Rebind(`SELECT * FROM vouchers
		WHERE payer = ? AND payee = ? AND network = ?
			AND settled = ? AND in_flight = ?
		ORDER BY created_at ASC, id ASC`)
	var records []model.VoucherRecord
	err := r.Db.SelectContext(ctx, &records, query,
		strings.ToLower(payer.Hex()), strings.ToLower(payee.Hex()),
		network, false, false)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetAccumulatedBalances groups the unsettled vouchers of a payee by
// payer. Derived on demand, never stored.
func (r *Repository) GetAccumulatedBalances(
	ctx context.Context, payee common.Address, network string,
) ([]model.AccumulatedBalance, error) {
	query := r.Db.Rebind(`SELECT * FROM vouchers
		WHERE payee = ? AND network = ? AND settled = ? AND in_flight = ?
		ORDER BY created_at ASC, id ASC`)
	var records []model.VoucherRecord
	err := r.Db.SelectContext(ctx, &records, query,
		strings.ToLower(payee.Hex()), network, false, false)
	if err != nil {
		return nil, err
	}
	balanceIndex := map[string]int{}
	balances := []model.AccumulatedBalance{}
	for _, record := range records {
		index, ok := balanceIndex[record.Payer]
		if !ok {
			balanceIndex[record.Payer] = len(balances)
			balances = append(balances, model.AccumulatedBalance{
				Payer:        common.HexToAddress(record.Payer),
				Payee:        payee,
				TotalAmount:  record.AmountBig(),
				VoucherCount: 1,
				VoucherIds:   []int64{record.Id},
			})
			continue
		}
		balances[index].TotalAmount = new(big.Int).Add(
			balances[index].TotalAmount, record.AmountBig())
		balances[index].VoucherCount++
		balances[index].VoucherIds = append(balances[index].VoucherIds, record.Id)
	}
	return balances, nil
}

// ClaimForSettlement flips the given unsettled vouchers to in-flight
// so exactly one caller proceeds to submit the aggregate transfer.
// The claim only succeeds when every requested voucher is still
// unclaimed; a competing claim sees a short row count and rolls back,
// so two concurrent settlement triggers can never both submit.
func (r *Repository) ClaimForSettlement(
	ctx context.Context, voucherIds []int64,
) (bool, error) {
	if len(voucherIds) == 0 {
		return false, nil
	}
	tx, err := r.Db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query, args, err := sqlx.In(`UPDATE vouchers SET in_flight = ?
		WHERE id IN (?) AND settled = ? AND in_flight = ?`,
		true, voucherIds, false, false)
	if err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if count != int64(len(voucherIds)) {
		return false, nil
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseClaim puts claimed vouchers back in the unsettled pool after
// a failed submission.
func (r *Repository) ReleaseClaim(ctx context.Context, voucherIds []int64) error {
	if len(voucherIds) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE vouchers SET in_flight = ?
		WHERE id IN (?) AND settled = ?`, false, voucherIds, false)
	if err != nil {
		return err
	}
	_, err = r.Db.ExecContext(ctx, r.Db.Rebind(query), args...)
	return err
}

// RecordSettlement writes one settlement record and flips the
// included vouchers to settled, atomically. The transaction hash is
// the idempotency key: when a record with the hash already exists the
// call resumes marking vouchers instead of duplicating the record, so
// a persistence failure after the on-chain call can be retried to
// completion.
func (r *Repository) RecordSettlement(
	ctx context.Context,
	settlement *model.SettlementRecord,
	voucherIds []int64,
) (*model.SettlementRecord, error) {
	existing, err := r.FindSettlementByTxHash(ctx, settlement.TxHash)
	if err != nil {
		return nil, err
	}
	tx, err := r.Db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if existing == nil {
		settlement.Payer = strings.ToLower(settlement.Payer)
		settlement.Payee = strings.ToLower(settlement.Payee)
		if settlement.SettledAt == 0 {
			settlement.SettledAt = time.Now().Unix()
		}
		insert := tx.Rebind(`INSERT INTO settlements (
			tx_hash, payer, payee, total_amount, voucher_count,
			network, scheme, nonce, settled_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err = tx.ExecContext(ctx, insert,
			settlement.TxHash,
			settlement.Payer,
			settlement.Payee,
			settlement.TotalAmount,
			settlement.VoucherCount,
			settlement.Network,
			settlement.Scheme,
			nullableNonce(settlement.Nonce),
			settlement.SettledAt,
		)
		if err != nil {
			return nil, err
		}
	} else {
		slog.Warn("settlement already recorded, resuming voucher update",
			"txHash", settlement.TxHash)
	}

	if len(voucherIds) > 0 {
		query, args, err := sqlx.In(`UPDATE vouchers
			SET settled = ?, in_flight = ?, settlement_id =
				(SELECT id FROM settlements WHERE tx_hash = ?)
			WHERE id IN (?)`, true, false, settlement.TxHash, voucherIds)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return r.FindSettlementByTxHash(ctx, settlement.TxHash)
}

func (r *Repository) FindSettlementByTxHash(
	ctx context.Context, txHash string,
) (*model.SettlementRecord, error) {
	query := r.Db.Rebind(`SELECT ` + settlementColumns +
		` FROM settlements WHERE tx_hash = ?`)
	var record model.SettlementRecord
	err := r.Db.GetContext(ctx, &record, query, txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ClaimNonce reserves an authorization nonce by inserting a
// settlement row with a placeholder hash before the transfer is
// submitted. The nonce uniqueness constraint makes the reservation
// atomic: the loser of a concurrent settle gets false and never
// reaches the chain.
func (r *Repository) ClaimNonce(
	ctx context.Context, settlement *model.SettlementRecord,
) (bool, error) {
	settlement.Payer = strings.ToLower(settlement.Payer)
	settlement.Payee = strings.ToLower(settlement.Payee)
	if settlement.SettledAt == 0 {
		settlement.SettledAt = time.Now().Unix()
	}
	settlement.TxHash = PendingTxPrefix + settlement.Nonce
	insert := r.Db.Rebind(`INSERT INTO settlements (
		tx_hash, payer, payee, total_amount, voucher_count,
		network, scheme, nonce, settled_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.Db.ExecContext(ctx, insert,
		settlement.TxHash,
		settlement.Payer,
		settlement.Payee,
		settlement.TotalAmount,
		settlement.VoucherCount,
		settlement.Network,
		settlement.Scheme,
		settlement.Nonce,
		settlement.SettledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CompleteClaim replaces a reservation's placeholder with the real
// transaction hash.
func (r *Repository) CompleteClaim(
	ctx context.Context, nonce, txHash string,
) error {
	query := r.Db.Rebind(`UPDATE settlements
		SET tx_hash = ?, settled_at = ? WHERE nonce = ?`)
	_, err := r.Db.ExecContext(ctx, query, txHash, time.Now().Unix(), nonce)
	return err
}

// ReleaseNonce drops a reservation whose transfer definitively
// failed, so the authorization can be retried. Completed claims are
// untouched.
func (r *Repository) ReleaseNonce(ctx context.Context, nonce string) error {
	query := r.Db.Rebind(`DELETE FROM settlements
		WHERE nonce = ? AND tx_hash = ?`)
	_, err := r.Db.ExecContext(ctx, query, nonce, PendingTxPrefix+nonce)
	return err
}

// FindSettlementByNonce looks up a settlement by authorization nonce.
// Used by the immediate path to surface already settled instead of
// re-executing.
func (r *Repository) FindSettlementByNonce(
	ctx context.Context, nonce string,
) (*model.SettlementRecord, error) {
	query := r.Db.Rebind(`SELECT ` + settlementColumns +
		` FROM settlements WHERE nonce = ?`)
	var record model.SettlementRecord
	err := r.Db.GetContext(ctx, &record, query, nonce)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *Repository) FindSettlementsByPayee(
	ctx context.Context, payee common.Address, network string,
) ([]model.SettlementRecord, error) {
	query := r.Db.Rebind(`SELECT ` + settlementColumns + ` FROM settlements
		WHERE payee = ? AND network = ?
		ORDER BY settled_at DESC, id DESC`)
	var records []model.SettlementRecord
	err := r.Db.SelectContext(ctx, &records, query,
		strings.ToLower(payee.Hex()), network)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetUnsettledPayees lists every payee with at least one unsettled
// voucher. Used by the periodic settlement sweep.
func (r *Repository) GetUnsettledPayees(
	ctx context.Context, network string,
) ([]common.Address, error) {
	query := r.Db.Rebind(`SELECT DISTINCT payee FROM vouchers
		WHERE network = ? AND settled = ? AND in_flight = ?`)
	var raw []string
	err := r.Db.SelectContext(ctx, &raw, query, network, false, false)
	if err != nil {
		return nil, err
	}
	payees := make([]common.Address, 0, len(raw))
	for _, payee := range raw {
		payees = append(payees, common.HexToAddress(payee))
	}
	return payees, nil
}

// DeleteExpired removes unsettled vouchers past their validity.
// Intended to run periodically, not on the request path.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := r.Db.Rebind(`DELETE FROM vouchers
		WHERE settled = ? AND in_flight = ? AND valid_until < ?`)
	result, err := r.Db.ExecContext(ctx, query, false, false, now.Unix())
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return count, nil
}
