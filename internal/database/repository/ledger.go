package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// LedgerRepo handles the per-account balance ledger.
type LedgerRepo struct {
	db *sql.DB
}

func NewLedgerRepo(db *sql.DB) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// Upsert inserts or overwrites the record for rec.Msisdn. Balance and
// last_seen always take the incoming value; the name is only replaced when
// the incoming one is non-empty and not the unknown sentinel, so a resolved
// name survives later ambiguous rows.
func (r *LedgerRepo) Upsert(ctx context.Context, rec AccountRecord) error {
	_, err := r.db.ExecContext(ctx, `
	INSERT INTO accounts(msisdn, name, balance, last_seen, updated_at)
	VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(msisdn) DO UPDATE SET
	 balance=excluded.balance,
	 last_seen=excluded.last_seen,
	 name=CASE WHEN excluded.name != '' AND excluded.name != ?
	           THEN excluded.name ELSE accounts.name END,
	 updated_at=CURRENT_TIMESTAMP;
	`, rec.Msisdn, rec.Name, rec.Balance.String(), rec.LastSeen, UnknownName)
	return err
}

// LoadAll returns the full ledger ordered by MSISDN so downstream output is
// deterministic.
func (r *LedgerRepo) LoadAll(ctx context.Context) ([]AccountRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT msisdn, name, balance, last_seen, updated_at FROM accounts ORDER BY msisdn`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountRecord
	for rows.Next() {
		var rec AccountRecord
		var balance string
		if err := rows.Scan(&rec.Msisdn, &rec.Name, &balance, &rec.LastSeen, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Balance, err = decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("account %s: bad stored balance %q: %w", rec.Msisdn, balance, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get returns the record for one MSISDN, or nil when absent.
func (r *LedgerRepo) Get(ctx context.Context, msisdn string) (*AccountRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT msisdn, name, balance, last_seen, updated_at FROM accounts WHERE msisdn = ?`, msisdn)
	var rec AccountRecord
	var balance string
	if err := row.Scan(&rec.Msisdn, &rec.Name, &balance, &rec.LastSeen, &rec.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var err error
	rec.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("account %s: bad stored balance %q: %w", rec.Msisdn, balance, err)
	}
	return &rec, nil
}

// Clear empties the ledger. Used at session start to guarantee a from-scratch
// rebuild of the published artifacts.
func (r *LedgerRepo) Clear(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM accounts`)
	return err
}

// Count returns the number of ledger records.
func (r *LedgerRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}
