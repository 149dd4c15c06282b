package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/models"
)

// pqUniqueViolation is the Postgres error code for a unique constraint breach.
const pqUniqueViolation = "23505"

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chain_links (
		seq            BIGSERIAL PRIMARY KEY,
		id             TEXT NOT NULL UNIQUE,
		tenant_id      TEXT NOT NULL,
		sequence_hash  TEXT NOT NULL UNIQUE,
		previous_hash  TEXT NOT NULL,
		signature      TEXT NOT NULL,
		payload_type   TEXT NOT NULL,
		payload_ref    TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, previous_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chain_links_tenant_seq ON chain_links (tenant_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL,
		items          JSONB NOT NULL,
		total_amount   DOUBLE PRECISION NOT NULL,
		payment_method TEXT NOT NULL,
		cashier_id     TEXT NOT NULL,
		rksv_hash      TEXT NOT NULL,
		rksv_signature TEXT NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_tenant_created ON transactions (tenant_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS z_reports (
		id                 TEXT PRIMARY KEY,
		tenant_id          TEXT NOT NULL,
		date               TEXT NOT NULL,
		total_transactions INTEGER NOT NULL,
		total_amount       DOUBLE PRECISION NOT NULL,
		rksv_hash          TEXT NOT NULL,
		rksv_signature     TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL,
		UNIQUE (tenant_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS delivery_logs (
		id         TEXT PRIMARY KEY,
		tenant_id  TEXT NOT NULL,
		date       TEXT NOT NULL,
		status     TEXT NOT NULL,
		response   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// PostgresStore persists the chain in Postgres. Chain extension runs inside a
// serializable transaction that locks the tail row; the unique index on
// (tenant_id, previous_hash) is a structural guard that makes a fork impossible
// even if the lock discipline were ever bypassed.
type PostgresStore struct {
	db      *sqlx.DB
	verbose bool
}

// rowTransaction carries the JSONB items column across the sqlx boundary.
type rowTransaction struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	Items         []byte    `db:"items"`
	TotalAmount   float64   `db:"total_amount"`
	PaymentMethod string    `db:"payment_method"`
	CashierID     string    `db:"cashier_id"`
	RKSVHash      string    `db:"rksv_hash"`
	RKSVSignature string    `db:"rksv_signature"`
	CreatedAt     time.Time `db:"created_at"`
}

// NewPostgresStore connects and applies migrations.
func NewPostgresStore(ctx context.Context, dsn string, verbose bool) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %v", err)
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			db.Close()
			return nil, fmt.Errorf("migration failed: %v", err)
		}
	}

	if verbose {
		log.Printf("[LEDGER] Postgres store ready")
	}

	return &PostgresStore{db: db, verbose: verbose}, nil
}

// GetTail returns the newest link for the tenant, or nil on an empty chain.
func (ps *PostgresStore) GetTail(ctx context.Context, tenantID string) (*models.ChainLink, error) {
	var link models.ChainLink
	err := ps.db.GetContext(ctx, &link,
		`SELECT id, tenant_id, sequence_hash, previous_hash, signature, payload_type, payload_ref, created_at
		 FROM chain_links WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1`, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain tail: %v", err)
	}

	return &link, nil
}

// appendLink locks the tail row, enforces the check-and-set and inserts the
// new link. Runs inside the caller's transaction.
func (ps *PostgresStore) appendLink(ctx context.Context, tx *sqlx.Tx, link *models.ChainLink) error {
	var tailHash string
	err := tx.GetContext(ctx, &tailHash,
		`SELECT sequence_hash FROM chain_links WHERE tenant_id = $1 ORDER BY seq DESC LIMIT 1 FOR UPDATE`,
		link.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		tailHash = chain.InitialHash
	} else if err != nil {
		return fmt.Errorf("failed to lock chain tail: %v", err)
	}

	if link.PreviousHash != tailHash {
		return ErrTailConflict
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chain_links (id, tenant_id, sequence_hash, previous_hash, signature, payload_type, payload_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		link.ID, link.TenantID, link.SequenceHash, link.PreviousHash,
		link.Signature, link.PayloadType, link.PayloadRef, link.CreatedAt)
	if err != nil {
		return mapConflict(err, "failed to insert chain link")
	}

	return nil
}

// AppendTransaction persists the transaction and its link in one serializable
// transaction.
func (ps *PostgresStore) AppendTransaction(ctx context.Context, txn *models.Transaction, link *models.ChainLink) error {
	return ps.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := ps.appendLink(ctx, tx, link); err != nil {
			return err
		}

		items, err := json.Marshal(txn.Items)
		if err != nil {
			return fmt.Errorf("failed to marshal line items: %v", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO transactions (id, tenant_id, items, total_amount, payment_method, cashier_id, rksv_hash, rksv_signature, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			txn.ID, txn.TenantID, items, txn.TotalAmount, txn.PaymentMethod,
			txn.CashierID, txn.RKSVHash, txn.RKSVSignature, txn.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert transaction: %v", err)
		}

		return nil
	})
}

// AppendZReport persists the closing report and its link in one serializable
// transaction.
func (ps *PostgresStore) AppendZReport(ctx context.Context, report *models.ZReport, link *models.ChainLink) error {
	return ps.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := ps.appendLink(ctx, tx, link); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO z_reports (id, tenant_id, date, total_transactions, total_amount, rksv_hash, rksv_signature, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			report.ID, report.TenantID, report.Date, report.TotalTransactions,
			report.TotalAmount, report.RKSVHash, report.RKSVSignature, report.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert z-report: %v", err)
		}

		return nil
	})
}

func (ps *PostgresStore) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := ps.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapConflict(err, "failed to commit")
	}

	return nil
}

// ListChain returns the tenant's links in creation order.
func (ps *PostgresStore) ListChain(ctx context.Context, tenantID string) ([]models.ChainLink, error) {
	links := []models.ChainLink{}
	err := ps.db.SelectContext(ctx, &links,
		`SELECT id, tenant_id, sequence_hash, previous_hash, signature, payload_type, payload_ref, created_at
		 FROM chain_links WHERE tenant_id = $1 ORDER BY seq ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chain: %v", err)
	}

	return links, nil
}

// ListTransactions returns transactions created within [from, to).
func (ps *PostgresStore) ListTransactions(ctx context.Context, tenantID string, from, to time.Time) ([]models.Transaction, error) {
	rows := []rowTransaction{}
	err := ps.db.SelectContext(ctx, &rows,
		`SELECT id, tenant_id, items, total_amount, payment_method, cashier_id, rksv_hash, rksv_signature, created_at
		 FROM transactions WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at ASC`, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %v", err)
	}

	out := make([]models.Transaction, 0, len(rows))
	for _, row := range rows {
		var items []models.LineItem
		if err := json.Unmarshal(row.Items, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal line items for %s: %v", row.ID, err)
		}
		out = append(out, models.Transaction{
			ID:            row.ID,
			TenantID:      row.TenantID,
			Items:         items,
			TotalAmount:   row.TotalAmount,
			PaymentMethod: row.PaymentMethod,
			CashierID:     row.CashierID,
			RKSVHash:      row.RKSVHash,
			RKSVSignature: row.RKSVSignature,
			CreatedAt:     row.CreatedAt,
		})
	}

	return out, nil
}

// GetZReport returns the report for a date, or ErrNotFound.
func (ps *PostgresStore) GetZReport(ctx context.Context, tenantID, date string) (*models.ZReport, error) {
	var report models.ZReport
	err := ps.db.GetContext(ctx, &report,
		`SELECT id, tenant_id, date, total_transactions, total_amount, rksv_hash, rksv_signature, created_at
		 FROM z_reports WHERE tenant_id = $1 AND date = $2`, tenantID, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read z-report: %v", err)
	}

	return &report, nil
}

// ListZReports returns the tenant's reports ordered by date.
func (ps *PostgresStore) ListZReports(ctx context.Context, tenantID string) ([]models.ZReport, error) {
	reports := []models.ZReport{}
	err := ps.db.SelectContext(ctx, &reports,
		`SELECT id, tenant_id, date, total_transactions, total_amount, rksv_hash, rksv_signature, created_at
		 FROM z_reports WHERE tenant_id = $1 ORDER BY date ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list z-reports: %v", err)
	}

	return reports, nil
}

// LogDelivery records a submission attempt.
func (ps *PostgresStore) LogDelivery(ctx context.Context, entry *models.DeliveryLog) error {
	_, err := ps.db.ExecContext(ctx,
		`INSERT INTO delivery_logs (id, tenant_id, date, status, response, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.TenantID, entry.Date, entry.Status, entry.Response, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery log: %v", err)
	}

	return nil
}

// Close releases the connection pool.
func (ps *PostgresStore) Close() error {
	return ps.db.Close()
}

// mapConflict converts unique violations and serialization failures into
// ErrTailConflict so callers retry from the tail read.
func mapConflict(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 is serialization_failure under serializable isolation.
		if pqErr.Code == pqUniqueViolation || pqErr.Code == "40001" {
			return ErrTailConflict
		}
	}

	return fmt.Errorf("%s: %v", msg, err)
}
