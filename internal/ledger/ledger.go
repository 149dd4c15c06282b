// Package ledger persists the append-only signature chain and the business
// records it certifies. Chain-extending writes are check-and-set on the
// expected previous hash: two writers racing on the same tail would otherwise
// produce two links with identical previous hashes, a silently undetectable
// compliance fork.
package ledger

import (
	"context"
	"errors"
	"time"

	"rksv-fiscal-service/internal/models"
)

var (
	// ErrTailConflict signals that the tenant's tail moved between the read
	// and the write. Callers retry the whole extension from the tail read,
	// since the hash input depends on the tail.
	ErrTailConflict = errors.New("ledger: chain tail changed concurrently")

	// ErrNotFound signals an absent record.
	ErrNotFound = errors.New("ledger: not found")
)

// Store is the narrow persistence contract of the signature chain. Append
// operations persist the business record and its chain link as one atomic
// unit; no partial link may ever become visible to readers, and a successful
// append is immediately reflected by GetTail.
type Store interface {
	// GetTail returns the most recently created link for the tenant, or nil
	// when the chain is empty.
	GetTail(ctx context.Context, tenantID string) (*models.ChainLink, error)

	// AppendTransaction persists the transaction and its link atomically.
	// Returns ErrTailConflict when link.PreviousHash no longer matches the tail.
	AppendTransaction(ctx context.Context, tx *models.Transaction, link *models.ChainLink) error

	// AppendZReport persists the closing report and its link atomically, with
	// the same check-and-set semantics.
	AppendZReport(ctx context.Context, report *models.ZReport, link *models.ChainLink) error

	// ListChain returns the tenant's links in creation order.
	ListChain(ctx context.Context, tenantID string) ([]models.ChainLink, error)

	// ListTransactions returns transactions created within [from, to).
	ListTransactions(ctx context.Context, tenantID string, from, to time.Time) ([]models.Transaction, error)

	// GetZReport returns the closing report for a calendar date, or ErrNotFound.
	GetZReport(ctx context.Context, tenantID, date string) (*models.ZReport, error)

	// ListZReports returns the tenant's closing reports ordered by date.
	ListZReports(ctx context.Context, tenantID string) ([]models.ZReport, error)

	// LogDelivery records one regulator submission attempt.
	LogDelivery(ctx context.Context, entry *models.DeliveryLog) error

	Close() error
}
