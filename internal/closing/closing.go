// Package closing performs the RKSV-compliant end-of-day closing: it
// aggregates a tenant's transactions for one calendar day into a Z-Report and
// appends the report to the same per-tenant signature chain as the
// transactions themselves.
package closing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/ledger"
	"rksv-fiscal-service/internal/models"
	"rksv-fiscal-service/internal/signing"
	"rksv-fiscal-service/internal/tailcache"
	"rksv-fiscal-service/internal/tenants"
)

const maxRetries = 3

var (
	// ErrNoTransactions means the day had no sales: no Z-Report is created
	// and the chain tail stays unchanged. Distinguishable from a failure so
	// the scheduler can log an observable empty day.
	ErrNoTransactions = errors.New("closing: no transactions for date")

	// ErrAlreadyClosed means a Z-Report already exists for the date. Closing
	// is idempotent: callers receive the existing report alongside this
	// sentinel and must not treat it as a failure.
	ErrAlreadyClosed = errors.New("closing: day already closed")
)

// Orchestrator runs the per-tenant day closing.
type Orchestrator struct {
	store    ledger.Store
	signer   signing.Signer
	registry *tenants.Registry
	tails    *tailcache.Cache
	verbose  bool
}

// NewOrchestrator creates a day-closing orchestrator. tails may be nil.
func NewOrchestrator(store ledger.Store, signer signing.Signer, registry *tenants.Registry, tails *tailcache.Cache, verbose bool) *Orchestrator {
	return &Orchestrator{
		store:    store,
		signer:   signer,
		registry: registry,
		tails:    tails,
		verbose:  verbose,
	}
}

// DayBounds returns the tenant-local midnight-to-midnight window for a
// YYYY-MM-DD date.
func (o *Orchestrator) DayBounds(tenantID, date string) (time.Time, time.Time, error) {
	loc := o.registry.Location(tenantID)

	start, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %v", date, err)
	}

	return start, start.AddDate(0, 0, 1), nil
}

// CloseDay aggregates the tenant's transactions for the date and persists a
// signed Z-Report as the newest link of the tenant's chain. Safe to invoke for
// many tenants concurrently; for the same tenant the store's check-and-set
// serializes it against concurrent transaction recording.
func (o *Orchestrator) CloseDay(ctx context.Context, tenantID, date string) (*models.ZReport, error) {
	if _, err := o.registry.Get(tenantID); err != nil {
		return nil, err
	}

	start, end, err := o.DayBounds(tenantID, date)
	if err != nil {
		return nil, err
	}

	// Re-running for an already-closed date returns the existing report.
	existing, err := o.store.GetZReport(ctx, tenantID, date)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing z-report: %v", err)
	}
	if existing != nil {
		if o.verbose {
			log.Printf("[CLOSING] Day %s already closed for tenant %s", date, tenantID)
		}
		return existing, ErrAlreadyClosed
	}

	txs, err := o.store.ListTransactions(ctx, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %v", err)
	}

	if len(txs) == 0 {
		log.Printf("[CLOSING] No transactions for tenant %s on %s, skipping z-report", tenantID, date)
		return nil, ErrNoTransactions
	}

	var total float64
	for _, tx := range txs {
		total += tx.TotalAmount
	}
	total = math.Round(total*100) / 100

	reportData := models.ZReportData{
		Date:              date,
		TotalTransactions: len(txs),
		TotalAmount:       total,
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		tail, err := o.store.GetTail(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to read chain tail: %v", err)
		}

		previousHash := chain.InitialHash
		if tail != nil {
			previousHash = tail.SequenceHash
		}

		sequenceHash, err := chain.Extend(previousHash, reportData)
		if err != nil {
			return nil, err
		}

		signature, err := o.signer.Sign(ctx, tenantID, sequenceHash)
		if err != nil {
			return nil, fmt.Errorf("signing failed: %w", err)
		}

		now := time.Now().UTC()
		report := &models.ZReport{
			ID:                uuid.NewString(),
			TenantID:          tenantID,
			Date:              date,
			TotalTransactions: reportData.TotalTransactions,
			TotalAmount:       reportData.TotalAmount,
			RKSVHash:          sequenceHash,
			RKSVSignature:     signature,
			CreatedAt:         now,
		}
		link := &models.ChainLink{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			SequenceHash: sequenceHash,
			PreviousHash: previousHash,
			Signature:    signature,
			PayloadType:  models.PayloadZReport,
			PayloadRef:   report.ID,
			CreatedAt:    now,
		}

		err = o.store.AppendZReport(ctx, report, link)
		if errors.Is(err, ledger.ErrTailConflict) {
			o.tails.Invalidate(ctx, tenantID)
			if o.verbose {
				log.Printf("[CLOSING] Tail conflict for tenant %s, retrying (attempt %d)", tenantID, attempt+1)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to persist z-report: %v", err)
		}

		o.tails.Set(ctx, tenantID, sequenceHash)

		if o.verbose {
			log.Printf("[CLOSING] Day %s closed for tenant %s: %d transactions, total %.2f",
				date, tenantID, report.TotalTransactions, report.TotalAmount)
		}

		return report, nil
	}

	return nil, fmt.Errorf("day closing for tenant %s: %w", tenantID, ledger.ErrTailConflict)
}
