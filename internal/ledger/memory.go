package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/models"
)

// MemoryStore provides thread-safe in-memory persistence. It is the reference
// implementation of the Store semantics and backs tests and standalone mode.
type MemoryStore struct {
	mu           sync.RWMutex
	chains       map[string][]models.ChainLink
	transactions map[string][]models.Transaction
	zreports     map[string]map[string]models.ZReport
	deliveries   []models.DeliveryLog
	verbose      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(verbose bool) *MemoryStore {
	return &MemoryStore{
		chains:       make(map[string][]models.ChainLink),
		transactions: make(map[string][]models.Transaction),
		zreports:     make(map[string]map[string]models.ZReport),
		verbose:      verbose,
	}
}

// GetTail returns the newest link for the tenant, or nil on an empty chain.
func (ms *MemoryStore) GetTail(ctx context.Context, tenantID string) (*models.ChainLink, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	links := ms.chains[tenantID]
	if len(links) == 0 {
		return nil, nil
	}

	tail := links[len(links)-1]
	return &tail, nil
}

// checkTail enforces the check-and-set against the current tail. Caller holds
// the write lock.
func (ms *MemoryStore) checkTail(tenantID string, link *models.ChainLink) error {
	links := ms.chains[tenantID]

	expected := chain.InitialHash
	if len(links) > 0 {
		expected = links[len(links)-1].SequenceHash
	}

	if link.PreviousHash != expected {
		return ErrTailConflict
	}

	return nil
}

// AppendTransaction persists the transaction and its link as one atomic unit.
func (ms *MemoryStore) AppendTransaction(ctx context.Context, tx *models.Transaction, link *models.ChainLink) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkTail(tx.TenantID, link); err != nil {
		return err
	}

	ms.transactions[tx.TenantID] = append(ms.transactions[tx.TenantID], *tx)
	ms.chains[tx.TenantID] = append(ms.chains[tx.TenantID], *link)

	if ms.verbose {
		log.Printf("[LEDGER] Appended transaction link %s... for tenant %s (chain length %d)",
			link.SequenceHash[:12], tx.TenantID, len(ms.chains[tx.TenantID]))
	}

	return nil
}

// AppendZReport persists the closing report and its link as one atomic unit.
// A second report for the same date is rejected.
func (ms *MemoryStore) AppendZReport(ctx context.Context, report *models.ZReport, link *models.ChainLink) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if err := ms.checkTail(report.TenantID, link); err != nil {
		return err
	}

	reports := ms.zreports[report.TenantID]
	if reports == nil {
		reports = make(map[string]models.ZReport)
		ms.zreports[report.TenantID] = reports
	}
	if _, exists := reports[report.Date]; exists {
		return fmt.Errorf("z-report for tenant %s and date %s already exists", report.TenantID, report.Date)
	}

	reports[report.Date] = *report
	ms.chains[report.TenantID] = append(ms.chains[report.TenantID], *link)

	if ms.verbose {
		log.Printf("[LEDGER] Appended z-report link %s... for tenant %s date %s",
			link.SequenceHash[:12], report.TenantID, report.Date)
	}

	return nil
}

// ListChain returns the tenant's links in creation order.
func (ms *MemoryStore) ListChain(ctx context.Context, tenantID string) ([]models.ChainLink, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	links := ms.chains[tenantID]
	out := make([]models.ChainLink, len(links))
	copy(out, links)

	return out, nil
}

// ListTransactions returns transactions created within [from, to).
func (ms *MemoryStore) ListTransactions(ctx context.Context, tenantID string, from, to time.Time) ([]models.Transaction, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []models.Transaction
	for _, tx := range ms.transactions[tenantID] {
		if !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to) {
			out = append(out, tx)
		}
	}

	return out, nil
}

// GetZReport returns the report for a date, or ErrNotFound.
func (ms *MemoryStore) GetZReport(ctx context.Context, tenantID, date string) (*models.ZReport, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	report, exists := ms.zreports[tenantID][date]
	if !exists {
		return nil, ErrNotFound
	}

	return &report, nil
}

// ListZReports returns the tenant's reports ordered by date.
func (ms *MemoryStore) ListZReports(ctx context.Context, tenantID string) ([]models.ZReport, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []models.ZReport
	for _, report := range ms.zreports[tenantID] {
		out = append(out, report)
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Date < out[i].Date {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out, nil
}

// LogDelivery records a submission attempt.
func (ms *MemoryStore) LogDelivery(ctx context.Context, entry *models.DeliveryLog) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.deliveries = append(ms.deliveries, *entry)

	return nil
}

// Deliveries returns the tenant's logged submission attempts.
func (ms *MemoryStore) Deliveries(tenantID string) []models.DeliveryLog {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []models.DeliveryLog
	for _, entry := range ms.deliveries {
		if entry.TenantID == tenantID {
			out = append(out, entry)
		}
	}

	return out
}

// Close is a no-op for the in-memory store.
func (ms *MemoryStore) Close() error {
	return nil
}
