package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/models"
)

func testLink(tenantID, previousHash, sequenceHash string) *models.ChainLink {
	id := sequenceHash
	if len(id) > 8 {
		id = id[:8]
	}
	return &models.ChainLink{
		ID:           id,
		TenantID:     tenantID,
		SequenceHash: sequenceHash,
		PreviousHash: previousHash,
		Signature:    "sig",
		PayloadType:  models.PayloadTransaction,
		CreatedAt:    time.Now().UTC(),
	}
}

func testTx(tenantID, id string, amount float64) *models.Transaction {
	return &models.Transaction{
		ID:            id,
		TenantID:      tenantID,
		Items:         []models.LineItem{{Name: "Item", Quantity: 1, UnitPrice: amount, TaxRate: 20}},
		TotalAmount:   amount,
		PaymentMethod: "cash",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestMemoryStoreTailIsNilWhenEmpty(t *testing.T) {
	store := NewMemoryStore(false)

	tail, err := store.GetTail(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Failed to read tail: %v", err)
	}
	if tail != nil {
		t.Errorf("Expected nil tail on empty chain, got %+v", tail)
	}
}

func TestMemoryStoreAppendAndTail(t *testing.T) {
	store := NewMemoryStore(false)
	ctx := context.Background()

	link := testLink("tenant-a", chain.InitialHash, "hash-1")
	link.PayloadRef = "tx-1"
	if err := store.AppendTransaction(ctx, testTx("tenant-a", "tx-1", 10.00), link); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	tail, err := store.GetTail(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to read tail: %v", err)
	}
	if tail == nil || tail.SequenceHash != "hash-1" {
		t.Errorf("Expected tail hash-1, got %+v", tail)
	}
}

func TestMemoryStoreRejectsStaleTail(t *testing.T) {
	store := NewMemoryStore(false)
	ctx := context.Background()

	if err := store.AppendTransaction(ctx, testTx("tenant-a", "tx-1", 10.00), testLink("tenant-a", chain.InitialHash, "hash-1")); err != nil {
		t.Fatalf("Failed to append first link: %v", err)
	}

	// A writer that still believes the chain is empty must be rejected.
	err := store.AppendTransaction(ctx, testTx("tenant-a", "tx-2", 5.00), testLink("tenant-a", chain.InitialHash, "hash-2"))
	if !errors.Is(err, ErrTailConflict) {
		t.Errorf("Expected ErrTailConflict, got %v", err)
	}

	links, err := store.ListChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list chain: %v", err)
	}
	if len(links) != 1 {
		t.Errorf("Rejected append must not change the chain, got %d links", len(links))
	}
}

func TestMemoryStoreTenantIsolation(t *testing.T) {
	store := NewMemoryStore(false)
	ctx := context.Background()

	if err := store.AppendTransaction(ctx, testTx("tenant-a", "tx-1", 10.00), testLink("tenant-a", chain.InitialHash, "hash-a1")); err != nil {
		t.Fatalf("Failed to append for tenant-a: %v", err)
	}

	// tenant-b's chain is still empty; its first link starts at the sentinel.
	if err := store.AppendTransaction(ctx, testTx("tenant-b", "tx-2", 5.00), testLink("tenant-b", chain.InitialHash, "hash-b1")); err != nil {
		t.Fatalf("Failed to append for tenant-b: %v", err)
	}

	tailB, err := store.GetTail(ctx, "tenant-b")
	if err != nil {
		t.Fatalf("Failed to read tenant-b tail: %v", err)
	}
	if tailB.SequenceHash != "hash-b1" {
		t.Errorf("Expected tenant-b tail hash-b1, got %s", tailB.SequenceHash)
	}
}

func TestMemoryStoreConcurrentAppendsNeverFork(t *testing.T) {
	store := NewMemoryStore(false)
	ctx := context.Background()

	const writers = 20
	var wg sync.WaitGroup
	wg.Add(writers)

	// Every writer retries the read-check-append loop until its link lands.
	for w := 0; w < writers; w++ {
		go func(w int) {
			defer wg.Done()
			for {
				tail, err := store.GetTail(ctx, "tenant-a")
				if err != nil {
					t.Errorf("Writer %d: failed to read tail: %v", w, err)
					return
				}

				previous := chain.InitialHash
				if tail != nil {
					previous = tail.SequenceHash
				}

				id := fmt.Sprintf("tx-%d", w)
				sequence := fmt.Sprintf("hash-%d-from-%s", w, previous)
				err = store.AppendTransaction(ctx, testTx("tenant-a", id, 1.00), testLink("tenant-a", previous, sequence))
				if errors.Is(err, ErrTailConflict) {
					continue
				}
				if err != nil {
					t.Errorf("Writer %d: append failed: %v", w, err)
				}
				return
			}
		}(w)
	}
	wg.Wait()

	links, err := store.ListChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list chain: %v", err)
	}
	if len(links) != writers {
		t.Fatalf("Expected %d links, got %d", writers, len(links))
	}

	// The chain must be one unforked list: every link references its
	// predecessor and no previous hash appears twice.
	seen := make(map[string]bool)
	previous := chain.InitialHash
	for i, link := range links {
		if seen[link.PreviousHash] {
			t.Fatalf("Link %d reuses previous hash %s, chain is forked", i, link.PreviousHash)
		}
		seen[link.PreviousHash] = true
		if link.PreviousHash != previous {
			t.Fatalf("Link %d references %s, expected %s", i, link.PreviousHash, previous)
		}
		previous = link.SequenceHash
	}
}

func TestMemoryStoreListTransactionsWindow(t *testing.T) {
	store := NewMemoryStore(false)
	ctx := context.Background()

	base := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)

	inside := testTx("tenant-a", "tx-in", 10.00)
	inside.CreatedAt = base.Add(12 * time.Hour)
	if err := store.AppendTransaction(ctx, inside, testLink("tenant-a", chain.InitialHash, "hash-1")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	// Exactly at the upper bound: [from, to) excludes it.
	boundary := testTx("tenant-a", "tx-out", 5.00)
	boundary.CreatedAt = base.AddDate(0, 0, 1)
	if err := store.AppendTransaction(ctx, boundary, testLink("tenant-a", "hash-1", "hash-2")); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	txs, err := store.ListTransactions(ctx, "tenant-a", base, base.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if len(txs) != 1 || txs[0].ID != "tx-in" {
		t.Errorf("Expected only tx-in within the window, got %+v", txs)
	}
}

func TestLevelDBKeysSortChronologically(t *testing.T) {
	// Sub-second timestamps must not sort before whole seconds; trailing-zero
	// trimming in the encoded time would break the prefix-scan order.
	base := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Nanosecond),
	}

	var previous string
	for i, ts := range times {
		tx := testTx("tenant-a", fmt.Sprintf("tx-%d", i), 1.00)
		tx.CreatedAt = ts

		key := string(transactionKey(tx))
		if i > 0 && key <= previous {
			t.Errorf("Key for %v does not sort after key for %v:\n%s\n%s",
				ts, times[i-1], previous, key)
		}
		previous = key
	}
}

func TestMemoryStoreZReportLifecycle(t *testing.T) {
	store := NewMemoryStore(false)
	ctx := context.Background()

	if _, err := store.GetZReport(ctx, "tenant-a", "2026-08-27"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a missing report, got %v", err)
	}

	report := &models.ZReport{
		ID:                "zr-1",
		TenantID:          "tenant-a",
		Date:              "2026-08-27",
		TotalTransactions: 3,
		TotalAmount:       35.00,
		CreatedAt:         time.Now().UTC(),
	}
	link := testLink("tenant-a", chain.InitialHash, "hash-zr")
	link.PayloadType = models.PayloadZReport
	link.PayloadRef = report.ID

	if err := store.AppendZReport(ctx, report, link); err != nil {
		t.Fatalf("Failed to append z-report: %v", err)
	}

	stored, err := store.GetZReport(ctx, "tenant-a", "2026-08-27")
	if err != nil {
		t.Fatalf("Failed to read z-report: %v", err)
	}
	if stored.TotalAmount != 35.00 || stored.TotalTransactions != 3 {
		t.Errorf("Stored report does not match: %+v", stored)
	}

	// A second report for the same date is rejected even with a valid tail.
	duplicate := *report
	duplicate.ID = "zr-2"
	dupLink := testLink("tenant-a", "hash-zr", "hash-zr-2")
	dupLink.PayloadType = models.PayloadZReport
	if err := store.AppendZReport(ctx, &duplicate, dupLink); err == nil {
		t.Error("Duplicate z-report for the same date was accepted")
	}
}
