package recorder

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/ledger"
	"rksv-fiscal-service/internal/models"
	"rksv-fiscal-service/internal/signing"
)

type failingSigner struct{}

func (failingSigner) Sign(ctx context.Context, tenantID, hashHex string) (string, error) {
	return "", fmt.Errorf("tenant %s: %w", tenantID, signing.ErrNoCredential)
}

func newTestRecorder(t *testing.T) (*Recorder, *ledger.MemoryStore) {
	t.Helper()

	store := ledger.NewMemoryStore(false)
	signer := signing.NewHMACSigner(map[string]string{"tenant-a": "secret"}, false)
	return NewRecorder(store, signer, nil, false), store
}

func saleData() *models.TransactionData {
	return &models.TransactionData{
		Items: []models.LineItem{
			{Name: "Melange", Quantity: 1, UnitPrice: 4.50, TaxRate: 10},
			{Name: "Sachertorte", Quantity: 2, UnitPrice: 6.00, TaxRate: 10},
		},
		TotalAmount:   16.50,
		PaymentMethod: "card",
	}
}

func TestRecordFirstTransaction(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	tx, qrCode, err := rec.Record(ctx, "tenant-a", saleData(), "cashier-1")
	if err != nil {
		t.Fatalf("Failed to record transaction: %v", err)
	}

	if tx.ID == "" {
		t.Error("Expected a transaction ID")
	}
	if tx.RKSVHash == "" || tx.RKSVSignature == "" {
		t.Error("Expected hash and signature on the stored transaction")
	}
	if qrCode == "" {
		t.Error("Expected a QR payload")
	}

	links, err := store.ListChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list chain: %v", err)
	}
	if len(links) != 1 {
		t.Fatalf("Expected 1 link, got %d", len(links))
	}
	if links[0].PreviousHash != chain.InitialHash {
		t.Errorf("First link must reference the initial sentinel, got %s", links[0].PreviousHash)
	}
	if links[0].SequenceHash != tx.RKSVHash {
		t.Error("Link sequence hash and transaction hash disagree")
	}
	if links[0].PayloadRef != tx.ID {
		t.Error("Link does not reference the stored transaction")
	}
}

func TestRecordLinksConsecutiveTransactions(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	first, _, err := rec.Record(ctx, "tenant-a", saleData(), "cashier-1")
	if err != nil {
		t.Fatalf("Failed to record first transaction: %v", err)
	}
	second, _, err := rec.Record(ctx, "tenant-a", saleData(), "cashier-1")
	if err != nil {
		t.Fatalf("Failed to record second transaction: %v", err)
	}

	links, err := store.ListChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list chain: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("Expected 2 links, got %d", len(links))
	}
	if links[1].PreviousHash != first.RKSVHash {
		t.Errorf("Second link must reference the first transaction's hash")
	}
	if first.RKSVHash == second.RKSVHash {
		t.Error("Identical payloads at different chain positions must hash differently")
	}

	if err := chain.Verify(links); err != nil {
		t.Errorf("Recorded chain failed verification: %v", err)
	}
}

func TestRecordRejectsInvalidData(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	cases := []struct {
		name string
		data *models.TransactionData
	}{
		{"no items", &models.TransactionData{TotalAmount: 5, PaymentMethod: "cash"}},
		{"zero quantity", &models.TransactionData{
			Items:         []models.LineItem{{Name: "Item", Quantity: 0, UnitPrice: 5}},
			TotalAmount:   0,
			PaymentMethod: "cash",
		}},
		{"missing payment method", &models.TransactionData{
			Items:       []models.LineItem{{Name: "Item", Quantity: 1, UnitPrice: 5}},
			TotalAmount: 5,
		}},
		{"total mismatch", &models.TransactionData{
			Items:         []models.LineItem{{Name: "Item", Quantity: 1, UnitPrice: 5}},
			TotalAmount:   99,
			PaymentMethod: "cash",
		}},
	}

	for _, tc := range cases {
		if _, _, err := rec.Record(ctx, "tenant-a", tc.data, "cashier-1"); err == nil {
			t.Errorf("%s: invalid transaction was accepted", tc.name)
		}
	}

	links, err := store.ListChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list chain: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("Rejected transactions must not extend the chain, got %d links", len(links))
	}
}

func TestRecordSigningFailureLeavesStoreUnchanged(t *testing.T) {
	store := ledger.NewMemoryStore(false)
	rec := NewRecorder(store, failingSigner{}, nil, false)
	ctx := context.Background()

	_, _, err := rec.Record(ctx, "tenant-a", saleData(), "cashier-1")
	if !errors.Is(err, signing.ErrNoCredential) {
		t.Fatalf("Expected ErrNoCredential, got %v", err)
	}

	links, err := store.ListChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list chain: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("Failed signing must persist nothing, got %d links", len(links))
	}

	txs, err := store.ListTransactions(ctx, "tenant-a", minTime(), maxTime())
	if err != nil {
		t.Fatalf("Failed to list transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("Failed signing must persist nothing, got %d transactions", len(txs))
	}
}

func TestRecordConcurrentWritersProduceUnforkedChain(t *testing.T) {
	rec, store := newTestRecorder(t)
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	wg.Add(writers)

	for w := 0; w < writers; w++ {
		go func() {
			defer wg.Done()
			// The recorder retries tail conflicts internally; under heavy
			// contention it may exhaust its retries, which must surface as a
			// conflict and never as a forked chain.
			if _, _, err := rec.Record(ctx, "tenant-a", saleData(), "cashier-1"); err != nil {
				if !errors.Is(err, ledger.ErrTailConflict) {
					t.Errorf("Unexpected record error: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	links, err := store.ListChain(ctx, "tenant-a")
	if err != nil {
		t.Fatalf("Failed to list chain: %v", err)
	}
	if len(links) == 0 {
		t.Fatal("Expected at least one recorded transaction")
	}
	if err := chain.Verify(links); err != nil {
		t.Errorf("Concurrently written chain failed verification: %v", err)
	}
}

func TestQRCodeEncodesPreviousHashAndPayload(t *testing.T) {
	data := saleData()

	qrCode, err := QRCode(chain.InitialHash, data)
	if err != nil {
		t.Fatalf("Failed to build QR payload: %v", err)
	}

	decoded, err := base64.StdEncoding.DecodeString(qrCode)
	if err != nil {
		t.Fatalf("QR payload is not valid base64: %v", err)
	}

	if !strings.HasPrefix(string(decoded), chain.InitialHash) {
		t.Error("QR payload must start with the previous hash")
	}

	canonical, err := chain.CanonicalJSON(data)
	if err != nil {
		t.Fatalf("Failed to canonicalize: %v", err)
	}
	if !strings.HasSuffix(string(decoded), string(canonical)) {
		t.Error("QR payload must end with the canonical transaction data")
	}

	// An auditor can re-derive the sequence hash from the decoded parts.
	recomputed, err := chain.Extend(chain.InitialHash, data)
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}
	expected := string(decoded)[len(chain.InitialHash):]
	derived, err := chain.Extend(chain.InitialHash, mustUnmarshal(t, expected))
	if err != nil {
		t.Fatalf("Failed to re-derive hash: %v", err)
	}
	if derived != recomputed {
		t.Error("Hash derived from the QR payload does not match the chain hash")
	}
}

func minTime() time.Time {
	return time.Time{}
}

func maxTime() time.Time {
	return time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
}

func mustUnmarshal(t *testing.T, raw string) interface{} {
	t.Helper()

	var decoded interface{}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("Failed to unmarshal %q: %v", raw, err)
	}
	return decoded
}
