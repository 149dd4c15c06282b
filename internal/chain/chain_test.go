package chain

import (
	"encoding/hex"
	"testing"
	"time"

	"rksv-fiscal-service/internal/models"
)

func testData() *models.TransactionData {
	return &models.TransactionData{
		Items: []models.LineItem{
			{Name: "Espresso", Quantity: 2, UnitPrice: 2.50, TaxRate: 10},
			{Name: "Croissant", Quantity: 1, UnitPrice: 3.20, TaxRate: 10},
		},
		TotalAmount:   8.20,
		PaymentMethod: "cash",
	}
}

func TestCanonicalJSONDeterministic(t *testing.T) {
	data := testData()

	first, err := CanonicalJSON(data)
	if err != nil {
		t.Fatalf("Failed to canonicalize: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := CanonicalJSON(data)
		if err != nil {
			t.Fatalf("Failed to canonicalize on run %d: %v", i, err)
		}
		if string(again) != string(first) {
			t.Fatalf("Canonical form changed between runs:\n%s\n%s", first, again)
		}
	}
}

func TestCanonicalJSONSortsMapKeys(t *testing.T) {
	// Maps with identical content must canonicalize identically regardless of
	// insertion order.
	a := map[string]interface{}{"zebra": 1, "alpha": 2, "mid": 3}
	b := map[string]interface{}{"mid": 3, "alpha": 2, "zebra": 1}

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("Failed to canonicalize: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("Failed to canonicalize: %v", err)
	}

	if string(ca) != string(cb) {
		t.Errorf("Expected identical canonical forms, got %s and %s", ca, cb)
	}

	if string(ca) != `{"alpha":2,"mid":3,"zebra":1}` {
		t.Errorf("Unexpected canonical form: %s", ca)
	}
}

func TestExtendFromInitialHash(t *testing.T) {
	hash, err := Extend(InitialHash, testData())
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}

	if len(hash) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(hash))
	}
	if _, err := hex.DecodeString(hash); err != nil {
		t.Errorf("Sequence hash is not valid hex: %v", err)
	}
}

func TestExtendDeterministic(t *testing.T) {
	first, err := Extend(InitialHash, testData())
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}

	second, err := Extend(InitialHash, testData())
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}

	if first != second {
		t.Errorf("Same payload and previous hash must yield the same sequence hash, got %s and %s", first, second)
	}
}

func TestExtendDependsOnPreviousHash(t *testing.T) {
	data := testData()

	first, err := Extend(InitialHash, data)
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}

	second, err := Extend(first, data)
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}

	if first == second {
		t.Error("Identical payloads with different previous hashes must yield different sequence hashes")
	}
}

func TestExtendDetectsPayloadTampering(t *testing.T) {
	original, err := Extend(InitialHash, testData())
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}

	tampered := testData()
	tampered.Items[0].UnitPrice = 0.01
	tampered.TotalAmount = 3.22

	recomputed, err := Extend(InitialHash, tampered)
	if err != nil {
		t.Fatalf("Failed to extend chain: %v", err)
	}

	if recomputed == original {
		t.Error("Tampered payload produced the original hash")
	}
}

func buildChain(t *testing.T, payloads ...interface{}) []models.ChainLink {
	t.Helper()

	links := make([]models.ChainLink, 0, len(payloads))
	previous := InitialHash
	for i, payload := range payloads {
		hash, err := Extend(previous, payload)
		if err != nil {
			t.Fatalf("Failed to extend chain at link %d: %v", i, err)
		}
		links = append(links, models.ChainLink{
			SequenceHash: hash,
			PreviousHash: previous,
			CreatedAt:    time.Now(),
		})
		previous = hash
	}

	return links
}

func TestVerifyAcceptsValidChain(t *testing.T) {
	links := buildChain(t, testData(), testData(), models.ZReportData{Date: "2026-08-27", TotalTransactions: 2, TotalAmount: 16.40})

	if err := Verify(links); err != nil {
		t.Errorf("Valid chain rejected: %v", err)
	}
}

func TestVerifyAcceptsEmptyChain(t *testing.T) {
	if err := Verify(nil); err != nil {
		t.Errorf("Empty chain rejected: %v", err)
	}
}

func TestVerifyRejectsMissingSentinel(t *testing.T) {
	links := buildChain(t, testData(), testData())
	links[0].PreviousHash = "deadbeef"

	if err := Verify(links); err == nil {
		t.Error("Chain without the initial sentinel was accepted")
	}
}

func TestVerifyRejectsBrokenLinkage(t *testing.T) {
	links := buildChain(t, testData(), testData(), testData())
	links[1].SequenceHash = "0000000000000000000000000000000000000000000000000000000000000000"

	if err := Verify(links); err == nil {
		t.Error("Chain with broken linkage was accepted")
	}
}
