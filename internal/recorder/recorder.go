// Package recorder records point-of-sale transactions into the tenant's
// signature chain: validate, read tail, extend, sign, persist atomically.
package recorder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/ledger"
	"rksv-fiscal-service/internal/models"
	"rksv-fiscal-service/internal/signing"
	"rksv-fiscal-service/internal/tailcache"
)

// maxRetries bounds the retry-from-read loop on tail conflicts. The hash input
// depends on the tail, so only the whole read-extend-sign-write sequence can be
// retried, never the write alone.
const maxRetries = 3

// Recorder chains and persists completed sales.
type Recorder struct {
	store   ledger.Store
	signer  signing.Signer
	tails   *tailcache.Cache
	verbose bool
}

// NewRecorder creates a transaction recorder. tails may be nil.
func NewRecorder(store ledger.Store, signer signing.Signer, tails *tailcache.Cache, verbose bool) *Recorder {
	return &Recorder{
		store:   store,
		signer:  signer,
		tails:   tails,
		verbose: verbose,
	}
}

// Record validates the sale, extends the tenant's chain and persists the
// transaction together with its chain link as one atomic unit. It returns the
// stored transaction and the QR payload for the printed receipt. On a signing
// or storage failure nothing is persisted.
func (r *Recorder) Record(ctx context.Context, tenantID string, data *models.TransactionData, cashierID string) (*models.Transaction, string, error) {
	if tenantID == "" {
		return nil, "", fmt.Errorf("tenant id is required")
	}
	if data == nil {
		return nil, "", fmt.Errorf("transaction data is required")
	}
	if err := data.Validate(); err != nil {
		return nil, "", err
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		// The cached tail is never trusted for extension; the ledger's real
		// tail is the only source of truth.
		tail, err := r.store.GetTail(ctx, tenantID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read chain tail: %v", err)
		}

		previousHash := chain.InitialHash
		if tail != nil {
			previousHash = tail.SequenceHash
		}

		sequenceHash, err := chain.Extend(previousHash, data)
		if err != nil {
			return nil, "", err
		}

		signature, err := r.signer.Sign(ctx, tenantID, sequenceHash)
		if err != nil {
			// An unsigned transaction must never be stored.
			return nil, "", fmt.Errorf("signing failed: %w", err)
		}

		now := time.Now().UTC()
		tx := &models.Transaction{
			ID:            uuid.NewString(),
			TenantID:      tenantID,
			Items:         data.Items,
			TotalAmount:   data.TotalAmount,
			PaymentMethod: data.PaymentMethod,
			CashierID:     cashierID,
			RKSVHash:      sequenceHash,
			RKSVSignature: signature,
			CreatedAt:     now,
		}
		link := &models.ChainLink{
			ID:           uuid.NewString(),
			TenantID:     tenantID,
			SequenceHash: sequenceHash,
			PreviousHash: previousHash,
			Signature:    signature,
			PayloadType:  models.PayloadTransaction,
			PayloadRef:   tx.ID,
			CreatedAt:    now,
		}

		err = r.store.AppendTransaction(ctx, tx, link)
		if errors.Is(err, ledger.ErrTailConflict) {
			r.tails.Invalidate(ctx, tenantID)
			if r.verbose {
				log.Printf("[RECORDER] Tail conflict for tenant %s, retrying (attempt %d)", tenantID, attempt+1)
			}
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to persist transaction: %v", err)
		}

		r.tails.Set(ctx, tenantID, sequenceHash)

		qrCode, err := QRCode(previousHash, data)
		if err != nil {
			return nil, "", err
		}

		if r.verbose {
			log.Printf("[RECORDER] Transaction %s recorded for tenant %s (hash %s...)",
				tx.ID, tenantID, sequenceHash[:12])
		}

		return tx, qrCode, nil
	}

	return nil, "", fmt.Errorf("chain extension for tenant %s: %w", tenantID, ledger.ErrTailConflict)
}

// QRCode derives the on-receipt verification payload:
//
//	base64(previousHash ++ canonicalJSON(transactionData))
//
// A customer or auditor can re-derive the transaction's sequence hash from it
// offline. The encoding is stable; it is a compliance-facing artifact.
func QRCode(previousHash string, data *models.TransactionData) (string, error) {
	canonical, err := chain.CanonicalJSON(data)
	if err != nil {
		return "", err
	}

	payload := append([]byte(previousHash), canonical...)
	return base64.StdEncoding.EncodeToString(payload), nil
}
