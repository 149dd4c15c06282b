package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"
	"sync"
)

// HMACSigner signs with HMAC-SHA256 using a per-tenant shared secret. HMAC
// offers no third-party-verifiable non-repudiation, so this variant is only
// acceptable for non-production configurations.
type HMACSigner struct {
	mu      sync.RWMutex
	secrets map[string][]byte
	verbose bool
}

// NewHMACSigner binds the configured shared secrets to their tenants.
func NewHMACSigner(secrets map[string]string, verbose bool) *HMACSigner {
	s := &HMACSigner{
		secrets: make(map[string][]byte, len(secrets)),
		verbose: verbose,
	}
	for tenantID, secret := range secrets {
		s.secrets[tenantID] = []byte(secret)
	}

	log.Printf("[SIGNING] WARNING: HMAC signing offers no non-repudiation, use for test deployments only")

	return s
}

// RegisterSecret provisions a tenant's shared secret once.
func (s *HMACSigner) RegisterSecret(tenantID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.secrets[tenantID]; exists {
		return fmt.Errorf("signing credential for tenant %s already provisioned", tenantID)
	}
	s.secrets[tenantID] = []byte(secret)

	return nil
}

// Sign produces a base64 HMAC-SHA256 tag over hashHex.
func (s *HMACSigner) Sign(ctx context.Context, tenantID, hashHex string) (string, error) {
	s.mu.RLock()
	secret, exists := s.secrets[tenantID]
	s.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("tenant %s: %w", tenantID, ErrNoCredential)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(hashHex))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the tag and compares in constant time.
func (s *HMACSigner) Verify(tenantID, hashHex, signatureBase64 string) error {
	expected, err := s.Sign(context.Background(), tenantID, hashHex)
	if err != nil {
		return err
	}

	got, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("invalid base64 signature: %v", err)
	}

	want, _ := base64.StdEncoding.DecodeString(expected)
	if !hmac.Equal(got, want) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}
