package signing

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// RSASigner signs with RSA-SHA256 (PKCS#1 v1.5) over the hex sequence hash,
// one private key per tenant. Keys are loaded from PEM files named
// <tenantID>.pem in the configured key directory; public keys are retained for
// third-party verification.
type RSASigner struct {
	mu      sync.RWMutex
	keys    map[string]*rsa.PrivateKey
	verbose bool
}

// NewRSASigner loads every *.pem file in keyDir. An empty directory is valid;
// keys can also be registered at tenant registration time.
func NewRSASigner(keyDir string, verbose bool) (*RSASigner, error) {
	s := &RSASigner{
		keys:    make(map[string]*rsa.PrivateKey),
		verbose: verbose,
	}

	if keyDir == "" {
		return s, nil
	}

	entries, err := os.ReadDir(keyDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read key directory %s: %v", keyDir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pem") {
			continue
		}

		tenantID := strings.TrimSuffix(entry.Name(), ".pem")
		keyData, err := os.ReadFile(filepath.Join(keyDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read key for tenant %s: %v", tenantID, err)
		}

		if err := s.RegisterKey(tenantID, keyData); err != nil {
			return nil, err
		}
	}

	if verbose {
		log.Printf("[SIGNING] RSA signer loaded %d tenant keys from %s", len(s.keys), keyDir)
	}

	return s, nil
}

// RegisterKey parses a PEM-encoded RSA private key and binds it to the tenant.
// Credentials are provisioned once; re-registering a tenant is rejected.
func (s *RSASigner) RegisterKey(tenantID string, pemData []byte) error {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return fmt.Errorf("failed to decode PEM block for tenant %s", tenantID)
	}

	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = parsed
	} else {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse private key for tenant %s: %v", tenantID, err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return fmt.Errorf("private key for tenant %s is not RSA", tenantID)
		}
		key = rsaKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[tenantID]; exists {
		return fmt.Errorf("signing credential for tenant %s already provisioned", tenantID)
	}
	s.keys[tenantID] = key

	return nil
}

// Sign produces a base64 RSA-SHA256 signature over hashHex.
func (s *RSASigner) Sign(ctx context.Context, tenantID, hashHex string) (string, error) {
	s.mu.RLock()
	key, exists := s.keys[tenantID]
	s.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("tenant %s: %w", tenantID, ErrNoCredential)
	}

	digest := sha256.Sum256([]byte(hashHex))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign hash for tenant %s: %v", tenantID, err)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

// Verify checks a signature against the tenant's retained public key.
func (s *RSASigner) Verify(tenantID, hashHex, signatureBase64 string) error {
	s.mu.RLock()
	key, exists := s.keys[tenantID]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNoCredential)
	}

	signature, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("invalid base64 signature: %v", err)
	}

	digest := sha256.Sum256([]byte(hashHex))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %v", err)
	}

	return nil
}

// PublicKeyBase64 returns the tenant's public key in base64 DER form, the
// representation handed to the regulator for independent verification.
func (s *RSASigner) PublicKeyBase64(tenantID string) (string, error) {
	s.mu.RLock()
	key, exists := s.keys[tenantID]
	s.mu.RUnlock()

	if !exists {
		return "", fmt.Errorf("tenant %s: %w", tenantID, ErrNoCredential)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %v", err)
	}

	return base64.StdEncoding.EncodeToString(publicKeyBytes), nil
}
