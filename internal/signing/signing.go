// Package signing provides the pluggable signature capability of the fiscal
// chain. An unsigned chain entry is a compliance violation, so every
// implementation fails loudly when no credential is configured for a tenant.
package signing

import (
	"context"
	"errors"
)

// ErrNoCredential is returned when a tenant has no signing credential
// provisioned. It must never be silently substituted with a default.
var ErrNoCredential = errors.New("no signing credential configured for tenant")

// Signer turns a sequence hash into a signature using the tenant's credential.
// Implementations are selected per deployment at construction time.
type Signer interface {
	Sign(ctx context.Context, tenantID, hashHex string) (string, error)
}

// Verifier is implemented by signers whose signatures can be checked locally
// (RSA against the retained public key, HMAC by recomputation).
type Verifier interface {
	Verify(tenantID, hashHex, signatureBase64 string) error
}
