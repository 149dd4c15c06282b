package signing

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Signer signs through a hardware security module. Tenant keys are
// located by CKA_LABEL equal to the tenant ID; the HSM never releases private
// key material.
type PKCS11Signer struct {
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	verbose bool

	// PKCS#11 sessions are not thread-safe and will segfault if used
	// concurrently.
	mu sync.Mutex
}

// NewPKCS11Signer loads the PKCS#11 module, opens a session on the first slot
// and logs in with the token PIN.
func NewPKCS11Signer(libraryPath, pin string, verbose bool) (*PKCS11Signer, error) {
	ctx := pkcs11.New(libraryPath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 library %s", libraryPath)
	}

	if err := ctx.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PKCS#11: %v", err)
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return nil, fmt.Errorf("failed to get slot list: %v", err)
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("no PKCS#11 slots found")
	}

	session, err := ctx.OpenSession(slots[0], pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return nil, fmt.Errorf("failed to open PKCS#11 session: %v", err)
	}

	if err := ctx.Login(session, pkcs11.CKU_USER, pin); err != nil {
		return nil, fmt.Errorf("failed to login to token: %v", err)
	}

	if verbose {
		log.Printf("[SIGNING] PKCS#11 signer initialized (%s)", libraryPath)
	}

	return &PKCS11Signer{
		ctx:     ctx,
		session: session,
		verbose: verbose,
	}, nil
}

// Sign asks the HSM for an RSA-SHA256 signature over hashHex using the key
// labeled with the tenant ID.
func (s *PKCS11Signer) Sign(ctx context.Context, tenantID, hashHex string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.findPrivateKey(tenantID)
	if err != nil {
		return "", err
	}

	mechanism := []*pkcs11.Mechanism{
		pkcs11.NewMechanism(pkcs11.CKM_SHA256_RSA_PKCS, nil),
	}

	if err := s.ctx.SignInit(s.session, mechanism, key); err != nil {
		return "", fmt.Errorf("failed to init HSM signing for tenant %s: %v", tenantID, err)
	}

	signature, err := s.ctx.Sign(s.session, []byte(hashHex))
	if err != nil {
		return "", fmt.Errorf("HSM signing failed for tenant %s: %v", tenantID, err)
	}

	if s.verbose {
		log.Printf("[SIGNING] PKCS#11: signed hash %s... for tenant %s", hashHex[:8], tenantID)
	}

	return base64.StdEncoding.EncodeToString(signature), nil
}

func (s *PKCS11Signer) findPrivateKey(tenantID string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, tenantID),
	}

	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return 0, fmt.Errorf("failed to init HSM key lookup: %v", err)
	}

	objects, _, err := s.ctx.FindObjects(s.session, 1)
	if finalErr := s.ctx.FindObjectsFinal(s.session); finalErr != nil && err == nil {
		err = finalErr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find HSM key: %v", err)
	}

	if len(objects) == 0 {
		return 0, fmt.Errorf("tenant %s: %w", tenantID, ErrNoCredential)
	}

	return objects[0], nil
}

// Close logs out and releases the PKCS#11 session.
func (s *PKCS11Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx.Logout(s.session)
	if err := s.ctx.CloseSession(s.session); err != nil {
		return fmt.Errorf("failed to close PKCS#11 session: %v", err)
	}
	s.ctx.Finalize()
	s.ctx.Destroy()

	return nil
}
