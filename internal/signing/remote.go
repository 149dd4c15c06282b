package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// RemoteSigner delegates signing to an external authority (signing service or
// HSM gateway) over HTTP. The actual cryptographic operation happens remotely;
// this adapter only carries the hash across and the signature back.
type RemoteSigner struct {
	baseURL    string
	httpClient *http.Client
	verbose    bool
}

type remoteSignRequest struct {
	TenantID string `json:"tenant_id"`
	Hash     string `json:"hash"`
}

type remoteSignResponse struct {
	Signature string `json:"signature"`
}

type remoteErrorResponse struct {
	Error string `json:"error"`
}

// NewRemoteSigner creates an adapter for the signing service at baseURL. The
// timeout bounds the whole round-trip; on timeout the chain extension aborts.
func NewRemoteSigner(baseURL string, timeout time.Duration, verbose bool) *RemoteSigner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &RemoteSigner{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		verbose: verbose,
	}
}

// Sign sends the hash to the remote authority and returns its signature.
func (r *RemoteSigner) Sign(ctx context.Context, tenantID, hashHex string) (string, error) {
	if r.verbose {
		log.Printf("[SIGNING] Remote: signing hash %s... for tenant %s", hashHex[:8], tenantID)
	}

	requestBody, err := json.Marshal(remoteSignRequest{
		TenantID: tenantID,
		Hash:     hashHex,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sign request: %v", err)
	}

	url := r.baseURL + "/sign"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call signing service at %s: %v", url, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusPreconditionFailed {
		return "", fmt.Errorf("tenant %s: %w", tenantID, ErrNoCredential)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp remoteErrorResponse
		if json.Unmarshal(responseBody, &errorResp) == nil && errorResp.Error != "" {
			return "", fmt.Errorf("signing service error (%d): %s", resp.StatusCode, errorResp.Error)
		}
		return "", fmt.Errorf("signing service returned status %d: %s", resp.StatusCode, string(responseBody))
	}

	var signResp remoteSignResponse
	if err := json.Unmarshal(responseBody, &signResp); err != nil {
		return "", fmt.Errorf("failed to parse sign response: %v", err)
	}

	if signResp.Signature == "" {
		return "", fmt.Errorf("signing service returned an empty signature")
	}

	if r.verbose {
		preview := signResp.Signature
		if len(preview) > 16 {
			preview = preview[:16]
		}
		log.Printf("[SIGNING] Remote: received signature %s...", preview)
	}

	return signResp.Signature, nil
}
