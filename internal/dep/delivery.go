package dep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"rksv-fiscal-service/internal/ledger"
	"rksv-fiscal-service/internal/models"
)

// FinanzOnline endpoints. The sandbox accepts test submissions.
const (
	productionEndpoint = "https://finanzonline.bmf.gv.at/fonws/ws/"
	sandboxEndpoint    = "https://test.finanzonline.bmf.gv.at/fonws/ws/"
)

// DeliveryClient submits DEP documents to the FinanzOnline registry. Every
// attempt is persisted to the delivery log, success or not, because an
// un-delivered compliance record is a legal exposure.
type DeliveryClient struct {
	endpoint      string
	participantID string
	userID        string
	password      string
	store         ledger.Store
	httpClient    *http.Client
	verbose       bool
}

type depUploadRequest struct {
	TeilnehmerID string `json:"TeilnehmerId"`
	BenutzerID   string `json:"BenutzerId"`
	Passwort     string `json:"Passwort"`
	DEP          string `json:"DEP"`
	Typ          string `json:"Typ"`
	Datum        string `json:"Datum"`
}

// NewDeliveryClient creates a FinanzOnline delivery client.
func NewDeliveryClient(useSandbox bool, participantID, userID, password string, store ledger.Store, verbose bool) *DeliveryClient {
	endpoint := productionEndpoint
	if useSandbox {
		endpoint = sandboxEndpoint
	}

	return &DeliveryClient{
		endpoint:      endpoint,
		participantID: participantID,
		userID:        userID,
		password:      password,
		store:         store,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		verbose: verbose,
	}
}

// Submit uploads the DEP document for a tenant and date. The outcome is logged
// regardless of success; a transport failure is returned as a retryable error
// after logging.
func (d *DeliveryClient) Submit(ctx context.Context, tenantID, date string, document []byte) (*models.DeliveryResult, error) {
	body, err := json.Marshal(depUploadRequest{
		TeilnehmerID: d.participantID,
		BenutzerID:   d.userID,
		Passwort:     d.password,
		DEP:          string(document),
		Typ:          "RKSV-DEP-EXPORT",
		Datum:        date,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal upload request: %v", err)
	}

	url := d.endpoint + "rkws/depUpload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logAttempt(ctx, tenantID, date, "error", err.Error())
		return nil, fmt.Errorf("failed to reach FinanzOnline at %s: %v", url, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		d.logAttempt(ctx, tenantID, date, "error", err.Error())
		return nil, fmt.Errorf("failed to read FinanzOnline response: %v", err)
	}

	status := "success"
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = "error"
	}

	d.logAttempt(ctx, tenantID, date, status, string(responseBody))

	if d.verbose {
		log.Printf("[DEP] FinanzOnline upload for tenant %s date %s: %s", tenantID, date, status)
	}

	return &models.DeliveryResult{
		Status:           status,
		ProviderResponse: string(responseBody),
	}, nil
}

func (d *DeliveryClient) logAttempt(ctx context.Context, tenantID, date, status, response string) {
	entry := &models.DeliveryLog{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Date:      date,
		Status:    status,
		Response:  response,
		CreatedAt: time.Now().UTC(),
	}

	if err := d.store.LogDelivery(ctx, entry); err != nil {
		log.Printf("[DEP] Failed to persist delivery log for tenant %s: %v", tenantID, err)
	}
}
