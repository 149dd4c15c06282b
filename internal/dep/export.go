// Package dep produces the Datenerfassungsprotokoll, the regulator-defined
// export of a tenant's signature chain and closing reports, and delivers it to
// FinanzOnline. Everything here is read-only with respect to the chain.
package dep

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"rksv-fiscal-service/internal/ledger"
	"rksv-fiscal-service/internal/models"
	"rksv-fiscal-service/internal/tenants"
)

// ErrNoZReport means the requested date has not been closed yet; the day must
// be closed before it can be exported.
var ErrNoZReport = errors.New("dep: no z-report for date, close the day first")

const depNamespace = "http://finanzonline.bmf.gv.at/rksv/dep"

type depDocument struct {
	XMLName  xml.Name    `xml:"Datenerfassungsprotokoll"`
	Xmlns    string      `xml:"xmlns,attr"`
	Header   depHeader   `xml:"Header"`
	Receipts depReceipts `xml:"Belegliste"`
	Reports  depReports  `xml:"ZBerichte"`
}

type depHeader struct {
	KassenID               string `xml:"KassenID"`
	ZertifikatSeriennummer string `xml:"ZertifikatSeriennummer"`
	ExportDatum            string `xml:"ExportDatum"`
	Transaktionen          int    `xml:"Transaktionen"`
	Umsatz                 string `xml:"Umsatz"`
	ZBerichtSignatur       string `xml:"ZBerichtSignatur"`
}

type depReceipts struct {
	Receipts []depReceipt `xml:"Beleg"`
}

type depReceipt struct {
	BelegNr           string `xml:"BelegNr"`
	Datum             string `xml:"Datum"`
	Betrag            string `xml:"Betrag"`
	Hash              string `xml:"Hash"`
	Signatur          string `xml:"Signatur"`
	VorherigeSignatur string `xml:"VorherigeSignatur"`
}

type depReports struct {
	Reports []depReport `xml:"ZBericht"`
}

type depReport struct {
	Datum         string `xml:"Datum"`
	Umsatz        string `xml:"Umsatz"`
	Transaktionen int    `xml:"Transaktionen"`
	Hash          string `xml:"Hash"`
	Signatur      string `xml:"Signatur"`
}

// Exporter builds, archives and serves DEP documents.
type Exporter struct {
	store      ledger.Store
	registry   *tenants.Registry
	archiveDir string
	tokens     *gocache.Cache
	tokenTTL   time.Duration
	verbose    bool
}

// NewExporter creates a DEP exporter archiving to archiveDir. Retrieval tokens
// expire after tokenTTL.
func NewExporter(store ledger.Store, registry *tenants.Registry, archiveDir string, tokenTTL time.Duration, verbose bool) *Exporter {
	return &Exporter{
		store:      store,
		registry:   registry,
		archiveDir: archiveDir,
		tokens:     gocache.New(tokenTTL, 10*time.Minute),
		tokenTTL:   tokenTTL,
		verbose:    verbose,
	}
}

// Export serializes the tenant's chain and Z-Report for the date into the DEP
// XML format, archives the document keyed by (tenant, date) and mints a
// time-bounded retrieval token.
func (e *Exporter) Export(ctx context.Context, tenantID, date string) (*models.DEPExport, error) {
	cashRegisterID, certSerialNumber, err := e.registry.FiscalIdentity(tenantID)
	if err != nil {
		return nil, err
	}

	report, err := e.store.GetZReport(ctx, tenantID, date)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, fmt.Errorf("tenant %s date %s: %w", tenantID, date, ErrNoZReport)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load z-report: %v", err)
	}

	loc := e.registry.Location(tenantID)
	start, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %v", date, err)
	}
	end := start.AddDate(0, 0, 1)

	txs, err := e.store.ListTransactions(ctx, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %v", err)
	}

	// Map each sequence hash to its link so every receipt entry can carry its
	// predecessor hash for independent verification.
	links, err := e.store.ListChain(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chain: %v", err)
	}
	previousOf := make(map[string]string, len(links))
	for _, link := range links {
		previousOf[link.SequenceHash] = link.PreviousHash
	}

	doc := depDocument{
		Xmlns: depNamespace,
		Header: depHeader{
			KassenID:               cashRegisterID,
			ZertifikatSeriennummer: certSerialNumber,
			ExportDatum:            time.Now().UTC().Format(time.RFC3339),
			Transaktionen:          report.TotalTransactions,
			Umsatz:                 fmt.Sprintf("%.2f", report.TotalAmount),
			ZBerichtSignatur:       report.RKSVSignature,
		},
	}

	for _, tx := range txs {
		doc.Receipts.Receipts = append(doc.Receipts.Receipts, depReceipt{
			BelegNr:           tx.ID,
			Datum:             tx.CreatedAt.UTC().Format(time.RFC3339),
			Betrag:            fmt.Sprintf("%.2f", tx.TotalAmount),
			Hash:              tx.RKSVHash,
			Signatur:          tx.RKSVSignature,
			VorherigeSignatur: previousOf[tx.RKSVHash],
		})
	}

	reports, err := e.store.ListZReports(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list z-reports: %v", err)
	}
	for _, r := range reports {
		doc.Reports.Reports = append(doc.Reports.Reports, depReport{
			Datum:         r.Date,
			Umsatz:        fmt.Sprintf("%.2f", r.TotalAmount),
			Transaktionen: r.TotalTransactions,
			Hash:          r.RKSVHash,
			Signatur:      r.RKSVSignature,
		})
	}

	document, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal DEP document: %v", err)
	}
	document = append([]byte(xml.Header), document...)

	storagePath, err := e.archive(tenantID, date, document)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	e.tokens.Set(token, storagePath, e.tokenTTL)

	if e.verbose {
		log.Printf("[DEP] Export created for tenant %s date %s: %s (%d receipts)",
			tenantID, date, storagePath, len(txs))
	}

	return &models.DEPExport{
		TenantID:       tenantID,
		Date:           date,
		Document:       document,
		StoragePath:    storagePath,
		RetrievalToken: token,
		ExpiresAt:      time.Now().Add(e.tokenTTL),
	}, nil
}

// archive writes the document to the export directory keyed by tenant and date.
func (e *Exporter) archive(tenantID, date string, document []byte) (string, error) {
	dir := filepath.Join(e.archiveDir, tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %v", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("DEP-%s.xml", date))
	if err := os.WriteFile(path, document, 0o644); err != nil {
		return "", fmt.Errorf("failed to archive DEP document: %v", err)
	}

	return path, nil
}

// Resolve maps a retrieval token to the archived document path, if the token
// has not expired.
func (e *Exporter) Resolve(token string) (string, bool) {
	path, found := e.tokens.Get(token)
	if !found {
		return "", false
	}

	return path.(string), true
}
