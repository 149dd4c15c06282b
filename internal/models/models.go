package models

import (
	"fmt"
	"math"
	"time"
)

// Payload types a ChainLink can certify.
const (
	PayloadTransaction = "transaction"
	PayloadZReport     = "zreport"
)

// totalTolerance is the maximum accepted difference between the client-declared
// total and the sum of line items, to catch client-side tampering or rounding bugs.
const totalTolerance = 0.01

// ChainLink is one immutable record in a tenant's signature chain. Links form a
// strict singly-linked list per tenant: PreviousHash of link k equals
// SequenceHash of link k-1. CreatedAt is only used to locate the tail, never to
// compute or verify the hash linkage.
type ChainLink struct {
	ID           string    `json:"id" db:"id"`
	TenantID     string    `json:"tenant_id" db:"tenant_id"`
	SequenceHash string    `json:"sequence_hash" db:"sequence_hash"`
	PreviousHash string    `json:"previous_hash" db:"previous_hash"`
	Signature    string    `json:"signature" db:"signature"`
	PayloadType  string    `json:"payload_type" db:"payload_type"`
	PayloadRef   string    `json:"payload_ref" db:"payload_ref"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// LineItem is a single position on a receipt.
type LineItem struct {
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	TaxRate   int     `json:"tax_rate"`
}

// TotalPrice returns the gross amount of the line.
func (i LineItem) TotalPrice() float64 {
	return float64(i.Quantity) * i.UnitPrice
}

// TransactionData is the client-declared sale payload. Its canonical JSON form
// is the exact byte sequence fed into the hash chain, so field names here are a
// compliance-facing contract and must stay stable.
type TransactionData struct {
	Items         []LineItem `json:"items"`
	TotalAmount   float64    `json:"totalAmount"`
	PaymentMethod string     `json:"paymentMethod"`
}

// ComputedTotal sums the line items, rounded to 2 decimals.
func (d *TransactionData) ComputedTotal() float64 {
	var total float64
	for _, item := range d.Items {
		total += item.TotalPrice()
	}
	return math.Round(total*100) / 100
}

// Validate rejects malformed transaction data before any chain mutation.
func (d *TransactionData) Validate() error {
	if len(d.Items) == 0 {
		return fmt.Errorf("transaction must contain at least one item")
	}

	for i, item := range d.Items {
		if item.Name == "" {
			return fmt.Errorf("item %d: name is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("item %d: unit price must not be negative", i)
		}
	}

	if d.PaymentMethod == "" {
		return fmt.Errorf("payment method is required")
	}

	if diff := math.Abs(d.TotalAmount - d.ComputedTotal()); diff > totalTolerance {
		return fmt.Errorf("declared total %.2f does not match computed total %.2f",
			d.TotalAmount, d.ComputedTotal())
	}

	return nil
}

// Transaction is a completed point-of-sale sale. Immutable once its chain link
// is attached; never deleted (legal retention). RKSVHash and RKSVSignature are
// denormalized copies of the link for display without a chain traversal.
type Transaction struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	Items         []LineItem `json:"items"`
	TotalAmount   float64    `json:"total_amount" db:"total_amount"`
	PaymentMethod string     `json:"payment_method" db:"payment_method"`
	CashierID     string     `json:"cashier_id" db:"cashier_id"`
	RKSVHash      string     `json:"rksv_hash" db:"rksv_hash"`
	RKSVSignature string     `json:"rksv_signature" db:"rksv_signature"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// ZReportData is the closing summary payload fed into the hash chain. Same
// stability contract as TransactionData.
type ZReportData struct {
	Date              string  `json:"date"`
	TotalTransactions int     `json:"totalTransactions"`
	TotalAmount       float64 `json:"totalAmount"`
}

// ZReport is a per-tenant, per-calendar-day closing summary. At most one exists
// per tenant and date.
type ZReport struct {
	ID                string    `json:"id" db:"id"`
	TenantID          string    `json:"tenant_id" db:"tenant_id"`
	Date              string    `json:"date" db:"date"`
	TotalTransactions int       `json:"total_transactions" db:"total_transactions"`
	TotalAmount       float64   `json:"total_amount" db:"total_amount"`
	RKSVHash          string    `json:"rksv_hash" db:"rksv_hash"`
	RKSVSignature     string    `json:"rksv_signature" db:"rksv_signature"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Data returns the chain payload the report was signed over.
func (z *ZReport) Data() ZReportData {
	return ZReportData{
		Date:              z.Date,
		TotalTransactions: z.TotalTransactions,
		TotalAmount:       z.TotalAmount,
	}
}

// Tenant holds the fiscal identity and API credential of one isolation boundary.
// Registered once; immutable thereafter.
type Tenant struct {
	ID               string `json:"id" yaml:"id"`
	Name             string `json:"name" yaml:"name"`
	Status           string `json:"status" yaml:"status"`
	CashRegisterID   string `json:"cash_register_id" yaml:"cash_register_id"`
	CertSerialNumber string `json:"cert_serial_number" yaml:"cert_serial_number"`
	Timezone         string `json:"timezone" yaml:"timezone"`
	APIKey           string `json:"-" yaml:"api_key"`
}

// Tenant status values.
const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// DEPExport references an archived export document.
type DEPExport struct {
	TenantID       string    `json:"tenant_id"`
	Date           string    `json:"date"`
	Document       []byte    `json:"-"`
	StoragePath    string    `json:"storage_path"`
	RetrievalToken string    `json:"retrieval_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// DeliveryResult is the outcome of a regulator submission.
type DeliveryResult struct {
	Status           string `json:"status"`
	ProviderResponse string `json:"provider_response"`
}

// DeliveryLog is the persisted record of one submission attempt, kept
// regardless of outcome.
type DeliveryLog struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Date      string    `json:"date" db:"date"`
	Status    string    `json:"status" db:"status"`
	Response  string    `json:"response" db:"response"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
