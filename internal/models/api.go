package models

// RecordTransactionRequest is the body of POST /api/transaction.
type RecordTransactionRequest struct {
	Transaction TransactionData `json:"transaction"`
	CashierID   string          `json:"cashier_id"`
}

// RecordTransactionResponse mirrors the POS client contract.
type RecordTransactionResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	QRCode        string `json:"qr_code"`
	RKSVHash      string `json:"rksv_hash"`
	RKSVSignature string `json:"rksv_signature"`
}

// CloseDayRequest is the body of POST /api/close-day. Date is YYYY-MM-DD in the
// tenant's local timezone; empty means today.
type CloseDayRequest struct {
	Date string `json:"date"`
}

// CloseDayResponse reports the closing outcome. Status is "closed",
// "already_closed" or "empty".
type CloseDayResponse struct {
	Status  string   `json:"status"`
	ZReport *ZReport `json:"z_report,omitempty"`
}

// ExportRequest is the body of POST /api/export.
type ExportRequest struct {
	TenantID string `json:"tenant_id"`
	Date     string `json:"date"`
	Submit   bool   `json:"submit"`
}

// ExportResponse describes the archived document and optional delivery outcome.
type ExportResponse struct {
	StoragePath    string          `json:"storage_path"`
	RetrievalToken string          `json:"retrieval_token"`
	Delivery       *DeliveryResult `json:"delivery,omitempty"`
}

// RegisterTenantRequest is the body of POST /admin/tenants. It carries the API
// key explicitly because Tenant never serializes it.
type RegisterTenantRequest struct {
	Tenant
	APIKey string `json:"api_key"`
}

// ChainTailResponse is the current tail view of a tenant's chain. It carries
// only the hash: the tail may be served from the cache, which never knows the
// chain length; the verify endpoint reports the full link count.
type ChainTailResponse struct {
	TenantID     string `json:"tenant_id"`
	SequenceHash string `json:"sequence_hash"`
}

// ChainVerifyResponse is the result of a full chain walk.
type ChainVerifyResponse struct {
	TenantID string `json:"tenant_id"`
	Links    int    `json:"links"`
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
}

// ErrorResponse is the uniform API error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
