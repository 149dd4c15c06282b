package handlers

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"rksv-fiscal-service/internal/chain"
	"rksv-fiscal-service/internal/closing"
	"rksv-fiscal-service/internal/dep"
	"rksv-fiscal-service/internal/ledger"
	"rksv-fiscal-service/internal/models"
	"rksv-fiscal-service/internal/recorder"
	"rksv-fiscal-service/internal/signing"
	"rksv-fiscal-service/internal/tailcache"
	"rksv-fiscal-service/internal/tenants"
)

const tenantContextKey = "tenant"

// Handler exposes the fiscal API over gin.
type Handler struct {
	recorder     *recorder.Recorder
	orchestrator *closing.Orchestrator
	exporter     *dep.Exporter
	delivery     *dep.DeliveryClient
	registry     *tenants.Registry
	store        ledger.Store
	tails        *tailcache.Cache
	adminKey     string
	verbose      bool
}

// NewHandler creates the API handler. delivery may be nil when FinanzOnline
// submission is disabled.
func NewHandler(rec *recorder.Recorder, orchestrator *closing.Orchestrator, exporter *dep.Exporter, delivery *dep.DeliveryClient, registry *tenants.Registry, store ledger.Store, tails *tailcache.Cache, adminKey string, verbose bool) *Handler {
	return &Handler{
		recorder:     rec,
		orchestrator: orchestrator,
		exporter:     exporter,
		delivery:     delivery,
		registry:     registry,
		store:        store,
		tails:        tails,
		adminKey:     adminKey,
		verbose:      verbose,
	}
}

// RegisterRoutes wires all endpoints onto the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.Health)

	api := router.Group("/api")
	api.Use(h.RequireTenant())
	{
		api.POST("/transaction", h.RecordTransaction)
		api.POST("/close-day", h.CloseDay)
		api.GET("/chain/tail", h.ChainTail)
		api.GET("/chain/verify", h.VerifyChain)
	}

	admin := router.Group("/admin")
	admin.Use(h.RequireAdmin())
	{
		admin.POST("/tenants", h.RegisterTenant)
		admin.POST("/export", h.ExportDEP)
		admin.GET("/export/:token", h.GetExport)
	}
}

// RequireTenant authenticates the caller by X-API-Key and stores the resolved
// tenant in the request context.
func (h *Handler) RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "missing X-API-Key header"})
			return
		}

		tenant, err := h.registry.Authenticate(apiKey)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid API key"})
			return
		}

		if tenant.Status != models.TenantActive {
			c.AbortWithStatusJSON(http.StatusForbidden, models.ErrorResponse{Error: "tenant is suspended"})
			return
		}

		c.Set(tenantContextKey, tenant)
		c.Next()
	}
}

// RequireAdmin guards operator endpoints with the configured admin key.
func (h *Handler) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminKey == "" || c.GetHeader("X-Admin-Key") != h.adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{Error: "invalid admin key"})
			return
		}

		c.Next()
	}
}

func (h *Handler) tenant(c *gin.Context) *models.Tenant {
	return c.MustGet(tenantContextKey).(*models.Tenant)
}

// Health reports service liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// RecordTransaction appends a signed transaction to the tenant's chain.
func (h *Handler) RecordTransaction(c *gin.Context) {
	tenant := h.tenant(c)

	var req models.RecordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	tx, qrCode, err := h.recorder.Record(c.Request.Context(), tenant.ID, &req.Transaction, req.CashierID)
	if err != nil {
		h.recordError(c, tenant.ID, err)
		return
	}

	if h.verbose {
		log.Printf("[API] Tenant %s: recorded transaction %s", tenant.ID, tx.ID)
	}

	c.JSON(http.StatusCreated, models.RecordTransactionResponse{
		Status:        "recorded",
		TransactionID: tx.ID,
		QRCode:        qrCode,
		RKSVHash:      tx.RKSVHash,
		RKSVSignature: tx.RKSVSignature,
	})
}

func (h *Handler) recordError(c *gin.Context, tenantID string, err error) {
	switch {
	case errors.Is(err, signing.ErrNoCredential):
		c.JSON(http.StatusPreconditionFailed, models.ErrorResponse{Error: "no signing credential provisioned for tenant"})
	case errors.Is(err, ledger.ErrTailConflict):
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "chain contention, retry the request"})
	default:
		log.Printf("[API] Tenant %s: record failed: %v", tenantID, err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	}
}

// CloseDay produces the signed Z-Report for the requested day.
func (h *Handler) CloseDay(c *gin.Context) {
	tenant := h.tenant(c)

	var req models.CloseDayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	date := req.Date
	if date == "" {
		date = time.Now().In(h.registry.Location(tenant.ID)).Format("2006-01-02")
	}

	report, err := h.orchestrator.CloseDay(c.Request.Context(), tenant.ID, date)
	switch {
	case errors.Is(err, closing.ErrAlreadyClosed):
		c.JSON(http.StatusOK, models.CloseDayResponse{Status: "already_closed", ZReport: report})
	case errors.Is(err, closing.ErrNoTransactions):
		c.JSON(http.StatusOK, models.CloseDayResponse{Status: "empty"})
	case errors.Is(err, signing.ErrNoCredential):
		c.JSON(http.StatusPreconditionFailed, models.ErrorResponse{Error: "no signing credential provisioned for tenant"})
	case errors.Is(err, ledger.ErrTailConflict):
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "chain contention, retry the request"})
	case err != nil:
		log.Printf("[API] Tenant %s: close day failed: %v", tenant.ID, err)
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusOK, models.CloseDayResponse{Status: "closed", ZReport: report})
	}
}

// ChainTail returns the tenant's current chain tail, served from the cache
// when available.
func (h *Handler) ChainTail(c *gin.Context) {
	tenant := h.tenant(c)

	if hash, ok := h.tails.Get(c.Request.Context(), tenant.ID); ok {
		c.JSON(http.StatusOK, models.ChainTailResponse{TenantID: tenant.ID, SequenceHash: hash})
		return
	}

	tail, err := h.store.GetTail(c.Request.Context(), tenant.ID)
	if err != nil {
		log.Printf("[API] Tenant %s: tail lookup failed: %v", tenant.ID, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "tail lookup failed"})
		return
	}

	resp := models.ChainTailResponse{TenantID: tenant.ID, SequenceHash: chain.InitialHash}
	if tail != nil {
		resp.SequenceHash = tail.SequenceHash
		h.tails.Set(c.Request.Context(), tenant.ID, tail.SequenceHash)
	}

	c.JSON(http.StatusOK, resp)
}

// VerifyChain walks the tenant's full chain and checks every link.
func (h *Handler) VerifyChain(c *gin.Context) {
	tenant := h.tenant(c)

	links, err := h.store.ListChain(c.Request.Context(), tenant.ID)
	if err != nil {
		log.Printf("[API] Tenant %s: chain listing failed: %v", tenant.ID, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "chain listing failed"})
		return
	}

	resp := models.ChainVerifyResponse{TenantID: tenant.ID, Links: len(links), Valid: true}
	if err := chain.Verify(links); err != nil {
		resp.Valid = false
		resp.Error = err.Error()
	}

	c.JSON(http.StatusOK, resp)
}

// RegisterTenant provisions a new tenant at runtime.
func (h *Handler) RegisterTenant(c *gin.Context) {
	var req models.RegisterTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	tenant := req.Tenant
	tenant.APIKey = req.APIKey

	if err := h.registry.Register(&tenant); err != nil {
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
		return
	}

	log.Printf("[API] Registered tenant %s", tenant.ID)
	c.JSON(http.StatusCreated, gin.H{"status": "registered", "tenant_id": tenant.ID})
}

// ExportDEP builds the DEP document for a closed day and optionally submits it
// to FinanzOnline.
func (h *Handler) ExportDEP(c *gin.Context) {
	var req models.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	export, err := h.exporter.Export(c.Request.Context(), req.TenantID, req.Date)
	switch {
	case errors.Is(err, tenants.ErrNoFiscalIdentity):
		c.JSON(http.StatusPreconditionFailed, models.ErrorResponse{Error: "tenant has no cash register identity configured"})
		return
	case errors.Is(err, dep.ErrNoZReport):
		c.JSON(http.StatusPreconditionFailed, models.ErrorResponse{Error: "no Z-Report for the requested day, close the day first"})
		return
	case errors.Is(err, tenants.ErrUnknownTenant):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown tenant"})
		return
	case err != nil:
		log.Printf("[API] Tenant %s: export failed: %v", req.TenantID, err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "export failed"})
		return
	}

	resp := models.ExportResponse{
		StoragePath:    export.StoragePath,
		RetrievalToken: export.RetrievalToken,
	}

	if req.Submit {
		if h.delivery == nil {
			c.JSON(http.StatusPreconditionFailed, models.ErrorResponse{Error: "FinanzOnline delivery is not configured"})
			return
		}

		result, err := h.delivery.Submit(c.Request.Context(), req.TenantID, req.Date, export.Document)
		if err != nil {
			log.Printf("[API] Tenant %s: FinanzOnline submission failed: %v", req.TenantID, err)
			c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "FinanzOnline submission failed"})
			return
		}
		resp.Delivery = result
	}

	c.JSON(http.StatusOK, resp)
}

// GetExport serves an archived DEP document by retrieval token.
func (h *Handler) GetExport(c *gin.Context) {
	path, ok := h.exporter.Resolve(c.Param("token"))
	if !ok {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "unknown or expired retrieval token"})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.File(path)
}
