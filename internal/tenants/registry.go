// Package tenants holds the fiscal identity and API credential of every
// merchant tenant. Registration happens once; fiscal identity is immutable
// afterwards (key rotation is an explicit, audited procedure that does not
// exist yet).
package tenants

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"rksv-fiscal-service/internal/models"
)

var (
	// ErrNoFiscalIdentity means the tenant has no registered cash-register ID
	// or certificate serial; exports cannot proceed without them.
	ErrNoFiscalIdentity = errors.New("tenant has no fiscal identity configured")

	// ErrUnknownTenant means no tenant matches the given ID or credential.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// Registry is the in-process tenant directory, bootstrapped from configuration.
type Registry struct {
	mu              sync.RWMutex
	tenants         map[string]*models.Tenant
	byAPIKey        map[string]string
	locations       map[string]*time.Location
	defaultTimezone string
	verbose         bool
}

// NewRegistry creates a registry preloaded with the configured tenants.
func NewRegistry(bootstrap []models.Tenant, defaultTimezone string, verbose bool) (*Registry, error) {
	r := &Registry{
		tenants:         make(map[string]*models.Tenant),
		byAPIKey:        make(map[string]string),
		locations:       make(map[string]*time.Location),
		defaultTimezone: defaultTimezone,
		verbose:         verbose,
	}

	for i := range bootstrap {
		tenant := bootstrap[i]
		if err := r.Register(&tenant); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Register provisions a tenant once. Re-registering an existing tenant ID is
// rejected; tenants are immutable after registration.
func (r *Registry) Register(tenant *models.Tenant) error {
	if tenant.ID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if tenant.APIKey == "" {
		return fmt.Errorf("tenant %s: api key is required", tenant.ID)
	}
	if tenant.Status == "" {
		tenant.Status = models.TenantActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tenants[tenant.ID]; exists {
		return fmt.Errorf("tenant %s already registered", tenant.ID)
	}
	if _, exists := r.byAPIKey[tenant.APIKey]; exists {
		return fmt.Errorf("api key already in use")
	}

	copied := *tenant
	r.tenants[tenant.ID] = &copied
	r.byAPIKey[tenant.APIKey] = tenant.ID

	if r.verbose {
		log.Printf("[TENANTS] Registered tenant %s (register %s)", tenant.ID, tenant.CashRegisterID)
	}

	return nil
}

// Get returns the tenant by ID.
func (r *Registry) Get(tenantID string) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenant, exists := r.tenants[tenantID]
	if !exists {
		return nil, ErrUnknownTenant
	}

	copied := *tenant
	return &copied, nil
}

// Authenticate resolves an API key to its tenant.
func (r *Registry) Authenticate(apiKey string) (*models.Tenant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tenantID, exists := r.byAPIKey[apiKey]
	if !exists {
		return nil, ErrUnknownTenant
	}

	copied := *r.tenants[tenantID]
	return &copied, nil
}

// FiscalIdentity returns the tenant's registered cash-register ID and
// certificate serial number, the required DEP header fields.
func (r *Registry) FiscalIdentity(tenantID string) (cashRegisterID, certSerialNumber string, err error) {
	tenant, err := r.Get(tenantID)
	if err != nil {
		return "", "", err
	}

	if tenant.CashRegisterID == "" || tenant.CertSerialNumber == "" {
		return "", "", fmt.Errorf("tenant %s: %w", tenantID, ErrNoFiscalIdentity)
	}

	return tenant.CashRegisterID, tenant.CertSerialNumber, nil
}

// Location returns the tenant's timezone, falling back to the configured
// default. Day bounds for closing are computed in this zone.
func (r *Registry) Location(tenantID string) *time.Location {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.defaultTimezone
	if tenant, exists := r.tenants[tenantID]; exists && tenant.Timezone != "" {
		name = tenant.Timezone
	}

	if loc, exists := r.locations[name]; exists {
		return loc
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("[TENANTS] Unknown timezone %q for tenant %s, falling back to UTC", name, tenantID)
		loc = time.UTC
	}
	r.locations[name] = loc

	return loc
}

// Active returns all tenants eligible for the daily closing run.
func (r *Registry) Active() []models.Tenant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Tenant
	for _, tenant := range r.tenants {
		if tenant.Status == models.TenantActive {
			out = append(out, *tenant)
		}
	}

	return out
}
