package impersonate

import (
	"context"
	"strings"

	"github.com/tendant/simple-impersonate/pkg/errors"
)

// TenantValidator is the tenant directory consulted before a session begins
type TenantValidator interface {
	ValidateTenant(ctx context.Context, tenantID string) error
}

// StaticTenants validates against a fixed set of tenant ids. An empty set accepts every tenant.
type StaticTenants struct {
	allowed map[string]struct{}
}

// NewStaticTenants creates a validator for the given tenant ids. Blank ids are ignored.
func NewStaticTenants(tenantIDs ...string) *StaticTenants {
	allowed := make(map[string]struct{}, len(tenantIDs))
	for _, id := range tenantIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			allowed[id] = struct{}{}
		}
	}
	return &StaticTenants{allowed: allowed}
}

// ValidateTenant returns an UNKNOWN_TENANT error for ids outside the set
func (t *StaticTenants) ValidateTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return errors.InvalidInput("tenant_id", "must not be empty")
	}
	if len(t.allowed) == 0 {
		return nil
	}
	if _, ok := t.allowed[tenantID]; !ok {
		return errors.Newf(errors.ErrCodeUnknownTenant, "unknown tenant: %s", tenantID).
			WithDetail("tenant_id", tenantID)
	}
	return nil
}
