package submit

import (
	"context"
	"fmt"
	"slices"

	"github.com/Mudityadev/charles-map/dispatch"
	"github.com/Mudityadev/charles-map/dispatch/job"
)

// Gate decides whether an organization's plan allows a job. A nil Gate
// allows everything.
type Gate interface {
	Allow(ctx context.Context, orgID string, family job.Family, format string) error
}

// Plan tiers as stored on the organization.
const (
	TierBasic      = "BASIC"
	TierStandard   = "STANDARD"
	TierPro        = "PRO"
	TierEnterprise = "ENTERPRISE"
)

// PremiumFormats are export formats that need more than the basic tier.
var PremiumFormats = []string{"svg", "pdf", "geotiff", "shp"}

// TierLookup resolves an organization's plan tier.
type TierLookup func(ctx context.Context, orgID string) (string, error)

// PlanGate enforces plan tiers: AI tasks need PRO or above and premium
// export formats need more than BASIC. Imports are never gated.
type PlanGate struct {
	Tier TierLookup
}

func (g PlanGate) Allow(ctx context.Context, orgID string, family job.Family, format string) error {
	if family == job.FamilyImport {
		return nil
	}

	tier, err := g.Tier(ctx, orgID)
	if err != nil {
		return fmt.Errorf("submit: resolve plan tier for %s: %w", orgID, err)
	}

	switch family {
	case job.FamilyAI:
		if tier == TierBasic || tier == TierStandard {
			return upgrade("ai tasks")
		}
	case job.FamilyExport:
		if tier == TierBasic && slices.Contains(PremiumFormats, format) {
			return upgrade(format + " export")
		}
	}
	return nil
}

func upgrade(what string) error {
	return &dispatch.SubmissionError{Field: "plan", Reason: what + " require an upgrade", Err: dispatch.ErrUpgradeRequired}
}
