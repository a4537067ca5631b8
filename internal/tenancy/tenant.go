package tenancy

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("tenancy: tenant not found")
	ErrConflict     = errors.New("tenancy: tenant exists")
	ErrInvalidInput = errors.New("tenancy: invalid input")
	// ErrTenantInactive rejects writes on behalf of a tenant that is not active
	// or not yet known to the local read model.
	ErrTenantInactive = errors.New("tenancy: tenant inactive")
	// ErrPlanLimit rejects operations the subscription plan does not include.
	ErrPlanLimit = errors.New("tenancy: plan limit reached")
)

// Status values.
const (
	StatusActive   = "ACTIVE"
	StatusInactive = "INACTIVE"
)

// Plan values.
const (
	PlanBasic    = "BASIC"
	PlanStandard = "STANDARD"
	PlanPremium  = "PREMIUM"
)

// Tenant is one subscribing retail business.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Plan      string    `json:"plan"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the tenant may obtain sessions and write data.
func (t Tenant) Active() bool { return t.Status == StatusActive }

// NormalizePlan validates and canonicalises a plan name. Empty means BASIC.
func NormalizePlan(plan string) (string, bool) {
	plan = strings.ToUpper(strings.TrimSpace(plan))
	switch plan {
	case "":
		return PlanBasic, true
	case PlanBasic, PlanStandard, PlanPremium:
		return plan, true
	default:
		return "", false
	}
}

// Limits are the quotas a plan grants. Zero means unlimited.
type Limits struct {
	StaffPerOutlet int
	Expenses       bool
}

var planLimits = map[string]Limits{
	PlanBasic:    {StaffPerOutlet: 5},
	PlanStandard: {StaffPerOutlet: 25, Expenses: true},
	PlanPremium:  {Expenses: true},
}

// LimitsFor returns the quotas of plan; unknown plans get BASIC limits.
func LimitsFor(plan string) Limits {
	if l, ok := planLimits[strings.ToUpper(plan)]; ok {
		return l
	}
	return planLimits[PlanBasic]
}
