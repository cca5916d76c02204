package entitlements

// PlanTier represents subscription plan tiers
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// ValidTier reports whether tier is a known plan tier
func ValidTier(tier PlanTier) bool {
	switch tier {
	case PlanFree, PlanStarter, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Plan describes a purchasable plan as shown to tenants
type Plan struct {
	Tier           PlanTier `json:"tier"`
	Name           string   `json:"name"`
	BasePriceCents int64    `json:"base_price_cents"`
	Currency       string   `json:"currency"`
	Interval       string   `json:"interval"`
	TrialDays      int      `json:"trial_days,omitempty"`
}

// Quotas are the usage limits granted by a plan tier
type Quotas struct {
	MaxContacts         int   `json:"max_contacts"`
	MaxDeals            int   `json:"max_deals"`
	MaxSeats            int   `json:"max_seats"`
	APIRateLimitPerHour int   `json:"api_rate_limit_per_hour"`
	MaxStorageBytes     int64 `json:"max_storage_bytes"`
}

// Entitlement is the feature/usage grant currently held by a tenant.
// The CRM database is the system of record for this, not the processor.
type Entitlement struct {
	TenantID  int64    `json:"tenant_id"`
	Plan      PlanTier `json:"plan"`
	Suspended bool     `json:"suspended"`
	Quotas    Quotas   `json:"quotas"`
}

// DefaultPlans returns the purchasable plan catalog
func DefaultPlans() []Plan {
	return []Plan{
		{Tier: PlanFree, Name: "Free", BasePriceCents: 0, Currency: "usd", Interval: "month"},
		{Tier: PlanStarter, Name: "Starter", BasePriceCents: 1900, Currency: "usd", Interval: "month", TrialDays: 14},
		{Tier: PlanPro, Name: "Pro", BasePriceCents: 4900, Currency: "usd", Interval: "month", TrialDays: 14},
		{Tier: PlanEnterprise, Name: "Enterprise", BasePriceCents: 49900, Currency: "usd", Interval: "month"},
	}
}

// DefaultQuotas returns the usage limits for a plan tier
func DefaultQuotas(tier PlanTier) Quotas {
	switch tier {
	case PlanStarter:
		return Quotas{
			MaxContacts:         10_000,
			MaxDeals:            2_500,
			MaxSeats:            5,
			APIRateLimitPerHour: 5_000,
			MaxStorageBytes:     10 * 1024 * 1024 * 1024,
		}
	case PlanPro:
		return Quotas{
			MaxContacts:         100_000,
			MaxDeals:            25_000,
			MaxSeats:            25,
			APIRateLimitPerHour: 25_000,
			MaxStorageBytes:     100 * 1024 * 1024 * 1024,
		}
	case PlanEnterprise:
		return Quotas{
			MaxContacts:         1_000_000,
			MaxDeals:            250_000,
			MaxSeats:            500,
			APIRateLimitPerHour: 100_000,
			MaxStorageBytes:     1024 * 1024 * 1024 * 1024,
		}
	default:
		return Quotas{
			MaxContacts:         500,
			MaxDeals:            100,
			MaxSeats:            2,
			APIRateLimitPerHour: 1_000,
			MaxStorageBytes:     1 * 1024 * 1024 * 1024,
		}
	}
}
