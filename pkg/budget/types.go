package budget

import "time"

// AccessStatus is a tenant's standing with the platform.
type AccessStatus string

const (
	AccessActive   AccessStatus = "active"
	AccessPending  AccessStatus = "pending"
	AccessRejected AccessStatus = "rejected"
)

// AccessModel determines whether a tenant brings its own AI key or draws
// against a funded early-access allowance.
type AccessModel string

const (
	AccessModelBYOK        AccessModel = "byok"
	AccessModelEarlyAccess AccessModel = "early_access"
)

// Ledger is the durable, per-(tenant, product) record backing the Budget
// Gate (spec.md §3's BudgetLedger). DailySpend/DailyResetAt here are the
// relational store's last-flushed snapshot, not the live counter — the
// live counter lives in the fast store, keyed by day, so it never needs
// an explicit reset (see Gate.spendKey).
type Ledger struct {
	TenantID  string
	ProductID string

	AccessStatus AccessStatus
	AccessModel  AccessModel

	DailyBudget float64
	DailySpend  float64
	DailyReset  time.Time

	TrialStart time.Time
	TrialDays  int

	// EncryptedAPIKey is the tenant's BYOK key, ciphertext as produced by
	// pkg/secretstore. Empty when AccessModel is early_access.
	EncryptedAPIKey string
}

// Decision is the outcome of Gate.Check.
type Decision struct {
	APIKey          string
	RemainingBudget float64
}
