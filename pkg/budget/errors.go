package budget

import "fmt"

// AccessDeniedError is returned when a tenant's access record fails any of
// the gate's standing checks (spec.md §4.2 step 2). Reason is one of:
// "access_status", "trial_expired", "no_daily_budget", "missing_api_key".
type AccessDeniedError struct {
	TenantID string
	Reason   string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("budget: access denied for tenant %s: %s", e.TenantID, e.Reason)
}

// BudgetExceededError is returned when the forecast cost would push
// spent_today at or past the daily budget.
type BudgetExceededError struct {
	TenantID    string
	DailyBudget float64
	SpentToday  float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget: daily budget exceeded for tenant %s (%.4f of %.4f spent)",
		e.TenantID, e.SpentToday, e.DailyBudget)
}
