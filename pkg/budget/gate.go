// Package budget implements the Tenant Budget & Credential Gate (spec.md
// §4.2): the single checkpoint every AI model call passes through before
// it is allowed to proceed, grounded on
// original_source/api-server/tasks/form_mapper_tasks.py's
// _check_budget_and_get_api_key/_record_usage pair.
package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quickform/orchestrator/pkg/config"
)

// decrypter is the subset of *secretstore.Store the gate needs, so tests
// can substitute a fake without a real KMS key.
type decrypter interface {
	GetDecryptedAPIKey(ctx context.Context, tenantID, encryptedKey string) (string, error)
}

// Gate is the Budget Gate.
type Gate struct {
	ledger  LedgerStore
	secrets decrypter
	redis   *redis.Client
	cfg     config.BudgetConfig
}

// New builds a Gate. cfg must already have passed Validate().
func New(cfg config.BudgetConfig, ledgerStore LedgerStore, secrets decrypter, redisClient *redis.Client) *Gate {
	return &Gate{ledger: ledgerStore, secrets: secrets, redis: redisClient, cfg: cfg}
}

// spendKey names the fast-store counter for one tenant/product/day. The
// date is part of the key rather than a stored reset timestamp, so
// "reset spent_today to zero if the stored reset date is before today"
// (spec.md §4.2 step 3) falls out of key naming instead of a
// compare-and-swap: yesterday's key simply stops being read.
func spendKey(tenantID, productID string, at time.Time) string {
	return fmt.Sprintf("budget_spend:%s:%s:%s", tenantID, productID, at.UTC().Format("2006-01-02"))
}

func dirtySetKey() string {
	return "budget_dirty_ledgers"
}

// spendCounterTTLSeconds keeps yesterday's rolled-over counter around
// long enough for any straggling settlement, then lets it expire.
const spendCounterTTLSeconds = 48 * 60 * 60

// reserveScript is the atomic check-and-reserve spec.md §4.2's
// concurrency note requires ("a per-tenant single-key compare-and-swap
// or a Lua-style scripted increment"): the budget comparison and the
// forecast-cost reservation happen in one scripted operation, so two
// concurrent Checks for the same tenant can never both read the same
// stale total and both pass. Returns the post-reservation total, or
// '-1' when spent + forecast would reach the budget.
var reserveScript = redis.NewScript(`
local spent = tonumber(redis.call('GET', KEYS[1]) or '0')
if spent + tonumber(ARGV[1]) >= tonumber(ARGV[2]) then
	return '-1'
end
local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
redis.call('EXPIRE', KEYS[1], ARGV[3])
return total
`)

// Check runs the full gate algorithm and, on success, returns the api key
// to use for the call. A successful Check has already reserved the
// forecast cost against today's counter; the caller MUST follow up with
// exactly one of RecordUsage (call completed, settle against observed
// cost) or Release (call never produced usage).
func (g *Gate) Check(ctx context.Context, tenantID, productID string) (*Decision, error) {
	ledger, err := g.ledger.GetLedger(ctx, tenantID, productID)
	if err != nil {
		return nil, fmt.Errorf("budget: load ledger: %w", err)
	}

	now := time.Now()

	if ledger.AccessStatus != AccessActive {
		return nil, &AccessDeniedError{TenantID: tenantID, Reason: "access_status"}
	}
	if ledger.AccessModel == AccessModelEarlyAccess {
		if !ledger.TrialStart.IsZero() && now.After(ledger.TrialStart.AddDate(0, 0, ledger.TrialDays)) {
			return nil, &AccessDeniedError{TenantID: tenantID, Reason: "trial_expired"}
		}
		if ledger.DailyBudget <= 0 {
			return nil, &AccessDeniedError{TenantID: tenantID, Reason: "no_daily_budget"}
		}
	}
	if ledger.AccessModel == AccessModelBYOK && ledger.EncryptedAPIKey == "" {
		return nil, &AccessDeniedError{TenantID: tenantID, Reason: "missing_api_key"}
	}

	key := spendKey(tenantID, productID, now)
	res, err := reserveScript.Run(ctx, g.redis, []string{key},
		g.forecastCost(), ledger.DailyBudget, spendCounterTTLSeconds).Text()
	if err != nil {
		return nil, fmt.Errorf("budget: reserve spend: %w", err)
	}
	total, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return nil, fmt.Errorf("budget: parse reserved total %q: %w", res, err)
	}
	if total < 0 {
		spentToday, _ := g.spentToday(ctx, tenantID, productID, now)
		return nil, &BudgetExceededError{TenantID: tenantID, DailyBudget: ledger.DailyBudget, SpentToday: spentToday}
	}

	apiKey, err := g.resolveAPIKey(ctx, tenantID, ledger)
	if err != nil {
		_ = g.release(ctx, key)
		return nil, err
	}

	return &Decision{
		APIKey:          apiKey,
		RemainingBudget: ledger.DailyBudget - total,
	}, nil
}

func (g *Gate) forecastCost() float64 {
	return float64(g.cfg.ForecastOutputTokens) * g.cfg.OutputTokenPrice
}

func (g *Gate) resolveAPIKey(ctx context.Context, tenantID string, ledger *Ledger) (string, error) {
	if ledger.AccessModel == AccessModelBYOK {
		key, err := g.secrets.GetDecryptedAPIKey(ctx, tenantID, ledger.EncryptedAPIKey)
		if err != nil {
			return "", fmt.Errorf("budget: decrypt byok key: %w", err)
		}
		return key, nil
	}
	return g.cfg.SystemAPIKey, nil
}

func (g *Gate) spentToday(ctx context.Context, tenantID, productID string, at time.Time) (float64, error) {
	v, err := g.redis.Get(ctx, spendKey(tenantID, productID, at)).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// RecordUsage settles Check's reservation after a completed AI call:
// the forecast cost already sits in today's counter, so only the
// difference between observed and forecast cost is applied, via a
// single atomic INCRBYFLOAT — the counter is never caught holding
// neither the reservation nor the observed cost. The observed cost
// alone is marked dirty for the periodic relational flush; the ledger
// records what was actually spent, not the reservation mechanics.
func (g *Gate) RecordUsage(ctx context.Context, tenantID, productID string, inputTokens, outputTokens int64) error {
	cost := float64(inputTokens)*g.cfg.InputTokenPrice + float64(outputTokens)*g.cfg.OutputTokenPrice

	key := spendKey(tenantID, productID, time.Now())
	if adjust := cost - g.forecastCost(); adjust != 0 {
		if err := g.redis.IncrByFloat(ctx, key, adjust).Err(); err != nil {
			return fmt.Errorf("budget: settle spend: %w", err)
		}
	}
	g.redis.Expire(ctx, key, spendCounterTTLSeconds*time.Second)

	if cost <= 0 {
		return nil
	}
	if err := g.redis.HIncrByFloat(ctx, dirtySetKey(), tenantID+"|"+productID, cost).Err(); err != nil {
		return fmt.Errorf("budget: mark ledger dirty: %w", err)
	}
	return nil
}

// Release refunds Check's forecast reservation for a call that produced
// no usage at all (transport failure, overload-retry exhaustion,
// cancellation before the request went out). Without it an aborted call
// would consume a forecast's worth of budget for the rest of the day.
func (g *Gate) Release(ctx context.Context, tenantID, productID string) error {
	if err := g.release(ctx, spendKey(tenantID, productID, time.Now())); err != nil {
		return fmt.Errorf("budget: release reservation: %w", err)
	}
	return nil
}

func (g *Gate) release(ctx context.Context, key string) error {
	return g.redis.IncrByFloat(ctx, key, -g.forecastCost()).Err()
}

// FlushPending durably applies every dirty tenant's accumulated spend to
// the relational ledger, then clears the dirty set. Intended to be called
// on a timer (config.BudgetConfig.UsageFlushInterval) by a background
// worker, never on the request path.
func (g *Gate) FlushPending(ctx context.Context) error {
	dirty, err := g.redis.HGetAll(ctx, dirtySetKey()).Result()
	if err != nil {
		return fmt.Errorf("budget: list dirty ledgers: %w", err)
	}

	for key, deltaStr := range dirty {
		var delta float64
		if _, err := fmt.Sscanf(deltaStr, "%g", &delta); err != nil {
			continue
		}
		tenantID, productID := splitDirtyKey(key)
		if err := g.ledger.FlushSpend(ctx, tenantID, productID, delta); err != nil {
			return fmt.Errorf("budget: flush spend for %s: %w", key, err)
		}
		if err := g.redis.HIncrByFloat(ctx, dirtySetKey(), key, -delta).Err(); err != nil {
			return fmt.Errorf("budget: clear dirty marker for %s: %w", key, err)
		}
	}
	return nil
}

func splitDirtyKey(key string) (tenantID, productID string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
