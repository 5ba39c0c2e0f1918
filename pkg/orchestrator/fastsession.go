package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionTTL = 2 * time.Hour

func sessionKey(sessionID string) string {
	return fmt.Sprintf("mapper_session:%s", sessionID)
}

// store is the fast-store side of a Session: load, save, and the
// version bookkeeping stale-result rejection depends on (spec.md §4.6).
type fastStore struct {
	redis *redis.Client
}

func (f *fastStore) save(ctx context.Context, s *Session) error {
	fields := map[string]any{
		"tenant_id":               s.TenantID,
		"user_id":                 s.UserID,
		"project_id":              s.ProjectID,
		"network_id":              s.NetworkID,
		"activity_type":           string(s.ActivityType),
		"form_route_id":           s.FormRouteID,
		"base_url":                s.BaseURL,
		"dashboard_url":           s.DashboardURL,
		"test_case_description":   s.TestCaseDescription,
		"phase":                   string(s.Phase),
		"step_index":              s.StepIndex,
		"retry_count":             s.RetryCount,
		"recovery_count":          s.RecoveryCount,
		"last_error":              s.LastError,
		"last_ai_decision":        s.LastAIDecision,
		"stages_updated":          s.StagesUpdated,
		"login_stages":            s.LoginStages,
		"navigation_stages":       s.NavigationStages,
		"last_dom_html":           s.LastDOMHTML,
		"last_screenshot_key":     s.LastScreenshotKey,
		"stages":                  s.marshalField(s.Stages),
		"executed_steps":          s.marshalField(s.ExecutedSteps),
		"already_verified_fields": s.marshalField(s.AlreadyVerifiedFields),
		"path_tracker":            s.marshalField(s.PathTracker),
		"pending_overrides":       s.marshalField(s.PendingOverrides),
		"session_version":         s.SessionVersion,
		"created_at":              s.CreatedAt.Format(time.RFC3339),
		"updated_at":              time.Now().UTC().Format(time.RFC3339),
	}

	pipe := f.redis.TxPipeline()
	pipe.HSet(ctx, sessionKey(s.SessionID), fields)
	pipe.Expire(ctx, sessionKey(s.SessionID), sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("orchestrator: save session %s: %w", s.SessionID, err)
	}
	return nil
}

func (f *fastStore) load(ctx context.Context, sessionID string) (*Session, bool, error) {
	data, err := f.redis.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("orchestrator: load session %s: %w", sessionID, err)
	}
	if len(data) == 0 {
		return nil, false, nil
	}

	s := &Session{SessionID: sessionID}
	s.TenantID = data["tenant_id"]
	s.UserID = data["user_id"]
	s.ProjectID = data["project_id"]
	s.NetworkID = data["network_id"]
	s.ActivityType = ActivityType(data["activity_type"])
	s.FormRouteID = data["form_route_id"]
	s.BaseURL = data["base_url"]
	s.DashboardURL = data["dashboard_url"]
	s.TestCaseDescription = data["test_case_description"]
	s.Phase = Phase(data["phase"])
	fmt.Sscanf(data["step_index"], "%d", &s.StepIndex)
	fmt.Sscanf(data["retry_count"], "%d", &s.RetryCount)
	fmt.Sscanf(data["recovery_count"], "%d", &s.RecoveryCount)
	s.LastError = data["last_error"]
	s.LastAIDecision = data["last_ai_decision"]
	s.StagesUpdated = data["stages_updated"] == "1" || data["stages_updated"] == "true"
	s.LoginStages = data["login_stages"]
	s.NavigationStages = data["navigation_stages"]
	s.LastDOMHTML = data["last_dom_html"]
	s.LastScreenshotKey = data["last_screenshot_key"]
	_ = json.Unmarshal([]byte(data["stages"]), &s.Stages)
	_ = json.Unmarshal([]byte(data["executed_steps"]), &s.ExecutedSteps)
	_ = json.Unmarshal([]byte(data["already_verified_fields"]), &s.AlreadyVerifiedFields)
	_ = json.Unmarshal([]byte(data["path_tracker"]), &s.PathTracker)
	_ = json.Unmarshal([]byte(data["pending_overrides"]), &s.PendingOverrides)
	fmt.Sscanf(data["session_version"], "%d", &s.SessionVersion)
	s.CreatedAt, _ = time.Parse(time.RFC3339, data["created_at"])

	return s, true, nil
}

// bumpVersion increments session_version monotonically (spec.md §8
// "Session-version monotonicity"). Every state transition calls this
// exactly once before saving.
func (s *Session) bumpVersion() {
	s.SessionVersion++
}
