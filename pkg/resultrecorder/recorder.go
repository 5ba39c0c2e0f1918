// Package resultrecorder implements the Result Recorder (spec.md §4.9):
// given a session and a completed path, it writes exactly one durable
// row carrying the ordered step list, and — once per session, on the
// path that turns out to be the last one — heals the owning FormRoute's
// recorded login/navigation stages. Grounded on
// original_source/api-server/tasks/form_mapper_tasks.py's
// save_mapping_result task body.
package resultrecorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/quickform/orchestrator/pkg/orchestrator"
	"github.com/quickform/orchestrator/pkg/store"
)

// Recorder is the Result Recorder.
type Recorder struct {
	store *store.Store
}

// New builds a Recorder over the relational store.
func New(st *store.Store) *Recorder {
	return &Recorder{store: st}
}

// CommitPath durably records one finished path's ordered step list,
// keyed by (form_route_id, path_number) — spec.md §8 "Result integrity"
// requires exactly one row per key. A retried commit for a path already
// recorded is not an error: it returns the existing row's id, so a
// duplicate save_mapping_result delivery (spec.md §8 "re-posting the
// same task-result twice leaves the session in the same state") is
// idempotent rather than a hard failure.
func (r *Recorder) CommitPath(ctx context.Context, formRouteID string, pathNumber int, steps []orchestrator.Step) (string, error) {
	blob, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("resultrecorder: marshal steps for %s path %d: %w", formRouteID, pathNumber, err)
	}

	id, err := r.store.CreateMappingResult(ctx, store.MappingResult{
		FormRouteID: formRouteID,
		PathNumber:  pathNumber,
		Steps:       string(blob),
	})
	if errors.Is(err, store.ErrMappingResultExists) {
		existing, getErr := r.store.GetMappingResultByPathNumber(ctx, formRouteID, pathNumber)
		if getErr != nil {
			return "", fmt.Errorf("resultrecorder: load already-committed path %d for %s: %w", pathNumber, formRouteID, getErr)
		}
		return strconv.FormatInt(existing.ResultID, 10), nil
	}
	if err != nil {
		return "", fmt.Errorf("resultrecorder: commit path %d for %s: %w", pathNumber, formRouteID, err)
	}
	return strconv.FormatInt(id, 10), nil
}

// HealFormRoute patches the owning FormRoute's recorded login/navigation
// stages (spec.md §4.9 "on the last path ... patches the FormRoute with
// the final login stages and navigation stages, if they were healed
// during this run"). Called once a session reaches COMPLETED rather than
// from every path commit: a path only becomes "the last one" in
// retrospect, once the Path Evaluator reports no further paths are
// needed — see pkg/dispatch's terminal-completion handling.
func (r *Recorder) HealFormRoute(ctx context.Context, formRouteID, loginStages, navigationStages string) error {
	if loginStages != "" {
		if err := r.store.PatchLoginStages(ctx, formRouteID, loginStages); err != nil {
			return fmt.Errorf("resultrecorder: heal login stages for %s: %w", formRouteID, err)
		}
	}
	if navigationStages != "" {
		if err := r.store.PatchNavigationStages(ctx, formRouteID, navigationStages); err != nil {
			return fmt.Errorf("resultrecorder: heal navigation stages for %s: %w", formRouteID, err)
		}
	}
	return nil
}
