package pathevaluator

import (
	"fmt"

	"github.com/quickform/orchestrator/pkg/config"
)

// StepResult is what the orchestrator hands the evaluator after executing
// one step, enough to update a junction's state (original
// update_junction_from_step's `step` dict plus `fields_changed`).
type StepResult struct {
	IsJunction     bool
	Selector       string
	StepNumber     int
	JunctionName   string
	JunctionType   JunctionType
	AllOptions     []string
	ChosenOption   string
	FieldsChanged  bool
}

// Evaluator is the Path Evaluator.
type Evaluator struct {
	cfg config.PathEvaluatorConfig
}

// New builds an Evaluator from its configuration (spec.md §4.8's
// {max_paths, max_options_for_junction, max_options_to_test,
// large_dropdown_threshold}).
func New(cfg config.PathEvaluatorConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

func junctionID(junctionName string) string {
	return fmt.Sprintf("junction_%s", junctionName)
}

// UpdateFromStep folds one executed junction step into the tracker,
// discovering new junctions and updating option test state (original
// update_junction_from_step).
func (e *Evaluator) UpdateFromStep(t *Tracker, step StepResult) {
	if !step.IsJunction {
		return
	}

	id := junctionID(step.JunctionName)
	j, ok := t.Junctions[id]
	if !ok {
		var nonEmpty []string
		for _, opt := range step.AllOptions {
			if opt != "" {
				nonEmpty = append(nonEmpty, opt)
			}
		}
		if len(nonEmpty) > e.cfg.MaxOptionsForJunction {
			// Too many options (e.g. a country list) — not worth tracking
			// as a junction at all.
			return
		}

		j = &Junction{
			ID:        id,
			Selector:  step.Selector,
			Type:      step.JunctionType,
			StepIndex: step.StepNumber,
			Options:   make(map[string]*Option, len(nonEmpty)),
			Status:    StatusUnknown,
		}
		for _, name := range nonEmpty {
			j.Options[name] = &Option{Name: name}
		}
		t.Junctions[id] = j
		t.JunctionOrder[id] = nonEmpty
	}

	chosen := step.ChosenOption
	if opt, ok := j.Options[chosen]; ok {
		revealed := step.FieldsChanged
		opt.Tested = true
		opt.Revealed = &revealed
	}

	e.updateStatus(j)
}

// updateStatus recomputes a junction's Status from its options (original
// _update_junction_status).
func (e *Evaluator) updateStatus(j *Junction) {
	if j.HasConfirmedReveal() {
		j.Status = StatusConfirmed
		return
	}

	total := len(j.Options)
	tested := j.TestedCount()
	if total > e.cfg.LargeDropdownThreshold && tested >= e.cfg.HeuristicTestsBeforeSkip {
		allNoReveal := true
		for _, opt := range j.Options {
			if opt.Tested && (opt.Revealed == nil || *opt.Revealed) {
				allNoReveal = false
				break
			}
		}
		if allNoReveal {
			j.Status = StatusNotJunction
			return
		}
	}

	if j.AllTestedNoReveal() {
		j.Status = StatusNotJunction
		return
	}

	if len(j.UntestedOptions(orderFor(j))) > 0 {
		j.Status = StatusUncertain
	} else {
		j.Status = StatusNotJunction
	}
}

func orderFor(j *Junction) []string {
	names := make([]string, 0, len(j.Options))
	for name := range j.Options {
		names = append(names, name)
	}
	return names
}

// CompletePath records a finished path and advances CurrentPath (original
// complete_path).
func (e *Evaluator) CompletePath(t *Tracker, choices map[string]string, steps []JunctionStep, resultID string) {
	t.CompletedPaths = append(t.CompletedPaths, CompletedPath{
		PathNumber:      t.CurrentPath,
		JunctionChoices: choices,
		JunctionSteps:   steps,
		ResultID:        resultID,
	})
	t.CurrentPath++
}

// Decision is the outcome of Evaluate (original evaluate_paths's return
// dict).
type Decision struct {
	AllPathsComplete     bool
	NextPathNumber       int
	JunctionInstructions map[string]string // selector -> option to force
	TotalPathsNeeded     int
	Reason               string
}

// Evaluate decides whether more paths are needed and, if so, which
// junction options to force next (spec.md §4.8 algorithm).
func (e *Evaluator) Evaluate(t *Tracker) Decision {
	e.DetectNesting(t)

	var confirmed, uncertain []*Junction
	for _, j := range t.Junctions {
		switch j.Status {
		case StatusConfirmed:
			confirmed = append(confirmed, j)
		case StatusUncertain:
			uncertain = append(uncertain, j)
		}
	}

	if len(confirmed) == 0 && len(uncertain) == 0 {
		return Decision{
			AllPathsComplete: true,
			NextPathNumber:   t.CurrentPath,
			TotalPathsNeeded: len(t.CompletedPaths),
			Reason:           "no junctions found or all junctions confirmed as not-junctions",
		}
	}

	if len(t.CompletedPaths) >= e.cfg.MaxPaths {
		return Decision{
			AllPathsComplete: true,
			NextPathNumber:   t.CurrentPath,
			TotalPathsNeeded: e.cfg.MaxPaths,
			Reason:           fmt.Sprintf("maximum paths limit (%d) reached", e.cfg.MaxPaths),
		}
	}

	instructions := e.findNextCombination(t, confirmed, uncertain)
	if len(instructions) == 0 {
		return Decision{
			AllPathsComplete: true,
			NextPathNumber:   t.CurrentPath,
			TotalPathsNeeded: len(t.CompletedPaths),
			Reason:           "all junction combinations have been tested",
		}
	}

	total := e.calculateTotalPaths(confirmed, uncertain)
	if total > e.cfg.MaxPaths {
		total = e.cfg.MaxPaths
	}

	return Decision{
		AllPathsComplete:     false,
		NextPathNumber:       t.CurrentPath,
		JunctionInstructions: instructions,
		TotalPathsNeeded:     total,
		Reason:               fmt.Sprintf("testing junction options: %v", instructions),
	}
}

// findNextCombination picks the next untested option to force, preferring
// uncertain junctions (tested one at a time) over confirmed ones, and
// walks parent overrides in so a nested junction replays in context
// (original _find_next_combination).
func (e *Evaluator) findNextCombination(t *Tracker, confirmed, uncertain []*Junction) map[string]string {
	instructions := make(map[string]string)

	for _, j := range uncertain {
		if j.TestedCount() >= e.cfg.MaxOptionsToTest {
			continue
		}
		untested := j.UntestedOptions(t.JunctionOrder[j.ID])
		if len(untested) > 0 {
			instructions[j.Selector] = untested[0]
			return instructions
		}
	}

	for _, j := range confirmed {
		if j.TestedCount() >= e.cfg.MaxOptionsToTest {
			continue
		}
		untested := j.UntestedOptions(t.JunctionOrder[j.ID])
		if len(untested) == 0 {
			continue
		}
		instructions[j.Selector] = untested[0]
		e.addParentOverrides(t, j, instructions)
		return instructions
	}

	return instructions
}

// addParentOverrides walks a junction's ancestor chain, adding each
// ancestor's selector -> chosen-option so a replay lands in the same
// nested context (original's parent-chain walk in _find_next_combination).
func (e *Evaluator) addParentOverrides(t *Tracker, j *Junction, instructions map[string]string) {
	current := j
	visited := make(map[string]bool)
	for current.ParentJunctionID != "" && current.ParentOption != "" {
		if visited[current.ParentJunctionID] {
			break
		}
		visited[current.ParentJunctionID] = true
		parent, ok := t.Junctions[current.ParentJunctionID]
		if !ok {
			break
		}
		instructions[parent.Selector] = current.ParentOption
		current = parent
	}
}

// calculateTotalPaths estimates the total number of paths needed, a
// simplified projection (original _calculate_total_paths): each confirmed
// junction contributes (reveal-count + untested-count - 1) extra paths
// beyond the base path, and each uncertain junction contributes its
// untested-option count.
func (e *Evaluator) calculateTotalPaths(confirmed, uncertain []*Junction) int {
	if len(confirmed) == 0 && len(uncertain) == 0 {
		return 1
	}

	total := 1
	for _, j := range confirmed {
		revealing := 0
		for _, opt := range j.Options {
			if opt.Revealed != nil && *opt.Revealed {
				revealing++
			}
		}
		total += revealing + j.UntestedCount() - 1
	}
	for _, j := range uncertain {
		total += j.UntestedCount()
	}
	if total < 1 {
		return 1
	}
	return total
}

// DetectNesting correlates junction choices across completed paths: if
// junction B's completed-path set is a strict subset of junction A's, and
// B's step index is greater, B is assigned parent A with the option that
// reveals it (spec.md §4.8 step 1, original detect_nesting).
func (e *Evaluator) DetectNesting(t *Tracker) {
	if len(t.CompletedPaths) < 2 {
		return
	}

	junctionPaths := make(map[string]map[int]bool)
	for _, path := range t.CompletedPaths {
		for jid := range path.JunctionChoices {
			if junctionPaths[jid] == nil {
				junctionPaths[jid] = make(map[int]bool)
			}
			junctionPaths[jid][path.PathNumber] = true
		}
	}

	for jidB, pathsB := range junctionPaths {
		jb, ok := t.Junctions[jidB]
		if !ok || jb.ParentJunctionID != "" {
			continue
		}

		for jidA, pathsA := range junctionPaths {
			if jidA == jidB {
				continue
			}
			ja, ok := t.Junctions[jidA]
			if !ok {
				continue
			}
			if !isStrictSubset(pathsB, pathsA) {
				continue
			}
			if ja.StepIndex >= jb.StepIndex {
				continue
			}

			option := commonParentOption(t, jidA, pathsB)
			if option == "" {
				continue
			}
			jb.ParentJunctionID = jidA
			jb.ParentOption = option
			break
		}
	}
}

// commonParentOption returns the single option junction jidA took across
// every path in pathsB, or "" if the paths disagree (no clean reveal
// relationship to record).
func commonParentOption(t *Tracker, jidA string, pathsB map[int]bool) string {
	var option string
	for _, path := range t.CompletedPaths {
		if !pathsB[path.PathNumber] {
			continue
		}
		choice, ok := path.JunctionChoices[jidA]
		if !ok {
			return ""
		}
		if option == "" {
			option = choice
		} else if option != choice {
			return ""
		}
	}
	return option
}

func isStrictSubset(a, b map[int]bool) bool {
	if len(a) >= len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}
