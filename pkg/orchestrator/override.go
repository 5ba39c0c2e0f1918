package orchestrator

// applyOverride rewrites step's value in place when the Path Evaluator
// has seeded a forced choice at this selector (spec.md §4.6 "Path
// seeding"). When the step is a junction, ChosenOption is forced to the
// same value so downstream junction bookkeeping (UpdateFromStep) and
// path commit (CompletePath) record the option that actually ran rather
// than whatever the AI originally proposed. The instruction is consumed
// on first use so a later junction reusing the same selector name isn't
// silently overridden a second time — callers MUST write step back into
// s.Stages[s.StepIndex] themselves, so the forced value survives a
// re-dispatch of the same step (retry, locator heal, correction splice)
// even after the pending entry is gone.
func applyOverride(s *Session, step *Step) (string, bool) {
	if s.PendingOverrides == nil {
		return "", false
	}
	value, ok := s.PendingOverrides[step.Selector]
	if !ok {
		return "", false
	}
	step.Value = value
	if step.IsJunction {
		step.ChosenOption = value
	}
	delete(s.PendingOverrides, step.Selector)
	return value, true
}

// revalidateOverrideAfterSplice re-checks, after a recovery-induced
// locator change or correction-step splice, that every still-pending
// override's target selector can still be located among the remaining
// stages. Open Question (a): rather than silently dropping the
// override or mis-committing a path under the wrong junction choice,
// the path must fail closed with cause junction_override_lost.
func revalidateOverrideAfterSplice(s *Session) (bool, error) {
	if len(s.PendingOverrides) == 0 {
		return true, nil
	}
	remaining := map[string]bool{}
	for _, step := range s.Stages[s.StepIndex:] {
		remaining[step.Selector] = true
	}
	for selector := range s.PendingOverrides {
		if !remaining[selector] {
			return false, nil
		}
	}
	return true, nil
}
