package pathevaluator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quickform/orchestrator/pkg/config"
)

func testConfig() config.PathEvaluatorConfig {
	cfg := config.PathEvaluatorConfig{}
	cfg.SetDefaults()
	return cfg
}

// TestDropdownJunctionThreeOptions mirrors spec.md §8 scenario 2: a
// dropdown with options {A, B, C}; A reveals field X, B reveals field Y,
// C reveals nothing. Expect the junction confirmed and evaluation to keep
// requesting untested options until all three have been tried.
func TestDropdownJunctionThreeOptions(t *testing.T) {
	e := New(testConfig())
	tracker := NewTracker()

	step := func(chosen string, fieldsChanged bool) StepResult {
		return StepResult{
			IsJunction:    true,
			Selector:      "#account-type",
			StepNumber:    2,
			JunctionName:  "account_type",
			JunctionType:  JunctionDropdown,
			AllOptions:    []string{"A", "B", "C"},
			ChosenOption:  chosen,
			FieldsChanged: fieldsChanged,
		}
	}

	e.UpdateFromStep(tracker, step("A", true))
	j := tracker.Junctions["junction_account_type"]
	require.NotNil(t, j)
	require.Equal(t, StatusConfirmed, j.Status)

	decision := e.Evaluate(tracker)
	require.False(t, decision.AllPathsComplete)
	require.Equal(t, "B", decision.JunctionInstructions["#account-type"])

	e.UpdateFromStep(tracker, step("B", true))
	e.UpdateFromStep(tracker, step("C", false))

	require.True(t, j.HasConfirmedReveal())
	require.Equal(t, 3, j.TestedCount())

	decision = e.Evaluate(tracker)
	require.True(t, decision.AllPathsComplete, "all three options tested, no more combinations left")
}

func TestLargeDropdownHeuristicMarksNotJunction(t *testing.T) {
	cfg := testConfig()
	cfg.LargeDropdownThreshold = 2
	cfg.HeuristicTestsBeforeSkip = 2
	e := New(cfg)
	tracker := NewTracker()

	options := []string{"opt1", "opt2", "opt3", "opt4"}
	base := StepResult{
		IsJunction:   true,
		Selector:     "#country",
		StepNumber:   1,
		JunctionName: "country",
		JunctionType: JunctionDropdown,
		AllOptions:   options,
	}

	s1 := base
	s1.ChosenOption = "opt1"
	s1.FieldsChanged = false
	e.UpdateFromStep(tracker, s1)

	s2 := base
	s2.ChosenOption = "opt2"
	s2.FieldsChanged = false
	e.UpdateFromStep(tracker, s2)

	j := tracker.Junctions["junction_country"]
	require.Equal(t, StatusNotJunction, j.Status, "large dropdown with no reveals should be marked not_a_junction")
}

func TestMaxOptionsToTestCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOptionsToTest = 1
	e := New(cfg)
	tracker := NewTracker()

	e.UpdateFromStep(tracker, StepResult{
		IsJunction: true, Selector: "#x", StepNumber: 1, JunctionName: "x",
		JunctionType: JunctionDropdown, AllOptions: []string{"a", "b", "c"},
		ChosenOption: "a", FieldsChanged: true,
	})

	decision := e.Evaluate(tracker)
	require.True(t, decision.AllPathsComplete, "junction already hit MaxOptionsToTest=1, no further combination allowed")
}

func TestParentJunctionOverrideWalksUp(t *testing.T) {
	e := New(testConfig())
	tracker := NewTracker()
	tracker.Junctions["junction_a"] = &Junction{
		ID: "junction_a", Selector: "#a", Status: StatusConfirmed, StepIndex: 1,
		Options: map[string]*Option{"x": {Name: "x", Tested: true, Revealed: boolPtr(true)}},
	}
	tracker.Junctions["junction_b"] = &Junction{
		ID: "junction_b", Selector: "#b", Status: StatusConfirmed, StepIndex: 2,
		ParentJunctionID: "junction_a", ParentOption: "x",
		Options: map[string]*Option{"y": {Name: "y"}, "z": {Name: "z", Tested: true, Revealed: boolPtr(true)}},
	}
	tracker.JunctionOrder["junction_b"] = []string{"y", "z"}

	instructions := e.findNextCombination(tracker, []*Junction{tracker.Junctions["junction_a"], tracker.Junctions["junction_b"]}, nil)
	require.Equal(t, "x", instructions["#a"], "parent override must be included so replay lands in the right nested context")
	require.Equal(t, "y", instructions["#b"])
}

func boolPtr(b bool) *bool { return &b }
