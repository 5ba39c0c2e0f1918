// Package pathevaluator implements the Path Evaluator (spec.md §4.8):
// it tracks junction options seen across completed paths, decides
// whether more paths are needed, and picks which option to force next —
// the decision that turns N junctions into ~N+1 paths rather than
// combinatorial explosion. Grounded line-for-line on
// original_source/api-server/services/path_evaluation_service.py.
package pathevaluator

// JunctionType enumerates the kinds of form input that can gate other
// fields into view.
type JunctionType string

const (
	JunctionDropdown      JunctionType = "dropdown"
	JunctionRadio         JunctionType = "radio"
	JunctionCheckboxGroup JunctionType = "checkbox_group"
)

// Status is a junction's current confirmation state (spec.md §4.8,
// original JunctionStatus enum).
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusUncertain   Status = "uncertain"
	StatusConfirmed   Status = "confirmed"
	StatusNotJunction Status = "not_a_junction"
)

// Option is one choice within a junction (original JunctionOption).
// Revealed is nil until the option has been tested at least once.
type Option struct {
	Name     string `json:"name"`
	Tested   bool   `json:"tested"`
	Revealed *bool  `json:"revealed_new_fields,omitempty"`
}

// Junction is one form input whose value changes which other inputs
// appear (spec.md §3 PathTracker.Junctions, original Junction dataclass).
type Junction struct {
	ID                string            `json:"id"`
	Selector          string            `json:"selector"`
	Type              JunctionType      `json:"type"`
	StepIndex         int               `json:"step_index"`
	Options           map[string]*Option `json:"options"`
	Status            Status            `json:"status"`
	ParentJunctionID  string            `json:"parent_junction_id,omitempty"`
	ParentOption      string            `json:"parent_option,omitempty"`
}

// UntestedOptions returns option names that have not yet been tested, in
// the deterministic order Options was populated (map iteration in Go is
// randomized, so callers needing stable ordering should use
// OrderedOptionNames on the owning Junction, set at discovery time).
func (j *Junction) UntestedOptions(order []string) []string {
	var out []string
	for _, name := range order {
		opt, ok := j.Options[name]
		if ok && !opt.Tested {
			out = append(out, name)
		}
	}
	return out
}

// UntestedCount returns how many options have not yet been tested,
// independent of any ordering.
func (j *Junction) UntestedCount() int {
	n := 0
	for _, opt := range j.Options {
		if !opt.Tested {
			n++
		}
	}
	return n
}

// TestedCount returns how many options have been tested at least once.
func (j *Junction) TestedCount() int {
	n := 0
	for _, opt := range j.Options {
		if opt.Tested {
			n++
		}
	}
	return n
}

// HasConfirmedReveal reports whether any tested option revealed new
// fields.
func (j *Junction) HasConfirmedReveal() bool {
	for _, opt := range j.Options {
		if opt.Revealed != nil && *opt.Revealed {
			return true
		}
	}
	return false
}

// AllTestedNoReveal reports whether every option has been tested and none
// revealed new fields.
func (j *Junction) AllTestedNoReveal() bool {
	if len(j.Options) == 0 {
		return false
	}
	for _, opt := range j.Options {
		if !opt.Tested || opt.Revealed == nil || *opt.Revealed {
			return false
		}
	}
	return true
}

// CompletedPath is one finished route through the form (spec.md §3
// PathTracker.CompletedPaths, original PathResult).
type CompletedPath struct {
	PathNumber      int               `json:"path_number"`
	JunctionChoices map[string]string `json:"junction_choices"`
	JunctionSteps   []JunctionStep    `json:"junction_steps,omitempty"`
	ResultID        string            `json:"result_id,omitempty"`
}

// JunctionStep records one junction decision made while executing a path,
// used by DetectNesting to recover step order across paths.
type JunctionStep struct {
	StepIndex    int    `json:"step_index"`
	JunctionID   string `json:"junction_id"`
	JunctionName string `json:"junction_name"`
	Option       string `json:"option"`
	Selector     string `json:"selector"`
}

// Tracker is the full per-session PathTracker (spec.md §3).
type Tracker struct {
	Junctions      map[string]*Junction `json:"junctions"`
	JunctionOrder  map[string][]string  `json:"junction_option_order"`
	CompletedPaths []CompletedPath      `json:"completed_paths"`
	CurrentPath    int                  `json:"current_path"`
}

// NewTracker returns an empty Tracker with CurrentPath initialized to 1,
// matching the original's JunctionsState default.
func NewTracker() *Tracker {
	return &Tracker{
		Junctions:     make(map[string]*Junction),
		JunctionOrder: make(map[string][]string),
		CurrentPath:   1,
	}
}
