package config

// PathEvaluatorConfig configures the Path Evaluator (spec.md §4.8),
// ported from original_source/.../path_evaluation_service.py's module
// constants.
type PathEvaluatorConfig struct {
	// MaxPaths bounds the total number of junction paths explored per
	// session (original: MAX_PATHS = 7).
	MaxPaths int `yaml:"max_paths,omitempty"`

	// MaxOptionsForJunction is the option-count ceiling above which a
	// junction is treated as a plain dropdown worth enumerating at all
	// (original: MAX_OPTIONS_FOR_JUNCTION = 8).
	MaxOptionsForJunction int `yaml:"max_options_for_junction,omitempty"`

	// MaxOptionsToTest bounds how many options of one junction are ever
	// forced and tested (original: MAX_OPTIONS_TO_TEST = 4).
	MaxOptionsToTest int `yaml:"max_options_to_test,omitempty"`

	// LargeDropdownThreshold is the option count above which the
	// heuristic in spec.md §4.8 kicks in (original:
	// LARGE_DROPDOWN_THRESHOLD = 10). Configuration, not contract, per
	// spec.md §9 Open Question (b).
	LargeDropdownThreshold int `yaml:"large_dropdown_threshold,omitempty"`

	// HeuristicTestsBeforeSkip is how many no-reveal options a large
	// dropdown must accumulate before being marked not_a_junction
	// (original: HEURISTIC_TESTS_BEFORE_SKIP = 3).
	HeuristicTestsBeforeSkip int `yaml:"heuristic_tests_before_skip,omitempty"`
}

// SetDefaults applies the original implementation's constants as defaults.
func (c *PathEvaluatorConfig) SetDefaults() {
	if c.MaxPaths == 0 {
		c.MaxPaths = 7
	}
	if c.MaxOptionsForJunction == 0 {
		c.MaxOptionsForJunction = 8
	}
	if c.MaxOptionsToTest == 0 {
		c.MaxOptionsToTest = 4
	}
	if c.LargeDropdownThreshold == 0 {
		c.LargeDropdownThreshold = 10
	}
	if c.HeuristicTestsBeforeSkip == 0 {
		c.HeuristicTestsBeforeSkip = 3
	}
}

// Validate is a no-op: every field has a safe zero-value default.
func (c *PathEvaluatorConfig) Validate() error {
	return nil
}
