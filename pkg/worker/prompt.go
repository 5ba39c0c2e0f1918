package worker

import (
	"fmt"
	"strings"
)

// buildStepGenerationPrompt assembles the analyze_form_page/
// regenerate_steps prompt: DOM, any already-executed prefix, the form's
// test cases/input values/spec document, and any pending junction
// instructions the Path Evaluator seeded (spec.md §4.7 "analyze_form_page").
// The model's own instructions are an external collaborator (spec.md §1
// scope) — this builds the structured context the model reasons over,
// not the reasoning itself.
func buildStepGenerationPrompt(domHTML, testCaseDescription, inputValues, specDocument string, junctionInstructions map[string]string, alreadyExecuted string) string {
	var b strings.Builder
	b.WriteString("You are mapping a web form into an ordered list of executable steps.\n")
	b.WriteString("Return a JSON array of steps, each: {step_number, action, selector, value, description, full_xpath}.\n")
	b.WriteString("action must be one of: fill, click, select, check, uncheck, hover, scroll, wait, accept_alert, dismiss_alert, wait_dom_ready, verify_clickables, verify_login_page, verify.\n\n")
	if testCaseDescription != "" {
		fmt.Fprintf(&b, "Test case: %s\n", testCaseDescription)
	}
	if inputValues != "" {
		fmt.Fprintf(&b, "User-supplied input values: %s\n", inputValues)
	}
	if specDocument != "" {
		fmt.Fprintf(&b, "Spec document:\n%s\n", specDocument)
	}
	if alreadyExecuted != "" {
		fmt.Fprintf(&b, "Already executed (produce only the remainder):\n%s\n", alreadyExecuted)
	}
	for selector, option := range junctionInstructions {
		fmt.Fprintf(&b, "Junction instruction: the step matching selector %q must use value %q.\n", selector, option)
	}
	fmt.Fprintf(&b, "\nCurrent page DOM:\n%s\n", truncate(domHTML, 60000))
	return b.String()
}

// buildRecoveryPrompt assembles the analyze_failure_and_recover prompt
// (spec.md §4.7): the failing step, its error, prior recovery history,
// and the current DOM. Expected response: JSON
// {kind, new_selector?, pre_steps?}.
func buildRecoveryPrompt(stepDescription, selector, errText string, recoveryCount int, domHTML string) string {
	var b strings.Builder
	b.WriteString("A browser automation step failed. Classify the failure and propose a fix.\n")
	b.WriteString("Return JSON: {\"kind\": one of [\"locator_changed\",\"page_general_error\",\"need_healing\",\"correction_steps\"], ")
	b.WriteString("\"new_selector\": string (for locator_changed), \"pre_steps\": array of step objects (for correction_steps)}.\n\n")
	fmt.Fprintf(&b, "Failing step: %s (selector %q)\n", stepDescription, selector)
	fmt.Fprintf(&b, "Error: %s\n", errText)
	fmt.Fprintf(&b, "Recovery attempts so far on this session: %d\n", recoveryCount)
	fmt.Fprintf(&b, "Current page DOM:\n%s\n", truncate(domHTML, 60000))
	return b.String()
}

// buildVisualVerifyPrompt assembles a screenshot-only verification
// prompt (verify_ui_visual / verify_dynamic_step_visual, spec.md §4.7).
// Expected response: a plain string of defects, empty when clean.
func buildVisualVerifyPrompt(description string, priorIssues []string) string {
	var b strings.Builder
	b.WriteString("Inspect the attached screenshot for visual defects or blocking page issues ")
	b.WriteString("(loading spinner stuck, 404, session expired). Reply with a short description ")
	b.WriteString("of any new defect, or an empty reply if the page looks clean and ready.\n")
	if description != "" {
		fmt.Fprintf(&b, "What this step/verification is checking: %s\n", description)
	}
	if len(priorIssues) > 0 {
		fmt.Fprintf(&b, "Previously reported issues (do not repeat these): %s\n", strings.Join(priorIssues, "; "))
	}
	return b.String()
}

// buildPageVerifyPrompt assembles the verify_page_visual prompt: the
// result-page screenshot plus the steps executed to reach it. Expected
// response: JSON {ready, defects, fields: [{field, pass, severity}]}.
func buildPageVerifyPrompt(executedStepsJSON string) string {
	var b strings.Builder
	b.WriteString("Inspect the attached screenshot of a form submission result page. ")
	b.WriteString("Verify the data entered by the executed steps below is reflected correctly.\n")
	b.WriteString("Return JSON: {\"ready\": bool, \"defects\": string}.\n\n")
	fmt.Fprintf(&b, "Executed steps:\n%s\n", truncate(executedStepsJSON, 30000))
	return b.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}
