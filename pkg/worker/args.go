package worker

import "encoding/json"

// decodeArg pulls a typed value out of a background task envelope's Args
// map. Args travel through the Queue Fabric as JSON (spec.md §6 "Task
// envelope"), so a struct placed there by the orchestrator (a Step, a
// []Step) survives only as the generic map/slice shape encoding/json
// produces on decode — this re-marshals and decodes into T to recover it,
// the same round-trip pkg/dispatch.decodeAgentResult relies on for agent
// results.
func decodeArg[T any](args map[string]any, key string) (T, bool) {
	var zero T
	v, ok := args[key]
	if !ok || v == nil {
		return zero, false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return zero, false
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		return zero, false
	}
	return out, true
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
