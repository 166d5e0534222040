package scheduleengine

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// matchesEventPredicate evaluates predicate — a gjson path optionally
// suffixed with "==value" — against payload, re-marshaled to JSON so
// gjson can walk it. An empty predicate always matches; a malformed one
// fails closed.
func matchesEventPredicate(predicate string, payload map[string]any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	path, want, hasWant := splitPredicate(predicate)
	result := gjson.GetBytes(raw, path)
	if !result.Exists() {
		return false
	}
	if !hasWant {
		return result.Bool() || result.String() != ""
	}
	return result.String() == want
}

// splitPredicate splits "path==value" into its path and value halves; a
// predicate with no "==" is treated as a bare existence/truthiness path.
func splitPredicate(predicate string) (path, want string, hasWant bool) {
	for i := 0; i+1 < len(predicate); i++ {
		if predicate[i] == '=' && predicate[i+1] == '=' {
			return predicate[:i], predicate[i+2:], true
		}
	}
	return predicate, "", false
}
