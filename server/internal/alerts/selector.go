package alerts

import "regexp"

// EvalContext describes the scope an evaluation applies to: a single
// container or a single host. Name and Labels are matched against a rule's
// selectors; ScopeType/ScopeID identify the runtime/dedup key.
type EvalContext struct {
	ScopeType string // "host" or "container"
	ScopeID   string
	HostID    string
	Name      string
	Labels    map[string]string
}

// selectorRegexCache avoids recompiling the same pattern on every
// evaluation; rules are validated (and thus pattern-checked for safety)
// before they ever reach here.
var selectorRegexCache = map[string]*regexp.Regexp{}

func compileSelector(pattern string) *regexp.Regexp {
	if re, ok := selectorRegexCache[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	selectorRegexCache[pattern] = re
	return re
}

// matchesLabels implements "all rule labels present and equal in context
// labels" (spec.md §4.2).
func matchesLabels(ruleLabels, contextLabels map[string]string) bool {
	for k, v := range ruleLabels {
		if contextLabels[k] != v {
			return false
		}
	}
	return true
}

// matchesNameSelector applies a selector map's optional "name" regex entry,
// if present, against ctx.Name.
func matchesNameSelector(selector map[string]string, name string) bool {
	pattern, ok := selector["name"]
	if !ok || pattern == "" {
		return true
	}
	re := compileSelector(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(name)
}
