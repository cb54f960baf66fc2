// Package routing decides the next hop for a task: an ordered rule engine
// over the envelope JSON, and routers that wrap it or delegate the decision
// to the LLM.
package routing

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mqmesh/mqmesh/internal/registry"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

// RuleDecision is the outcome of one rule-engine evaluation.
type RuleDecision struct {
	// Target is the selected agent when Matched is true.
	Target string
	// Matched reports whether any rule selected a live target.
	Matched bool
	// MatchedRule is the ID of the winning rule.
	MatchedRule string
	// Reason is a human-readable explanation recorded in the routing
	// trace.
	Reason string
}

// EvaluateRules runs the rules in order (priority ascending, then rule ID)
// against the envelope's JSON representation. The first rule whose
// condition matches, whose target is live in the registry, and whose
// required capabilities the target advertises wins. Rules whose target is
// down or underqualified are skipped, not fatal.
func EvaluateRules(envelopeJSON []byte, rules []wire.RoutingRule, reg *registry.Registry) RuleDecision {
	ordered := make([]wire.RoutingRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, rule := range ordered {
		if !conditionMatches(envelopeJSON, rule.Condition) {
			continue
		}
		info, live := reg.Get(rule.TargetAgent)
		if !live {
			continue
		}
		if !registry.HasCapabilities(info.Capabilities, rule.RequiredCapabilities) {
			continue
		}
		return RuleDecision{
			Target:      rule.TargetAgent,
			Matched:     true,
			MatchedRule: rule.ID,
			Reason:      "rule " + rule.ID + " matched",
		}
	}
	return RuleDecision{Reason: "no rule matched a live target"}
}

// conditionMatches evaluates a JSONPath-style condition against the
// envelope JSON. The value must exist and be truthy: non-null, non-zero,
// non-empty, or boolean true.
func conditionMatches(envelopeJSON []byte, condition string) bool {
	path := normalizePath(condition)
	if path == "" {
		return false
	}
	value := gjson.GetBytes(envelopeJSON, path)
	if !value.Exists() {
		return false
	}
	switch value.Type {
	case gjson.Null:
		return false
	case gjson.False:
		return false
	case gjson.True:
		return true
	case gjson.Number:
		return value.Num != 0
	case gjson.String:
		return value.Str != ""
	default:
		// Arrays and objects: truthy when non-empty.
		if value.IsArray() {
			return len(value.Array()) > 0
		}
		return len(value.Map()) > 0
	}
}

// normalizePath converts a JSONPath root prefix ("$." or "$") to gjson
// dot syntax.
func normalizePath(condition string) string {
	path := strings.TrimSpace(condition)
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	return path
}
