package routing

import (
	"testing"
	"time"

	"github.com/mqmesh/mqmesh/internal/registry"
	"github.com/mqmesh/mqmesh/pkg/wire"
)

func liveRegistry(t *testing.T, agents ...wire.AgentStatus) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Options{})
	for _, a := range agents {
		r.RecordAt(a, time.Now())
	}
	return r
}

func available(id string, caps ...string) wire.AgentStatus {
	return wire.AgentStatus{AgentID: id, Status: wire.StateAvailable, Capabilities: caps, MaxLoad: 4}
}

func TestEvaluateRules(t *testing.T) {
	envJSON := []byte(`{
		"task_id": "t1",
		"conversation_id": "c1",
		"instruction": "review this",
		"payload": {"urgent": true, "language": "go", "score": 0, "tags": []}
	}`)

	t.Run("matching condition routes to live target", func(t *testing.T) {
		reg := liveRegistry(t, available("fast"))
		d := EvaluateRules(envJSON, []wire.RoutingRule{
			{ID: "r1", Priority: 1, Condition: "$.payload.urgent", TargetAgent: "fast"},
		}, reg)
		if !d.Matched || d.Target != "fast" || d.MatchedRule != "r1" {
			t.Fatalf("decision = %+v", d)
		}
	})

	t.Run("priority ascending then id", func(t *testing.T) {
		reg := liveRegistry(t, available("a"), available("b"), available("c"))
		rules := []wire.RoutingRule{
			{ID: "z-late", Priority: 5, Condition: "$.payload.urgent", TargetAgent: "c"},
			{ID: "b-rule", Priority: 1, Condition: "$.payload.urgent", TargetAgent: "b"},
			{ID: "a-rule", Priority: 1, Condition: "$.payload.urgent", TargetAgent: "a"},
		}
		d := EvaluateRules(envJSON, rules, reg)
		if d.MatchedRule != "a-rule" {
			t.Fatalf("matched %s, want a-rule (priority tie broken by id)", d.MatchedRule)
		}
	})

	t.Run("dead target skipped, next rule wins", func(t *testing.T) {
		reg := liveRegistry(t, available("backup"))
		rules := []wire.RoutingRule{
			{ID: "r1", Priority: 1, Condition: "$.payload.urgent", TargetAgent: "ghost"},
			{ID: "r2", Priority: 2, Condition: "$.payload.urgent", TargetAgent: "backup"},
		}
		d := EvaluateRules(envJSON, rules, reg)
		if !d.Matched || d.Target != "backup" {
			t.Fatalf("decision = %+v", d)
		}
	})

	t.Run("capability requirement enforced", func(t *testing.T) {
		reg := liveRegistry(t, available("generalist", "chat"))
		rules := []wire.RoutingRule{
			{ID: "r1", Priority: 1, Condition: "$.payload.urgent", TargetAgent: "generalist",
				RequiredCapabilities: []string{"code"}},
		}
		if d := EvaluateRules(envJSON, rules, reg); d.Matched {
			t.Fatalf("underqualified target matched: %+v", d)
		}
	})

	t.Run("no match", func(t *testing.T) {
		reg := liveRegistry(t, available("a"))
		rules := []wire.RoutingRule{
			{ID: "r1", Priority: 1, Condition: "$.payload.missing", TargetAgent: "a"},
		}
		if d := EvaluateRules(envJSON, rules, reg); d.Matched {
			t.Fatalf("absent field matched: %+v", d)
		}
	})

	t.Run("falsy values do not match", func(t *testing.T) {
		reg := liveRegistry(t, available("a"))
		for _, cond := range []string{
			"$.payload.score", // zero number
			"$.payload.tags",  // empty array
		} {
			rules := []wire.RoutingRule{{ID: "r1", Priority: 1, Condition: cond, TargetAgent: "a"}}
			if d := EvaluateRules(envJSON, rules, reg); d.Matched {
				t.Fatalf("falsy condition %q matched", cond)
			}
		}
	})

	t.Run("truthy string matches", func(t *testing.T) {
		reg := liveRegistry(t, available("a"))
		rules := []wire.RoutingRule{
			{ID: "r1", Priority: 1, Condition: "$.payload.language", TargetAgent: "a"},
		}
		if d := EvaluateRules(envJSON, rules, reg); !d.Matched {
			t.Fatal("non-empty string did not match")
		}
	})

	t.Run("condition without dollar prefix", func(t *testing.T) {
		reg := liveRegistry(t, available("a"))
		rules := []wire.RoutingRule{
			{ID: "r1", Priority: 1, Condition: "payload.urgent", TargetAgent: "a"},
		}
		if d := EvaluateRules(envJSON, rules, reg); !d.Matched {
			t.Fatal("plain path did not match")
		}
	})
}
