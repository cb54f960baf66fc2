// Package topics provides MQTT topic canonicalization, wildcard matching,
// and the topic layout used by the agent mesh.
package topics

import "strings"

// Canonicalize normalizes a topic: ensures a single leading slash, strips
// any trailing slash, and collapses runs of slashes. Idempotent.
func Canonicalize(topic string) string {
	var b strings.Builder
	b.Grow(len(topic) + 1)
	b.WriteByte('/')
	prevSlash := true
	for i := 0; i < len(topic); i++ {
		c := topic[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
			b.WriteByte(c)
			continue
		}
		prevSlash = false
		b.WriteByte(c)
	}
	out := b.String()
	if len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}
	return out
}

// Matches reports whether a topic matches a subscription filter. Supports
// the MQTT wildcards + (exactly one level) and # (any remaining levels,
// trailing position only). Both inputs are canonicalized first.
func Matches(filter, topic string) bool {
	fparts := strings.Split(strings.TrimPrefix(Canonicalize(filter), "/"), "/")
	tparts := strings.Split(strings.TrimPrefix(Canonicalize(topic), "/"), "/")

	for i, fp := range fparts {
		if fp == "#" {
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}

// AgentInput returns the input topic an agent subscribes to for tasks.
func AgentInput(agentID string) string {
	return "/control/agents/" + agentID + "/input"
}

// AgentStatus returns the retained status topic for an agent.
func AgentStatus(agentID string) string {
	return "/control/agents/" + agentID + "/status"
}

// StatusWildcard returns the filter covering every agent's status topic.
// Subscribed when dynamic routing is enabled.
func StatusWildcard() string {
	return "/control/agents/+/status"
}

// Conversation returns the topic terminal messages for a conversation are
// published on by the given agent.
func Conversation(conversationID, agentID string) string {
	return "/conversations/" + conversationID + "/" + agentID
}

// StatusAgentID extracts the agent id from a status topic, or "" when the
// topic is not a status topic.
func StatusAgentID(topic string) string {
	parts := strings.Split(strings.TrimPrefix(Canonicalize(topic), "/"), "/")
	if len(parts) == 4 && parts[0] == "control" && parts[1] == "agents" && parts[3] == "status" {
		return parts[2]
	}
	return ""
}
