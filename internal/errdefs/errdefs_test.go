package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindOf(t *testing.T) {
	t.Run("classified error", func(t *testing.T) {
		err := New(KindPipelineDepthExceeded, "depth 16")
		if got := KindOf(err); got != KindPipelineDepthExceeded {
			t.Fatalf("KindOf = %s", got)
		}
	})

	t.Run("wrapped classified error", func(t *testing.T) {
		err := fmt.Errorf("processing: %w", New(KindLLMFailure, "upstream 503"))
		if got := KindOf(err); got != KindLLMFailure {
			t.Fatalf("KindOf through wrap = %s", got)
		}
	})

	t.Run("unclassified defaults to Internal", func(t *testing.T) {
		if got := KindOf(errors.New("plain")); got != KindInternal {
			t.Fatalf("KindOf = %s", got)
		}
	})
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindLLMFailure, cause, "completion failed")

	if !errors.Is(err, cause) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if msg := err.Error(); !strings.Contains(msg, "LlmFailure") || !strings.Contains(msg, "connection reset") {
		t.Fatalf("Error() = %q", msg)
	}
}

func TestPayload(t *testing.T) {
	err := New(KindBudgetExhausted, "tool call budget 15 exceeded")
	payload := Payload(err, "t1", "c1", "agent-a")

	if payload.ErrorKind != "BudgetExhausted" {
		t.Fatalf("error_kind = %q", payload.ErrorKind)
	}
	if payload.TaskID != "t1" || payload.ConversationID != "c1" || payload.AgentID != "agent-a" {
		t.Fatalf("identity fields = %+v", payload)
	}
	if payload.Timestamp.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestPayloadRedactsSecrets(t *testing.T) {
	err := New(KindLLMFailure, "auth failed for api_key=sk-abc123def456ghi789 user bob@example.com")
	payload := Payload(err, "t1", "c1", "agent-a")

	if strings.Contains(payload.Message, "sk-abc123") {
		t.Fatalf("api key leaked: %q", payload.Message)
	}
	if strings.Contains(payload.Message, "bob@example.com") {
		t.Fatalf("email leaked: %q", payload.Message)
	}
	if !strings.Contains(payload.Message, "[redacted]") {
		t.Fatalf("no redaction marker: %q", payload.Message)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		leaks string
	}{
		{"openai style key", "request with sk-proj1234567890abcdef failed", "sk-proj"},
		{"bearer token", "header Bearer abcdef123456789 rejected", "abcdef123456789"},
		{"password assignment", "dsn password=hunter22secret refused", "hunter22secret"},
		{"email", "notify ops@mesh.internal", "ops@mesh.internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)
			if strings.Contains(got, tt.leaks) {
				t.Fatalf("Redact(%q) = %q still leaks", tt.in, got)
			}
		})
	}

	t.Run("clean text untouched", func(t *testing.T) {
		in := "pipeline_depth 16 at limit 16"
		if got := Redact(in); got != in {
			t.Fatalf("Redact changed clean text: %q", got)
		}
	})
}
