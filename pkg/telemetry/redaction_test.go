package telemetry

import (
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestRedactAttributesDropsPageText(t *testing.T) {
	attrs := []attribute.KeyValue{
		attribute.String("http.request.header.authorization", "Bearer secret"),
		attribute.String("cloak.query", "hello"),
		attribute.String("cloak.text.sample", "Hello World"),
		attribute.String("cloak.font", "glyphcloak-abc"),
		attribute.String("session.id", "b5b1"),
	}

	filtered := RedactAttributes(attrs, "session.id")

	if len(filtered) != 2 {
		t.Fatalf("expected 2 attributes after redaction, got %d", len(filtered))
	}
	for _, kv := range filtered {
		switch kv.Key {
		case "cloak.font":
			if kv.Value.AsString() != "glyphcloak-abc" {
				t.Fatalf("unexpected font value %q", kv.Value.AsString())
			}
		case "session.id":
			got := kv.Value.AsString()
			if !strings.HasPrefix(got, "[REDACTED:hash:") || strings.Contains(got, "b5b1") {
				t.Fatalf("session id not hashed: %q", got)
			}
		default:
			t.Fatalf("unexpected attribute %q present after redaction", kv.Key)
		}
	}
}
