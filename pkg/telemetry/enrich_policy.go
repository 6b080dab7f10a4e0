package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/glyphcloak/pkg/policy"
)

// RecordPolicyDecision annotates the span with the cloaking decision for a
// page.
func RecordPolicyDecision(span trace.Span, decision policy.Decision) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.String("policy.decision.action", string(decision.Action)))
	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}
	if len(decision.Skip) > 0 {
		span.SetAttributes(attribute.StringSlice("policy.decision.skip", decision.Skip))
	}

	for key, value := range decision.Metadata {
		if value == "" {
			continue
		}
		span.SetAttributes(attribute.String("policy."+key, value))
	}

	if decision.Action == policy.ActionBlock {
		span.AddEvent("policy.blocked")
	}
}
