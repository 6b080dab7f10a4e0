package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrBlocked reports a page refused by a block decision.
var ErrBlocked = errors.New("blocked by policy")

// Action defines the outcome of a policy evaluation.
type Action string

const (
	// ActionCloak rewrites the page with cloaked text.
	ActionCloak Action = "cloak"
	// ActionPassthrough serves the page unchanged.
	ActionPassthrough Action = "passthrough"
	// ActionBlock refuses the request.
	ActionBlock Action = "block"
)

// Decision captures the result of a policy evaluation.
type Decision struct {
	Action Action
	Reason string
	// Skip holds extra selectors excluded from cloaking for this page.
	Skip     []string
	Metadata map[string]string
	Outputs  map[string]any
}

// Input describes the page being served.
type Input struct {
	Host        string
	Path        string
	Method      string
	UserAgent   string
	ContentType string
	Attributes  map[string]any
	// Entrypoint overrides the engine's default decision path.
	Entrypoint   string
	DisableCache bool
}

// Evaluator returns a decision for a page.
type Evaluator interface {
	Evaluate(ctx context.Context, input Input) (Decision, error)
}

// Static always returns the same action. It stands in when no policy is
// configured.
type Static Action

// Evaluate implements Evaluator.
func (s Static) Evaluate(context.Context, Input) (Decision, error) {
	return Decision{Action: Action(s), Metadata: map[string]string{}}, nil
}

func parseAction(value any) (Action, error) {
	if value == nil {
		return ActionCloak, nil
	}
	text, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("opa decision: action must be string, got %T", value)
	}
	switch a := Action(strings.ToLower(text)); a {
	case ActionCloak, ActionPassthrough, ActionBlock:
		return a, nil
	default:
		return "", fmt.Errorf("opa decision: unknown action %q", text)
	}
}
