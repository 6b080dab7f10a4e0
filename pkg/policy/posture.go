package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Mode indicates what happens to a page when its policy cannot be evaluated.
type Mode string

const (
	// ModeFailClosed refuses the page.
	ModeFailClosed Mode = "fail-closed"
	// ModeFailOpen serves the page cloaked as usual.
	ModeFailOpen Mode = "fail-open"
)

// ParseMode converts a textual representation into a Mode constant.
func ParseMode(value string) (Mode, error) {
	mode := Mode(strings.TrimSpace(strings.ToLower(value)))
	if mode == "" {
		return "", errors.New("mode is required")
	}
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid mode %q", value)
	}
	return mode, nil
}

// IsValid reports whether the mode is recognised.
func (m Mode) IsValid() bool {
	switch m {
	case ModeFailClosed, ModeFailOpen:
		return true
	default:
		return false
	}
}

// Fallback is the decision taken under mode when evaluation failed with err.
func Fallback(mode Mode, err error) Decision {
	d := Decision{Action: ActionCloak, Metadata: map[string]string{"posture": string(mode)}}
	if mode == ModeFailClosed {
		d.Action = ActionBlock
	}
	if err != nil {
		d.Reason = "policy evaluation failed: " + err.Error()
	}
	return d
}
