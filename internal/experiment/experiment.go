package experiment

import (
	"context"
	"fmt"
	"strings"
)

// Module is implemented by every experiment. Run builds the ordered timeline
// of trial steps for one session.
type Module interface {
	Run(engine Engine) ([]Step, error)
}

// IdentityChecker is the optional capability of experiments that can report a
// previously stored participant identifier. An empty id means none is stored.
type IdentityChecker interface {
	CheckUserID(ctx context.Context) (string, error)
}

// Identity reports whether m carries an identity check.
func Identity(m Module) (IdentityChecker, bool) {
	if m == nil {
		return nil, false
	}
	checker, ok := m.(IdentityChecker)
	return checker, ok
}

// RunFunc adapts a plain function to Module.
type RunFunc func(Engine) ([]Step, error)

// Run implements Module.
func (f RunFunc) Run(engine Engine) ([]Step, error) {
	return f(engine)
}

// UserIDFunc reports a stored participant identifier.
type UserIDFunc func(ctx context.Context) (string, error)

type identified struct {
	Module
	check UserIDFunc
}

func (m identified) CheckUserID(ctx context.Context) (string, error) {
	return m.check(ctx)
}

// WithIdentityCheck returns a module that also implements IdentityChecker.
func WithIdentityCheck(m Module, check UserIDFunc) Module {
	if check == nil {
		return m
	}
	return identified{Module: m, check: check}
}

// Engine is the handle passed to Run.
type Engine struct {
	Experiment string
	UserID     string
	SessionID  string
	// Storage is a read-only copy of the participant's stored values.
	Storage map[string]string
}

// Vars renders the engine as plain values for interpreted experiments.
func (e Engine) Vars() map[string]any {
	storage := make(map[string]any, len(e.Storage))
	for key, value := range e.Storage {
		storage[key] = value
	}
	return map[string]any{
		"experiment": e.Experiment,
		"user_id":    e.UserID,
		"session_id": e.SessionID,
		"storage":    storage,
	}
}

// Well-known step types.
const (
	StepInstructions     = "instructions"
	StepKeyboardResponse = "html-keyboard-response"
	StepSurveyText       = "survey-text"
)

// Step is one trial descriptor in an experiment timeline. Params holds every
// key besides type and name, e.g. stimulus, prompt or choices.
type Step struct {
	Type   string         `yaml:"type" json:"type"`
	Name   string         `yaml:"name,omitempty" json:"name,omitempty"`
	Params map[string]any `yaml:",inline" json:"params,omitempty"`
}

// Validate ensures the step can be presented.
func (s Step) Validate() error {
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("experiment: step type is required")
	}
	return nil
}

// String returns a string parameter, or "" when absent.
func (s Step) String(key string) string {
	value, ok := s.Params[key]
	if !ok || value == nil {
		return ""
	}
	if str, ok := value.(string); ok {
		return str
	}
	return fmt.Sprint(value)
}

// Choices returns the allowed keys of a keyboard-response step. An empty
// result accepts any key.
func (s Step) Choices() []string {
	switch raw := s.Params["choices"].(type) {
	case []string:
		return append([]string(nil), raw...)
	case []any:
		out := make([]string, 0, len(raw))
		for _, item := range raw {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if raw == "" {
			return nil
		}
		return []string{raw}
	default:
		return nil
	}
}
