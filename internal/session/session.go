package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/fieldlab/internal/experiment"
)

var (
	// ErrFinished is returned when responding after the last step.
	ErrFinished = errors.New("session: timeline finished")
	// ErrInvalidResponse is returned when a keyboard response is not one of the step's choices.
	ErrInvalidResponse = errors.New("session: response not allowed")
)

// Trial records the participant's answer to one step.
type Trial struct {
	Index    int
	Type     string
	Name     string
	Stimulus string
	Response string
	RT       time.Duration
}

// Session walks one experiment timeline step by step.
type Session struct {
	ID         string
	Experiment string
	Engine     experiment.Engine

	steps   []experiment.Step
	pos     int
	trials  []Trial
	shownAt time.Time
	clock   func() time.Time
}

// Option customizes session construction.
type Option func(*Session)

// WithClock allows tests to control reaction times.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New builds the timeline for mod by calling Run once.
func New(name string, mod experiment.Module, engine experiment.Engine, opts ...Option) (*Session, error) {
	if mod == nil {
		return nil, fmt.Errorf("session: experiment %s is not registered", name)
	}
	engine.Experiment = name
	if engine.SessionID == "" {
		engine.SessionID = uuid.NewString()
	}
	s := &Session{
		ID:         engine.SessionID,
		Experiment: name,
		Engine:     engine,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	steps, err := mod.Run(engine)
	if err != nil {
		return nil, fmt.Errorf("session: build %s timeline: %w", name, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("session: %s timeline is empty", name)
	}
	for idx, step := range steps {
		if err := step.Validate(); err != nil {
			return nil, fmt.Errorf("session: %s step[%d]: %w", name, idx, err)
		}
	}
	s.steps = steps
	s.shownAt = s.clock()
	return s, nil
}

// Current returns the step awaiting a response.
func (s *Session) Current() (experiment.Step, bool) {
	if s.Done() {
		return experiment.Step{}, false
	}
	return s.steps[s.pos], true
}

// Progress returns the 1-based position of the current step and the total.
func (s *Session) Progress() (int, int) {
	return s.pos + 1, len(s.steps)
}

// Done reports whether every step has been answered.
func (s *Session) Done() bool {
	return s.pos >= len(s.steps)
}

// Respond records the answer to the current step and advances.
func (s *Session) Respond(response string) error {
	step, ok := s.Current()
	if !ok {
		return ErrFinished
	}
	if step.Type == experiment.StepKeyboardResponse {
		if choices := step.Choices(); len(choices) > 0 && !allowed(choices, response) {
			return fmt.Errorf("%w: %q (choices %s)", ErrInvalidResponse, response, strings.Join(choices, ", "))
		}
	}
	now := s.clock()
	s.trials = append(s.trials, Trial{
		Index:    s.pos,
		Type:     step.Type,
		Name:     step.Name,
		Stimulus: step.String("stimulus"),
		Response: response,
		RT:       now.Sub(s.shownAt),
	})
	s.pos++
	s.shownAt = now
	return nil
}

// Trials returns a copy of the recorded answers.
func (s *Session) Trials() []Trial {
	return append([]Trial(nil), s.trials...)
}

// Response returns the answer recorded for the named step.
func (s *Session) Response(name string) (string, bool) {
	for _, trial := range s.trials {
		if trial.Name == name {
			return trial.Response, true
		}
	}
	return "", false
}

// FileName returns the CSV file name for this session's data.
func (s *Session) FileName() string {
	return fmt.Sprintf("%s-%s.csv", s.Experiment, s.ID)
}

// Save writes the recorded trials to dir and returns the file path.
func (s *Session) Save(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("session: ensure data dir: %w", err)
	}
	path := filepath.Join(dir, s.FileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("session: create %s: %w", path, err)
	}
	if err := WriteCSV(f, s.meta(), s.trials); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("session: close %s: %w", path, err)
	}
	return path, nil
}

func (s *Session) meta() Meta {
	return Meta{Experiment: s.Experiment, SessionID: s.ID, UserID: s.Engine.UserID}
}

func allowed(choices []string, response string) bool {
	for _, choice := range choices {
		if choice == response {
			return true
		}
	}
	return false
}
