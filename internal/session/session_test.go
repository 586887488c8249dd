package session

import (
	"bytes"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/kingrea/fieldlab/internal/experiment"
)

func stroop(engine experiment.Engine) ([]experiment.Step, error) {
	return []experiment.Step{
		{Type: experiment.StepInstructions, Params: map[string]any{"stimulus": "Press f for red, j for blue"}},
		{Type: experiment.StepKeyboardResponse, Name: "trial-1", Params: map[string]any{"stimulus": "RED", "choices": []any{"f", "j"}}},
		{Type: experiment.StepSurveyText, Name: "feedback", Params: map[string]any{"prompt": "Any comments?"}},
	}, nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestSessionWalksTimeline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	s, err := New("stroop", experiment.RunFunc(stroop), experiment.Engine{UserID: "p-1", SessionID: "s-1"}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.Engine.Experiment != "stroop" {
		t.Fatalf("engine should carry the experiment name, got %q", s.Engine.Experiment)
	}
	if pos, total := s.Progress(); pos != 1 || total != 3 {
		t.Fatalf("progress = %d/%d", pos, total)
	}

	clock.advance(2 * time.Second)
	if err := s.Respond(""); err != nil {
		t.Fatalf("respond to instructions: %v", err)
	}
	clock.advance(450 * time.Millisecond)
	if err := s.Respond("x"); !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("expected invalid response, got %v", err)
	}
	if err := s.Respond("f"); err != nil {
		t.Fatalf("respond to keyboard step: %v", err)
	}
	clock.advance(3 * time.Second)
	if err := s.Respond("none"); err != nil {
		t.Fatalf("respond to survey: %v", err)
	}
	if !s.Done() {
		t.Fatalf("expected session to be done")
	}
	if _, ok := s.Current(); ok {
		t.Fatalf("finished session has no current step")
	}
	if err := s.Respond("late"); !errors.Is(err, ErrFinished) {
		t.Fatalf("expected ErrFinished, got %v", err)
	}

	trials := s.Trials()
	if len(trials) != 3 {
		t.Fatalf("expected 3 trials, got %d", len(trials))
	}
	if trials[1].RT != 450*time.Millisecond || trials[1].Response != "f" || trials[1].Stimulus != "RED" {
		t.Fatalf("unexpected keyboard trial %+v", trials[1])
	}
	if got, ok := s.Response("feedback"); !ok || got != "none" {
		t.Fatalf("Response(feedback) = %q, %v", got, ok)
	}
	if _, ok := s.Response("missing"); ok {
		t.Fatalf("unknown step name should have no response")
	}
}

func TestNewRejectsBadTimelines(t *testing.T) {
	empty := experiment.RunFunc(func(experiment.Engine) ([]experiment.Step, error) { return nil, nil })
	if _, err := New("empty", empty, experiment.Engine{}); err == nil {
		t.Fatalf("empty timeline should be rejected")
	}
	failing := experiment.RunFunc(func(experiment.Engine) ([]experiment.Step, error) { return nil, errors.New("no stimuli") })
	if _, err := New("failing", failing, experiment.Engine{}); err == nil {
		t.Fatalf("Run error should be returned")
	}
	untyped := experiment.RunFunc(func(experiment.Engine) ([]experiment.Step, error) {
		return []experiment.Step{{Name: "x"}}, nil
	})
	if _, err := New("untyped", untyped, experiment.Engine{}); err == nil {
		t.Fatalf("step without type should be rejected")
	}
	if _, err := New("nil", nil, experiment.Engine{}); err == nil {
		t.Fatalf("nil module should be rejected")
	}
}

func TestNewGeneratesSessionID(t *testing.T) {
	s, err := New("stroop", experiment.RunFunc(stroop), experiment.Engine{})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.ID == "" || s.Engine.SessionID != s.ID {
		t.Fatalf("expected generated session id, got %q / %q", s.ID, s.Engine.SessionID)
	}
}

func TestSaveWritesCSV(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s, err := New("stroop", experiment.RunFunc(stroop), experiment.Engine{UserID: "p-1", SessionID: "s-1"}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	for _, answer := range []string{"", "j", "fine, thanks"} {
		clock.advance(time.Second)
		if err := s.Respond(answer); err != nil {
			t.Fatalf("respond %q: %v", answer, err)
		}
	}
	dir := filepath.Join(t.TempDir(), "data")
	path, err := s.Save(dir)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Base(path) != "stroop-s-1.csv" {
		t.Fatalf("unexpected file name %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
	if !reflect.DeepEqual(rows[0], csvHeader) {
		t.Fatalf("header = %v", rows[0])
	}
	want := []string{"stroop", "s-1", "p-1", "2", "survey-text", "feedback", "", "fine, thanks", "1000"}
	if !reflect.DeepEqual(rows[3], want) {
		t.Fatalf("row = %v, want %v", rows[3], want)
	}
}
