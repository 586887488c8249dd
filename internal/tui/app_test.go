package tui

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/fieldlab/internal/app"
	"github.com/kingrea/fieldlab/internal/config"
	"github.com/kingrea/fieldlab/internal/experiment"
	"github.com/kingrea/fieldlab/internal/logging"
	"github.com/kingrea/fieldlab/internal/storage"
)

func profileModule(store *storage.Store) experiment.Module {
	run := experiment.RunFunc(func(experiment.Engine) ([]experiment.Step, error) {
		return []experiment.Step{
			{Type: experiment.StepInstructions, Params: map[string]any{"stimulus": "Welcome"}},
			{Type: experiment.StepSurveyText, Name: app.ParticipantIDStep, Params: map[string]any{"prompt": "Participant ID"}},
		}, nil
	})
	return experiment.WithIdentityCheck(run, func(context.Context) (string, error) {
		id, _ := store.Get(storage.KeyUserID)
		return id, nil
	})
}

func flankerModule() experiment.Module {
	return experiment.RunFunc(func(experiment.Engine) ([]experiment.Step, error) {
		return []experiment.Step{
			{Type: experiment.StepKeyboardResponse, Name: "trial-1", Params: map[string]any{"stimulus": "<<<<<", "choices": []any{"f", "j"}}},
		}, nil
	})
}

func newTestRuntime(t *testing.T, userID string) *app.Runtime {
	t.Helper()
	projectDir := t.TempDir()
	if err := config.InitProjectDir(projectDir); err != nil {
		t.Fatalf("init project: %v", err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	store, err := storage.Open(cfg.StoragePath())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	reg := experiment.NewRegistry()
	reg.MustRegister(config.ProfileExperiment, profileModule(store))
	reg.MustRegister("flanker", flankerModule())
	return &app.Runtime{
		Config:    cfg,
		Registry:  reg,
		Storage:   store,
		Logger:    logging.NewWriter(io.Discard),
		Requested: []string{config.ProfileExperiment, "flanker", "missing"},
		Failed:    []string{"missing"},
		UserID:    userID,
	}
}

func press(t *testing.T, a *App, msg tea.KeyMsg) (*App, tea.Cmd) {
	t.Helper()
	model, cmd := a.Update(msg)
	next, ok := model.(*App)
	if !ok {
		t.Fatalf("unexpected model type: %T", model)
	}
	return next, cmd
}

func typeText(t *testing.T, a *App, text string) *App {
	t.Helper()
	a, _ = press(t, a, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return a
}

func isQuit(cmd tea.Cmd) bool {
	if cmd == nil {
		return false
	}
	_, ok := cmd().(tea.QuitMsg)
	return ok
}

func dataFiles(t *testing.T, rt *app.Runtime) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(rt.Config.DataDir(), "*.csv"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestProfileRunsFirstAndStoresParticipant(t *testing.T) {
	rt := newTestRuntime(t, "")
	a := NewApp(rt)
	if a.state != stateTrial || a.session == nil || a.session.Experiment != config.ProfileExperiment {
		t.Fatalf("expected profile session on start, state=%v", a.state)
	}

	a, _ = press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	if a.session == nil || !a.input.Focused() {
		t.Fatalf("survey step should focus the text input")
	}
	a = typeText(t, a, "p-9")
	a, cmd := press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	if isQuit(cmd) {
		t.Fatalf("menu mode must not quit after the profile")
	}
	if a.state != stateMenu {
		t.Fatalf("expected menu after profile, got %v", a.state)
	}
	if rt.UserID != "p-9" {
		t.Fatalf("expected participant p-9, got %q", rt.UserID)
	}
	if stored, _ := rt.Storage.Get(storage.KeyUserID); stored != "p-9" {
		t.Fatalf("participant not persisted, got %q", stored)
	}
	if len(dataFiles(t, rt)) != 1 {
		t.Fatalf("expected profile data file")
	}
	items := a.menu.Items()
	if len(items) != 2 || items[0].(experimentItem).name != "flanker" {
		t.Fatalf("unexpected menu items %v", items)
	}
}

func TestMenuStartsExperimentAndValidatesKeys(t *testing.T) {
	rt := newTestRuntime(t, "p-1")
	a := NewApp(rt)
	if a.state != stateMenu {
		t.Fatalf("known participant should land on the menu")
	}
	a, _ = press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	if a.state != stateTrial || a.session.Experiment != "flanker" {
		t.Fatalf("enter should start the selected experiment")
	}

	a = typeText(t, a, "x")
	if a.state != stateTrial || !strings.Contains(a.statusMsg, "listed keys") {
		t.Fatalf("invalid key should keep the trial open, status=%q", a.statusMsg)
	}
	a = typeText(t, a, "j")
	if a.state != stateMenu {
		t.Fatalf("expected menu after the last trial")
	}
	files := dataFiles(t, rt)
	if len(files) != 1 || !strings.HasPrefix(filepath.Base(files[0]), "flanker-") {
		t.Fatalf("expected flanker data file, got %v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), ",p-1,0,html-keyboard-response,trial-1,<<<<<,j,") {
		t.Fatalf("unexpected data:\n%s", data)
	}
}

func TestEscAbandonsWithoutSaving(t *testing.T) {
	rt := newTestRuntime(t, "p-1")
	a := NewApp(rt)
	a, _ = press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	a, cmd := press(t, a, tea.KeyMsg{Type: tea.KeyEsc})
	if isQuit(cmd) || a.state != stateMenu || a.session != nil {
		t.Fatalf("esc should return to the menu")
	}
	if files := dataFiles(t, rt); len(files) != 0 {
		t.Fatalf("abandoned session must not save data, got %v", files)
	}
	if !strings.Contains(a.View(), "Unavailable: missing") {
		t.Fatalf("view should list unavailable experiments")
	}
}

func TestWithExperimentRunsAfterProfileThenQuits(t *testing.T) {
	rt := newTestRuntime(t, "")
	a := NewApp(rt, WithExperiment("flanker"))
	if a.session == nil || a.session.Experiment != config.ProfileExperiment {
		t.Fatalf("profile must run before the requested experiment")
	}
	a, _ = press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	a, _ = press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	if a.session == nil || a.session.Experiment != "flanker" {
		t.Fatalf("requested experiment should follow the profile")
	}
	if rt.UserID == "" {
		t.Fatalf("blank participant id should be generated")
	}
	_, cmd := press(t, a, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")})
	if !isQuit(cmd) {
		t.Fatalf("run mode should quit after the experiment")
	}
}

func TestWithProfileRunsOnceThenQuits(t *testing.T) {
	for _, userID := range []string{"", "p-1"} {
		rt := newTestRuntime(t, userID)
		a := NewApp(rt, WithExperiment(config.ProfileExperiment))
		if a.session == nil || a.session.Experiment != config.ProfileExperiment {
			t.Fatalf("user %q: expected the profile session on start", userID)
		}
		a, _ = press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
		a = typeText(t, a, "p-2")
		a, cmd := press(t, a, tea.KeyMsg{Type: tea.KeyEnter})
		if !isQuit(cmd) {
			t.Fatalf("user %q: run profile should quit after the profile, state=%v", userID, a.state)
		}
		if a.session != nil {
			t.Fatalf("user %q: profile must not start a second time", userID)
		}
		if files := dataFiles(t, rt); len(files) != 1 {
			t.Fatalf("user %q: expected one profile data file, got %v", userID, files)
		}
		if rt.UserID != "p-2" {
			t.Fatalf("user %q: expected updated participant, got %q", userID, rt.UserID)
		}
	}
}

func TestWithUnknownExperimentStaysOnMenu(t *testing.T) {
	rt := newTestRuntime(t, "p-1")
	a := NewApp(rt, WithExperiment("missing"))
	if a.state != stateMenu || a.err == nil {
		t.Fatalf("unknown experiment should report an error on the menu")
	}
	if _, cmd := press(t, a, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")}); !isQuit(cmd) {
		t.Fatalf("q should quit from the menu")
	}
}
