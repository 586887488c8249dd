package app

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/kingrea/fieldlab/internal/config"
	"github.com/kingrea/fieldlab/internal/loader"
	"github.com/kingrea/fieldlab/internal/storage"
)

const profileUnit = `package main

func CheckUserID(storage map[string]string) (string, error) {
	return storage["user_id"], nil
}

func Run(engine map[string]any) []map[string]any {
	return []map[string]any{
		{"type": "instructions", "stimulus": "Welcome"},
		{"type": "survey-text", "name": "participant_id", "prompt": "Participant ID"},
	}
}
`

const sampleUnit = `package main

func Run(engine map[string]any) []map[string]any {
	return []map[string]any{
		{"type": "html-keyboard-response", "name": "go", "stimulus": "GO", "choices": []string{"space"}},
	}
}
`

func setupProject(t *testing.T, units map[string]string) *config.Config {
	t.Helper()
	projectDir := t.TempDir()
	if err := config.InitProjectDir(projectDir); err != nil {
		t.Fatalf("init project: %v", err)
	}
	for name, src := range units {
		path := filepath.Join(projectDir, filepath.FromSlash(loader.UnitPath(name)))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestBootstrapRunsProfileThenRemembersParticipant(t *testing.T) {
	cfg := setupProject(t, map[string]string{"profile": profileUnit, "sample-experiment": sampleUnit})

	rt, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if len(rt.Failed) != 0 {
		t.Fatalf("unexpected failures %v", rt.Failed)
	}
	if !rt.NeedsProfile() {
		t.Fatalf("fresh participant should need the profile")
	}
	if got := rt.Experiments(); !reflect.DeepEqual(got, []string{"sample-experiment"}) {
		t.Fatalf("experiments = %v", got)
	}

	s, err := rt.NewSession(config.ProfileExperiment)
	if err != nil {
		t.Fatalf("new profile session: %v", err)
	}
	if err := s.Respond(""); err != nil {
		t.Fatal(err)
	}
	if err := s.Respond(" p-77 "); err != nil {
		t.Fatal(err)
	}
	path, err := rt.Complete(s)
	if err != nil {
		t.Fatalf("complete profile: %v", err)
	}
	if rt.UserID != "p-77" || rt.NeedsProfile() {
		t.Fatalf("expected participant to be stored, got %q", rt.UserID)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read profile data: %v", err)
	}
	if !strings.Contains(string(data), ",p-77,") {
		t.Fatalf("profile data should carry the new user id:\n%s", data)
	}

	again, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	if again.UserID != "p-77" || again.NeedsProfile() {
		t.Fatalf("stored participant should be found on restart, got %q", again.UserID)
	}
}

func TestCompleteGeneratesParticipantID(t *testing.T) {
	cfg := setupProject(t, map[string]string{"profile": profileUnit})
	rt, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	s, err := rt.NewSession(config.ProfileExperiment)
	if err != nil {
		t.Fatal(err)
	}
	for !s.Done() {
		if err := s.Respond(""); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := rt.Complete(s); err != nil {
		t.Fatalf("complete: %v", err)
	}
	stored, ok := rt.Storage.Get(storage.KeyUserID)
	if !ok || len(stored) != 36 {
		t.Fatalf("expected generated uuid, got %q", stored)
	}
}

func TestBootstrapReportsFailedExperiments(t *testing.T) {
	cfg := setupProject(t, map[string]string{"sample-experiment": sampleUnit})
	if err := cfg.SetExperiments([]string{"sample-experiment", "broken"}); err != nil {
		t.Fatal(err)
	}
	rt, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bootstrap should not fail on missing units: %v", err)
	}
	if got := rt.Failed; !reflect.DeepEqual(got, []string{"profile", "broken"}) {
		t.Fatalf("failed = %v", got)
	}
	if rt.NeedsProfile() {
		t.Fatalf("without a profile unit nothing can collect the id")
	}
	if _, err := rt.NewSession("broken"); err == nil {
		t.Fatalf("expected error for unloaded experiment")
	}
	lines, _ := rt.Journal.Tail(10)
	if len(lines) != 2 || !strings.Contains(lines[1], "unavailable experiment=broken error=") {
		t.Fatalf("journal should record each unavailable experiment, got %v", lines)
	}
}

func TestJournalRecordsSessionHistory(t *testing.T) {
	cfg := setupProject(t, map[string]string{"profile": profileUnit, "sample-experiment": sampleUnit})
	rt, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	rt.UserID = "p-3"

	left, err := rt.NewSession("sample-experiment")
	if err != nil {
		t.Fatal(err)
	}
	rt.Abandon(left)

	done, err := rt.NewSession("sample-experiment")
	if err != nil {
		t.Fatal(err)
	}
	if err := done.Respond("space"); err != nil {
		t.Fatal(err)
	}
	path, err := rt.Complete(done)
	if err != nil {
		t.Fatal(err)
	}

	if rt.Journal.Path() != JournalPath(cfg) {
		t.Fatalf("journal path = %s", rt.Journal.Path())
	}
	lines, total := rt.Journal.Tail(10)
	if total != 4 {
		t.Fatalf("expected 4 entries, got %d: %v", total, lines)
	}
	wants := []string{
		"started experiment=sample-experiment session=" + left.ID + " user=p-3 steps=1",
		"abandoned experiment=sample-experiment session=" + left.ID + " user=p-3 answered=0/1",
		"started experiment=sample-experiment session=" + done.ID,
		"completed experiment=sample-experiment session=" + done.ID + " user=p-3 data=" + path,
	}
	for i, want := range wants {
		if !strings.Contains(lines[i], want) {
			t.Fatalf("entry %d = %q, want %q", i, lines[i], want)
		}
	}
}

func TestBootstrapFallsBackToStoredID(t *testing.T) {
	noCheck := `package main

func Run() []map[string]any {
	return []map[string]any{{"type": "survey-text", "name": "participant_id"}}
}
`
	cfg := setupProject(t, map[string]string{"profile": noCheck})
	store, err := storage.Open(cfg.StoragePath())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(storage.KeyUserID, "kept"); err != nil {
		t.Fatal(err)
	}
	rt, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if rt.UserID != "kept" {
		t.Fatalf("expected storage fallback, got %q", rt.UserID)
	}
}

func TestCompleteRejectsUnfinishedSession(t *testing.T) {
	cfg := setupProject(t, map[string]string{"profile": profileUnit})
	rt, err := Bootstrap(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := rt.NewSession(config.ProfileExperiment)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.Complete(s); err == nil {
		t.Fatalf("expected error for unfinished session")
	}
}

func TestNewSourceUsesBaseURL(t *testing.T) {
	cfg := setupProject(t, nil)
	if _, ok := NewSource(cfg, nil).(loader.DirSource); !ok {
		t.Fatalf("expected disk source by default")
	}
	if err := cfg.OverrideScriptsBaseURL("https://lab.example.org"); err != nil {
		t.Fatal(err)
	}
	src, ok := NewSource(cfg, nil).(loader.HTTPSource)
	if !ok || src.BaseURL != "https://lab.example.org" || src.Client == nil {
		t.Fatalf("expected http source, got %#v", NewSource(cfg, nil))
	}
}
