// Package app wires configuration, participant storage, the experiment
// registry and the unit loader into one Runtime, and implements the startup
// sequence: load every configured experiment, then ask the profile experiment
// whether a participant id is already stored.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/fieldlab/internal/config"
	"github.com/kingrea/fieldlab/internal/experiment"
	"github.com/kingrea/fieldlab/internal/journal"
	"github.com/kingrea/fieldlab/internal/loader"
	"github.com/kingrea/fieldlab/internal/session"
	"github.com/kingrea/fieldlab/internal/storage"
)

// ParticipantIDStep is the profile step whose response becomes the user id.
const ParticipantIDStep = "participant_id"

// Logger is satisfied by logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Runtime is the state of one running fieldlab process.
type Runtime struct {
	Config   *config.Config
	Registry *experiment.Registry
	Loader   *loader.Loader
	Storage  *storage.Store
	Logger   Logger
	// Journal records session history; nil disables it.
	Journal *journal.Journal

	// Requested is the load order that was attempted.
	Requested []string
	// Failed lists requested experiments that did not end up registered.
	Failed []string
	// UserID is the stored participant id, or "" when the profile must run.
	UserID string
}

// Option customizes Bootstrap.
type Option func(*options)

type options struct {
	logger     Logger
	source     loader.Source
	httpClient *http.Client
}

// WithLogger routes registry and loader traces to l.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSource overrides the unit source derived from the config.
func WithSource(src loader.Source) Option {
	return func(o *options) {
		if src != nil {
			o.source = src
		}
	}
}

// WithHTTPClient sets the client used when units are fetched from a server.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// NewSource picks the unit source described by cfg.
func NewSource(cfg *config.Config, client *http.Client) loader.Source {
	if base := cfg.ScriptsBaseURL(); base != "" {
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
		return loader.HTTPSource{BaseURL: base, Client: client}
	}
	return loader.DirSource{Root: cfg.ScriptsRoot()}
}

// Bootstrap loads every configured experiment and checks the stored identity.
// Experiments that fail to load are reported in Runtime.Failed; only storage
// errors abort startup.
func Bootstrap(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	o := options{logger: nopLogger{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.source == nil {
		o.source = NewSource(cfg, o.httpClient)
	}

	store, err := storage.Open(cfg.StoragePath())
	if err != nil {
		return nil, fmt.Errorf("app: open storage: %w", err)
	}
	book, err := journal.New(JournalPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("app: open journal: %w", err)
	}
	reg := experiment.NewRegistry(experiment.WithLogger(o.logger))
	ld := loader.New(reg, o.source, loader.WithLogger(o.logger), loader.WithStorage(store))

	rt := &Runtime{
		Config:    cfg,
		Registry:  reg,
		Loader:    ld,
		Storage:   store,
		Logger:    o.logger,
		Journal:   book,
		Requested: cfg.Experiments(),
	}
	loaded := ld.LoadExperiments(ctx, rt.Requested)
	rt.Failed = loader.Missing(rt.Requested, loaded)
	if len(rt.Failed) > 0 {
		o.logger.Printf("Unavailable experiments: %s", strings.Join(rt.Failed, ", "))
		rt.journalFailures()
	}
	rt.UserID = rt.checkUserID(ctx)
	return rt, nil
}

// JournalPath is where the session history of a project is kept.
func JournalPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir(), "sessions.log")
}

func (rt *Runtime) journalFailures() {
	causes := map[string]error{}
	for _, script := range rt.Loader.Head().Scripts() {
		if script.State == loader.StateFailed {
			causes[script.Src] = script.Err
		}
	}
	for _, name := range rt.Failed {
		rt.Journal.Unavailable(name, causes[loader.UnitPath(name)])
	}
}

// checkUserID asks the profile experiment for the stored id, falling back to
// the storage key when the profile has no identity check.
func (rt *Runtime) checkUserID(ctx context.Context) string {
	mod, ok := rt.Registry.Get(config.ProfileExperiment)
	if ok {
		if checker, ok := experiment.Identity(mod); ok {
			id, err := checker.CheckUserID(ctx)
			if err != nil {
				rt.Logger.Printf("Failed to check user id: %v", err)
				return ""
			}
			return id
		}
	}
	id, _ := rt.Storage.Get(storage.KeyUserID)
	return strings.TrimSpace(id)
}

// NeedsProfile reports whether the profile experiment must run before others.
func (rt *Runtime) NeedsProfile() bool {
	if rt.UserID != "" {
		return false
	}
	_, ok := rt.Registry.Get(config.ProfileExperiment)
	return ok
}

// Experiments lists the loaded experiments other than profile, in request order.
func (rt *Runtime) Experiments() []string {
	var names []string
	seen := map[string]bool{}
	for _, name := range rt.Requested {
		if name == config.ProfileExperiment || seen[name] {
			continue
		}
		if _, ok := rt.Registry.Get(name); ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	return names
}

// Engine returns the handle passed to an experiment's Run.
func (rt *Runtime) Engine(name string) experiment.Engine {
	return experiment.Engine{
		Experiment: name,
		UserID:     rt.UserID,
		SessionID:  uuid.NewString(),
		Storage:    rt.Storage.Snapshot(),
	}
}

// NewSession builds the timeline for the named experiment.
func (rt *Runtime) NewSession(name string, opts ...session.Option) (*session.Session, error) {
	mod, ok := rt.Registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("app: experiment %s is not loaded", name)
	}
	s, err := session.New(name, mod, rt.Engine(name), opts...)
	if err != nil {
		return nil, err
	}
	_, total := s.Progress()
	rt.Journal.Started(journalEntry(s), total)
	return s, nil
}

// Abandon records a session the participant left early. Its data is not saved.
func (rt *Runtime) Abandon(s *session.Session) {
	if s == nil {
		return
	}
	_, total := s.Progress()
	rt.Logger.Printf("Abandoned %s session %s", s.Experiment, s.ID)
	rt.Journal.Abandoned(journalEntry(s), len(s.Trials()), total)
}

func journalEntry(s *session.Session) journal.Session {
	return journal.Session{Experiment: s.Experiment, ID: s.ID, UserID: s.Engine.UserID}
}

// Complete saves a finished session's data. Completing the profile stores the
// participant id, generating one when the participant left it blank.
func (rt *Runtime) Complete(s *session.Session) (string, error) {
	if s == nil || !s.Done() {
		return "", fmt.Errorf("app: session is not finished")
	}
	if s.Experiment == config.ProfileExperiment {
		id, _ := s.Response(ParticipantIDStep)
		id = strings.TrimSpace(id)
		if id == "" {
			id = uuid.NewString()
		}
		if err := rt.Storage.Set(storage.KeyUserID, id); err != nil {
			return "", fmt.Errorf("app: store user id: %w", err)
		}
		rt.UserID = id
		s.Engine.UserID = id
		rt.Logger.Printf("Stored participant id %s", id)
	}
	path, err := s.Save(rt.Config.DataDir())
	if err != nil {
		return "", err
	}
	rt.Logger.Printf("Saved %s data to %s", s.Experiment, path)
	rt.Journal.Completed(journalEntry(s), path)
	return path, nil
}
