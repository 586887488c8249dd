package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/fieldlab/internal/experiment"
)

const unitPathTemplate = "js/experiments/%s/index.js"

// ErrLoadFailed marks every failure to load a unit. The wrapped cause is kept
// for diagnostics only.
var ErrLoadFailed = errors.New("loader: load failed")

// UnitPath returns the fixed location of an experiment unit.
func UnitPath(name string) string {
	return fmt.Sprintf(unitPathTemplate, name)
}

// Logger records loader traces. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Loader fetches, evaluates and registers experiment units.
type Loader struct {
	registry *experiment.Registry
	source   Source
	head     *Head
	storage  Storage
	logger   Logger
}

// Option customizes loader construction.
type Option func(*Loader)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// WithHead shares a head between loaders; tests use it to inspect descriptors.
func WithHead(h *Head) Option {
	return func(ld *Loader) {
		if h != nil {
			ld.head = h
		}
	}
}

// WithStorage exposes participant values to units that declare CheckUserID.
func WithStorage(s Storage) Option {
	return func(ld *Loader) {
		if s != nil {
			ld.storage = s
		}
	}
}

// New prepares a loader that registers into reg and reads units from src.
func New(reg *experiment.Registry, src Source, opts ...Option) *Loader {
	ld := &Loader{
		registry: reg,
		source:   src,
		head:     NewHead(),
		storage:  emptyStorage{},
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// Head returns the descriptors appended by LoadScript.
func (ld *Loader) Head() *Head {
	return ld.head
}

// Registry returns the registry the loader populates.
func (ld *Loader) Registry() *experiment.Registry {
	return ld.registry
}

// LoadScript appends one descriptor for unitPath, then fetches and evaluates
// the unit. It returns either the evaluated unit or an error wrapping
// ErrLoadFailed, never both.
func (ld *Loader) LoadScript(ctx context.Context, unitPath string) (*Unit, error) {
	idx := ld.head.Append(unitPath)
	ld.head.transition(idx, StateLoading, nil)
	unit, err := ld.load(ctx, unitPath)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrLoadFailed, err)
		ld.head.transition(idx, StateFailed, err)
		return nil, err
	}
	ld.head.transition(idx, StateLoaded, nil)
	return unit, nil
}

func (ld *Loader) load(ctx context.Context, unitPath string) (*Unit, error) {
	if ld.source == nil {
		return nil, fmt.Errorf("no source configured")
	}
	code, err := ld.source.Fetch(ctx, unitPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	output := &unitOutput{logger: ld.logger, path: unitPath}
	defer output.flush()
	return evaluateUnit(ctx, unitPath, code, ld.storage, output)
}

// LoadExperiments loads each named unit in order, registers what it declares
// and returns the registry contents. Failures are logged and skipped; the
// caller learns about them only by comparing names against the result.
func (ld *Loader) LoadExperiments(ctx context.Context, names []string) map[string]experiment.Module {
	ld.logger.Printf("Loading experiments: %v", names)
	for _, name := range names {
		if err := ld.loadExperiment(ctx, name); err != nil {
			ld.logger.Printf("Failed to load experiment %s: %v", name, err)
			continue
		}
		ld.logger.Printf("Loaded experiment: %s", name)
	}
	return ld.registry.All()
}

func (ld *Loader) loadExperiment(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	unit, err := ld.LoadScript(ctx, UnitPath(name))
	if err != nil {
		return err
	}
	if err := ld.registry.Register(name, unit.Module()); err != nil {
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return fmt.Errorf("invalid experiment name %q", name)
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid experiment name %q", name)
	}
	return nil
}

// Missing returns the requested names absent from loaded, in request order.
func Missing(requested []string, loaded map[string]experiment.Module) []string {
	var missing []string
	for _, name := range requested {
		if _, ok := loaded[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// unitOutput forwards whatever a unit prints to the loader's logger, one line
// per Printf.
type unitOutput struct {
	logger Logger
	path   string
	buf    []byte
}

func (w *unitOutput) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := strings.IndexByte(string(w.buf), '\n')
		if idx < 0 {
			break
		}
		w.logger.Printf("%s: %s", w.path, string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

func (w *unitOutput) flush() {
	if len(w.buf) > 0 {
		w.logger.Printf("%s: %s", w.path, string(w.buf))
		w.buf = nil
	}
}
