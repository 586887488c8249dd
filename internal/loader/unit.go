package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/fieldlab/internal/experiment"
)

const (
	runFuncName         = "Run"
	checkUserIDFuncName = "CheckUserID"
)

var (
	engineVarsType = reflect.TypeOf(map[string]any{})
	storageType    = reflect.TypeOf(map[string]string{})
)

// Storage exposes participant values to CheckUserID.
type Storage interface {
	Snapshot() map[string]string
}

type emptyStorage struct{}

func (emptyStorage) Snapshot() map[string]string { return map[string]string{} }

// Unit is an evaluated experiment unit.
type Unit struct {
	Path   string
	module experiment.Module
}

// Module returns the capability descriptor the unit declared.
func (u *Unit) Module() experiment.Module {
	return u.module
}

// HasIdentityCheck reports whether the unit declared CheckUserID.
func (u *Unit) HasIdentityCheck() bool {
	_, ok := experiment.Identity(u.module)
	return ok
}

// evaluateUnit interprets code in a fresh interpreter and extracts Run and the
// optional CheckUserID.
func evaluateUnit(ctx context.Context, unitPath string, code []byte, storage Storage, output io.Writer) (*Unit, error) {
	if len(bytes.TrimSpace(code)) == 0 {
		return nil, fmt.Errorf("%s is empty", unitPath)
	}
	i := interp.New(interp.Options{Stdout: output, Stderr: output})
	i.Use(stdlib.Symbols)
	if _, err := i.EvalWithContext(ctx, string(code)); err != nil {
		return nil, fmt.Errorf("interpret %s: %w", unitPath, err)
	}
	runValue, err := i.Eval(runFuncName)
	if err != nil {
		return nil, fmt.Errorf("%s must define %s(engine map[string]any) ([]map[string]any, error): %w", unitPath, runFuncName, err)
	}
	if err := checkRunSignature(runValue); err != nil {
		return nil, fmt.Errorf("%s: %w", unitPath, err)
	}
	base := &scriptModule{path: unitPath, run: runValue}

	checkValue, err := i.Eval(checkUserIDFuncName)
	if err != nil || !checkValue.IsValid() {
		return &Unit{Path: unitPath, module: base}, nil
	}
	if err := checkUserIDSignature(checkValue); err != nil {
		return nil, fmt.Errorf("%s: %w", unitPath, err)
	}
	if storage == nil {
		storage = emptyStorage{}
	}
	return &Unit{
		Path:   unitPath,
		module: &identityScriptModule{scriptModule: base, check: checkValue, storage: storage},
	}, nil
}

func checkRunSignature(fn reflect.Value) error {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return fmt.Errorf("%s is not a function", runFuncName)
	}
	t := fn.Type()
	switch t.NumIn() {
	case 0:
	case 1:
		if !engineVarsType.AssignableTo(t.In(0)) {
			return fmt.Errorf("%s must accept map[string]any, got %s", runFuncName, t.In(0))
		}
	default:
		return fmt.Errorf("%s must take at most one argument", runFuncName)
	}
	if t.NumOut() == 0 || t.NumOut() > 2 {
		return fmt.Errorf("%s must return ([]map[string]any[, error])", runFuncName)
	}
	if t.Out(0).Kind() != reflect.Slice {
		return fmt.Errorf("%s must return a slice of steps, got %s", runFuncName, t.Out(0))
	}
	return nil
}

func checkUserIDSignature(fn reflect.Value) error {
	if fn.Kind() != reflect.Func {
		return fmt.Errorf("%s is not a function", checkUserIDFuncName)
	}
	t := fn.Type()
	switch t.NumIn() {
	case 0:
	case 1:
		if !storageType.AssignableTo(t.In(0)) {
			return fmt.Errorf("%s must accept map[string]string, got %s", checkUserIDFuncName, t.In(0))
		}
	default:
		return fmt.Errorf("%s must take at most one argument", checkUserIDFuncName)
	}
	if t.NumOut() == 0 || t.NumOut() > 2 {
		return fmt.Errorf("%s must return (string[, error])", checkUserIDFuncName)
	}
	if t.Out(0).Kind() != reflect.String {
		return fmt.Errorf("%s must return a string, got %s", checkUserIDFuncName, t.Out(0))
	}
	return nil
}

// scriptModule adapts an interpreted Run to experiment.Module. Calls are
// serialized because an interpreter is not safe for concurrent use.
type scriptModule struct {
	path string
	mu   sync.Mutex
	run  reflect.Value
}

func (m *scriptModule) Run(engine experiment.Engine) ([]experiment.Step, error) {
	var args []reflect.Value
	if m.run.Type().NumIn() == 1 {
		args = []reflect.Value{reflect.ValueOf(engine.Vars())}
	}
	m.mu.Lock()
	results, err := safeCall(m.run, args)
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", m.path, runFuncName, err)
	}
	if err := trailingError(results); err != nil {
		return nil, fmt.Errorf("%s: %s: %w", m.path, runFuncName, err)
	}
	raw, err := stepMaps(results[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.path, err)
	}
	steps := make([]experiment.Step, 0, len(raw))
	for idx, entry := range raw {
		step, err := decodeStep(entry)
		if err != nil {
			return nil, fmt.Errorf("%s: step[%d]: %w", m.path, idx, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

type identityScriptModule struct {
	*scriptModule
	check   reflect.Value
	storage Storage
}

func (m *identityScriptModule) CheckUserID(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var args []reflect.Value
	if m.check.Type().NumIn() == 1 {
		args = []reflect.Value{reflect.ValueOf(m.storage.Snapshot())}
	}
	m.mu.Lock()
	results, err := safeCall(m.check, args)
	m.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%s: %s: %w", m.path, checkUserIDFuncName, err)
	}
	if err := trailingError(results); err != nil {
		return "", fmt.Errorf("%s: %s: %w", m.path, checkUserIDFuncName, err)
	}
	return strings.TrimSpace(results[0].String()), nil
}

func safeCall(fn reflect.Value, args []reflect.Value) (results []reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn.Call(args), nil
}

func trailingError(results []reflect.Value) error {
	if len(results) != 2 {
		return nil
	}
	last := results[1]
	if !last.IsValid() || isNil(last) {
		return nil
	}
	if e, ok := last.Interface().(error); ok && e != nil {
		return e
	}
	return fmt.Errorf("returned non-error second value")
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

func stepMaps(value reflect.Value) ([]map[string]any, error) {
	if steps, ok := value.Interface().([]map[string]any); ok {
		return steps, nil
	}
	if value.Kind() != reflect.Slice {
		return nil, fmt.Errorf("%s must return []map[string]any", runFuncName)
	}
	out := make([]map[string]any, value.Len())
	for i := 0; i < value.Len(); i++ {
		entry, ok := value.Index(i).Interface().(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s result[%d] is not map[string]any", runFuncName, i)
		}
		out[i] = entry
	}
	return out, nil
}

// decodeStep normalizes an untyped step map through YAML so nested values
// land in experiment.Step the same way a YAML timeline would.
func decodeStep(raw map[string]any) (experiment.Step, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return experiment.Step{}, err
	}
	var step experiment.Step
	if err := yaml.Unmarshal(payload, &step); err != nil {
		return experiment.Step{}, err
	}
	if err := step.Validate(); err != nil {
		return experiment.Step{}, err
	}
	return step, nil
}
