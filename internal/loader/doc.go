// Package loader discovers experiment units by name and registers them.
//
// Every experiment lives at the fixed path js/experiments/<name>/index.js,
// relative to a Source (a directory on disk or an HTTP origin). A unit is Go
// source evaluated by the yaegi interpreter in its own interpreter instance.
// Loading is two-phase: LoadScript fetches and evaluates the unit and extracts
// its capabilities, then LoadExperiments registers the resulting module under
// the requested name. Units never touch the registry themselves.
//
// A unit must declare Run and may declare CheckUserID:
//
//	func Run(engine map[string]any) ([]map[string]any, error)
//	func CheckUserID(storage map[string]string) (string, error)
//
// The error results are optional, as are the parameters. Each map returned by
// Run becomes one experiment.Step.
//
// LoadExperiments processes names strictly in order, one load at a time, and
// never fails: a unit that cannot be fetched or evaluated is logged and
// skipped, and is simply absent from the returned map.
package loader
