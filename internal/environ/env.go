// Package environ provides the environment handed to delegated commands.
//
// Tasks never mutate the process environment. They build an Env value,
// apply the overrides they need and pass the resulting KEY=VALUE slice to
// the executor. Override exists for the few callers that genuinely need a
// process-wide scope; it always restores the captured state on exit.
package environ

import (
	"os"
	"sort"
	"strings"

	"moosedev/internal/logging"
)

// Env is an explicit environment variable set.
// The zero value is an empty, usable set.
type Env struct {
	vars map[string]string
}

// New returns an Env holding a copy of vars.
func New(vars map[string]string) Env {
	e := Env{vars: make(map[string]string, len(vars))}
	for k, v := range vars {
		e.vars[k] = v
	}
	return e
}

// Empty returns an Env with no variables.
func Empty() Env {
	return Env{vars: make(map[string]string)}
}

// FromProcess snapshots the current process environment.
func FromProcess() Env {
	return FromSlice(os.Environ())
}

// FromSlice builds an Env from KEY=VALUE entries.
// Entries without '=' are ignored; later entries win.
func FromSlice(entries []string) Env {
	e := Empty()
	for _, entry := range entries {
		key, val, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		e.vars[key] = val
	}
	return e
}

// Resolve builds the environment for a task. With replace set the result
// starts empty, otherwise it starts from the process environment.
func Resolve(overrides map[string]string, replace bool) Env {
	base := FromProcess()
	if replace {
		base = Empty()
	}
	logging.EnvironDebug("Resolving environment: replace=%v, overrides=%d", replace, len(overrides))
	return base.With(overrides)
}

// With returns a copy of e with overrides applied.
func (e Env) With(overrides map[string]string) Env {
	out := New(e.vars)
	for k, v := range overrides {
		out.vars[k] = v
	}
	return out
}

// Set assigns key in place.
func (e *Env) Set(key, value string) {
	if e.vars == nil {
		e.vars = make(map[string]string)
	}
	e.vars[key] = value
}

// Get returns the value for key, or "" when unset.
func (e Env) Get(key string) string {
	return e.vars[key]
}

// Lookup returns the value for key and whether it is set.
func (e Env) Lookup(key string) (string, bool) {
	v, ok := e.vars[key]
	return v, ok
}

// Len returns the number of variables.
func (e Env) Len() int {
	return len(e.vars)
}

// Keys returns the variable names in sorted order.
func (e Env) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the underlying mapping.
func (e Env) Map() map[string]string {
	return New(e.vars).vars
}

// Slice returns the sorted KEY=VALUE form used by os/exec.
func (e Env) Slice() []string {
	keys := e.Keys()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+e.vars[k])
	}
	return out
}
