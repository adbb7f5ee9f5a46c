// Package readiness tracks per-dependency availability and gates work
// that the process cannot honor while a required dependency is down.
package readiness

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/replyops/ticketd/pkg/models"
)

// Code is the closed DEP_* taxonomy for dependency state.
type Code string

// Dependency codes.
const (
	CodeOK            Code = "OK"
	CodeUnavailable   Code = "DEP_UNAVAILABLE"
	CodeInitFailed    Code = "DEP_INIT_FAILED"
	CodeDisabled      Code = "DEP_DISABLED"
	CodeNotConfigured Code = "DEP_NOT_CONFIGURED"
)

// SnapshotPrefix is the stable prefix of the single-line readiness
// snapshot emitted before a strict-init exit.
const SnapshotPrefix = "readiness_snapshot"

// State is the tracked state of one dependency.
type State struct {
	Ready  bool   `json:"ready"`
	Code   Code   `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// DepState is one row of a readiness snapshot.
type DepState struct {
	Key string `json:"key"`
	State
}

// Snapshot is a point-in-time view of all tracked dependencies, rows
// sorted by key.
type Snapshot struct {
	AsOf     string     `json:"as_of"`
	Degraded bool       `json:"degraded"`
	Deps     []DepState `json:"deps"`
}

// RequiredUnavailableError reports required dependencies that are not
// ready. Its stable code is MCP_REQUIRED_UNAVAILABLE.
type RequiredUnavailableError struct {
	Missing []string
}

func (e *RequiredUnavailableError) Error() string {
	return fmt.Sprintf("%s: missing required deps: %s",
		models.CodeMCPRequiredUnavailable, strings.Join(e.Missing, ","))
}

// Registry tracks dependency readiness. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	deps map[string]State
	now  func() time.Time
}

// NewRegistry creates a registry tracking the given dependency keys, all
// initially unavailable.
func NewRegistry(keys ...string) *Registry {
	r := &Registry{
		deps: make(map[string]State, len(keys)),
		now:  time.Now,
	}
	for _, k := range keys {
		r.deps[k] = State{Ready: false, Code: CodeUnavailable}
	}
	return r
}

// Set records the state of one dependency, registering it if unknown.
func (r *Registry) Set(key string, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deps[key] = st
}

// MarkReady marks a dependency as available.
func (r *Registry) MarkReady(key string) {
	r.Set(key, State{Ready: true, Code: CodeOK})
}

// MarkUnavailable marks a dependency as down with a detail message.
func (r *Registry) MarkUnavailable(key string, code Code, detail string) {
	if code == CodeOK {
		code = CodeUnavailable
	}
	r.Set(key, State{Ready: false, Code: code, Detail: detail})
}

// Get returns the state of a dependency. Unknown keys read as not ready
// with DEP_NOT_CONFIGURED.
func (r *Registry) Get(key string) State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.deps[key]; ok {
		return st
	}
	return State{Ready: false, Code: CodeNotConfigured}
}

// RequireDeps verifies every key in depKeys is ready. depKeys is always a
// parameter, never hard-coded per call site. On failure it returns a
// RequiredUnavailableError listing the missing keys, sorted.
func (r *Registry) RequireDeps(depKeys []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, key := range depKeys {
		st, ok := r.deps[key]
		if !ok || !st.Ready {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return &RequiredUnavailableError{Missing: missing}
}

// Snapshot builds a sorted point-in-time view.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		AsOf: r.now().UTC().Format(time.RFC3339),
		Deps: make([]DepState, 0, len(r.deps)),
	}
	for key, st := range r.deps {
		snap.Deps = append(snap.Deps, DepState{Key: key, State: st})
		if !st.Ready {
			snap.Degraded = true
		}
	}
	sort.Slice(snap.Deps, func(i, j int) bool { return snap.Deps[i].Key < snap.Deps[j].Key })
	return snap
}

// SnapshotLine renders the snapshot as a single stable-prefix line, used
// right before a strict-init exit.
func (r *Registry) SnapshotLine() string {
	snap := r.Snapshot()
	parts := make([]string, 0, len(snap.Deps))
	for _, d := range snap.Deps {
		parts = append(parts, fmt.Sprintf("%s=%s/%v", d.Key, d.Code, d.Ready))
	}
	return fmt.Sprintf("%s degraded=%v %s", SnapshotPrefix, snap.Degraded, strings.Join(parts, " "))
}

// StrictInitCheck verifies all required deps are ready at startup. When
// strict mode is enabled and a dep is missing, the caller must exit(1)
// after the snapshot line has been emitted.
func (r *Registry) StrictInitCheck(required []string) error {
	if err := r.RequireDeps(required); err != nil {
		slog.Error(r.SnapshotLine())
		return err
	}
	return nil
}
