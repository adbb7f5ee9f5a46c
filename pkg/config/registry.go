package config

import (
	"fmt"
	"os"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ToolConfig describes one tool on a server: the closed set of argument
// keys it accepts, and whether invoking it mutates server state.
type ToolConfig struct {
	Args  []string `yaml:"args"`
	Write bool     `yaml:"write,omitempty"`
}

// ServerConfig describes one tool server.
type ServerConfig struct {
	// SideEffect is the SSOT side-effect class for the server
	// (read/write). It is never overridden per call.
	SideEffect string `yaml:"side_effect"`
	// RequiredDeps are the readiness keys that must be ready before any
	// tool on this server may run.
	RequiredDeps []string              `yaml:"required_deps"`
	Tools        map[string]ToolConfig `yaml:"tools"`
}

// ToolRegistry is the per-tool allowlist, dependency map, and side-effect
// table. Loaded from tools.yaml merged over built-in defaults.
type ToolRegistry struct {
	Servers map[string]ServerConfig `yaml:"servers"`
}

// BudgetKeys is the closed set of keys a tool-step budget may carry.
var BudgetKeys = map[string]bool{
	"max_steps":   true,
	"max_wall_ms": true,
}

// DefaultToolRegistry returns the built-in registry. tools.yaml entries
// are merged over these.
func DefaultToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		Servers: map[string]ServerConfig{
			"memory": {
				SideEffect:   "write",
				RequiredDeps: []string{"memory"},
				Tools: map[string]ToolConfig{
					"search_nodes":    {Args: []string{"query"}},
					"open_node":       {Args: []string{"name"}},
					"add_observation": {Args: []string{"entity", "observation"}, Write: true},
				},
			},
			"web_search": {
				SideEffect:   "read",
				RequiredDeps: []string{"web_search"},
				Tools: map[string]ToolConfig{
					"search": {Args: []string{"query", "max_results"}},
				},
			},
			"filesystem": {
				// Classified write even for read-only calls; conservative
				// by direction of the original operators.
				SideEffect:   "write",
				RequiredDeps: []string{"filesystem"},
				Tools: map[string]ToolConfig{
					"read_file":  {Args: []string{"path"}},
					"write_file": {Args: []string{"path", "content"}, Write: true},
				},
			},
			"notebooklm": {
				SideEffect:   "read",
				RequiredDeps: []string{"notebooklm"},
				Tools: map[string]ToolConfig{
					"query": {Args: []string{"notebook_id", "query"}},
				},
			},
		},
	}
}

// LoadToolRegistry reads tools.yaml from path (if present) and merges it
// over the built-in defaults. A missing file yields the defaults.
func LoadToolRegistry(path string) (*ToolRegistry, error) {
	reg := DefaultToolRegistry()
	if path == "" {
		return reg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("reading tool registry %s: %w", path, err)
	}
	var overlay ToolRegistry
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parsing tool registry %s: %w", path, err)
	}
	if err := mergo.Merge(reg, &overlay, mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merging tool registry: %w", err)
	}
	return reg, nil
}

// HasTool reports whether server/tool is in the allowlist.
func (r *ToolRegistry) HasTool(server, tool string) bool {
	srv, ok := r.Servers[server]
	if !ok {
		return false
	}
	_, ok = srv.Tools[tool]
	return ok
}

// ArgsAllowlist returns the closed arg-key set for server/tool, or false
// when the tool is unknown.
func (r *ToolRegistry) ArgsAllowlist(server, tool string) (map[string]bool, bool) {
	srv, ok := r.Servers[server]
	if !ok {
		return nil, false
	}
	tc, ok := srv.Tools[tool]
	if !ok {
		return nil, false
	}
	allowed := make(map[string]bool, len(tc.Args))
	for _, a := range tc.Args {
		allowed[a] = true
	}
	return allowed, true
}

// IsWriteTool reports whether server/tool mutates server state.
func (r *ToolRegistry) IsWriteTool(server, tool string) bool {
	if srv, ok := r.Servers[server]; ok {
		if tc, ok := srv.Tools[tool]; ok {
			return tc.Write
		}
	}
	return false
}

// SideEffect returns the SSOT side-effect class for a server. Unknown
// servers classify as "unknown".
func (r *ToolRegistry) SideEffect(server string) string {
	if srv, ok := r.Servers[server]; ok && srv.SideEffect != "" {
		return srv.SideEffect
	}
	return "unknown"
}

// DepsForTool resolves the readiness keys required by a server's tools.
// Unknown servers fall back to the conservative union of ALL required
// deps across the registry, never an empty set.
func (r *ToolRegistry) DepsForTool(server string) []string {
	if srv, ok := r.Servers[server]; ok && len(srv.RequiredDeps) > 0 {
		return append([]string(nil), srv.RequiredDeps...)
	}
	return r.AllRequiredDeps()
}

// AllRequiredDeps returns the sorted union of required deps across all
// configured servers.
func (r *ToolRegistry) AllRequiredDeps() []string {
	set := make(map[string]bool)
	for _, srv := range r.Servers {
		for _, d := range srv.RequiredDeps {
			set[d] = true
		}
	}
	deps := make([]string, 0, len(set))
	for d := range set {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}
