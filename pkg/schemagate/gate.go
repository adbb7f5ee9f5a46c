// Package schemagate validates ticket payloads against named schemas at
// the orchestrator's write boundaries. Modes: off (no-op), warn (allow,
// audit, count), strict (reject: HTTP 400 at ingress, skip-child at
// internal derivation). Strict internal checks never panic and never
// mutate the payload under validation.
package schemagate

import (
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/replyops/ticketd/pkg/config"
	"github.com/replyops/ticketd/pkg/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Boundary names a validation point.
type Boundary string

// Validation boundaries.
const (
	TicketCreate   Boundary = "TICKET_CREATE"
	TicketComplete Boundary = "TICKET_COMPLETE"
	TicketDerive   Boundary = "TICKET_DERIVE"
)

// Direction distinguishes external ingress from internal derivation.
type Direction string

// Directions.
const (
	Ingress  Direction = "ingress"
	Internal Direction = "internal"
)

// ErrorClass classifies a single validation error.
type ErrorClass string

// Error classes.
const (
	ClassMissing       ErrorClass = "missing"
	ClassTypeMismatch  ErrorClass = "type_mismatch"
	ClassUnknownField  ErrorClass = "unknown_field"
	ClassSchemaInvalid ErrorClass = "schema_invalid"
)

// Issue is one classified validation error.
type Issue struct {
	Class   ErrorClass `json:"class"`
	Path    string     `json:"path"`
	Message string     `json:"message"`
}

// Result is the outcome of a gate check. OK=false carries the stable
// SCHEMA_VALIDATION_FAILED code; callers decide rejection semantics.
type Result struct {
	OK        bool     `json:"ok"`
	Code      string   `json:"code,omitempty"`
	WarnCount int      `json:"warn_count"`
	WarnCodes []string `json:"warn_codes,omitempty"`
	Errors    []Issue  `json:"errors,omitempty"`
}

// CounterRow is one row of the gate's metrics snapshot.
type CounterRow struct {
	Boundary  Boundary   `json:"boundary"`
	Direction Direction  `json:"direction"`
	Class     ErrorClass `json:"class"`
	Count     int64      `json:"count"`
}

type counterKey struct {
	boundary  Boundary
	direction Direction
	class     ErrorClass
}

// Gate validates payloads at named boundaries.
type Gate struct {
	mode    config.SchemaGateMode
	enabled bool
	schemas map[Boundary]*jsonschema.Schema

	mu       sync.Mutex
	counters map[counterKey]int64
}

// New compiles the embedded schemas and returns a gate in the given
// mode. The enabled flag is the ENABLE_TICKET_SCHEMA_VALIDATION master
// switch; when false the gate behaves as off regardless of mode.
func New(mode config.SchemaGateMode, enabled bool) (*Gate, error) {
	compiler := jsonschema.NewCompiler()
	files := map[Boundary]string{
		TicketCreate:   "ticket_create.json",
		TicketComplete: "ticket_complete.json",
		TicketDerive:   "ticket_derive.json",
	}

	schemas := make(map[Boundary]*jsonschema.Schema, len(files))
	for boundary, name := range files {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, strings.NewReader(string(data))); err != nil {
			return nil, fmt.Errorf("adding schema %s: %w", name, err)
		}
		sch, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compiling schema %s: %w", name, err)
		}
		schemas[boundary] = sch
	}

	return &Gate{
		mode:     mode,
		enabled:  enabled,
		schemas:  schemas,
		counters: make(map[counterKey]int64),
	}, nil
}

// Mode returns the effective gate mode.
func (g *Gate) Mode() config.SchemaGateMode {
	if !g.enabled {
		return config.SchemaGateOff
	}
	return g.mode
}

// Check validates payload at the boundary. The payload is never mutated.
func (g *Gate) Check(boundary Boundary, direction Direction, payload map[string]any) Result {
	mode := g.Mode()
	if mode == config.SchemaGateOff {
		return Result{OK: true}
	}

	sch, ok := g.schemas[boundary]
	if !ok {
		// Unknown boundary counts as a schema defect, not a payload one.
		g.count(boundary, direction, ClassSchemaInvalid)
		return Result{OK: mode != config.SchemaGateStrict, Code: models.CodeSchemaValidationFailed,
			WarnCount: 1, WarnCodes: []string{string(ClassSchemaInvalid)},
			Errors: []Issue{{Class: ClassSchemaInvalid, Message: fmt.Sprintf("no schema for boundary %s", boundary)}}}
	}

	err := sch.Validate(any(payload))
	if err == nil {
		return Result{OK: true}
	}

	issues := classify(err)
	codes := warnCodes(issues)
	for _, issue := range issues {
		g.count(boundary, direction, issue.Class)
	}

	g.audit(boundary, direction, mode, issues, codes)

	if mode == config.SchemaGateWarn {
		return Result{OK: true, WarnCount: len(issues), WarnCodes: codes, Errors: issues}
	}
	return Result{
		OK:        false,
		Code:      models.CodeSchemaValidationFailed,
		WarnCount: len(issues),
		WarnCodes: codes,
		Errors:    issues,
	}
}

// Snapshot returns the per-dimension counters, stable-ordered.
func (g *Gate) Snapshot() []CounterRow {
	g.mu.Lock()
	defer g.mu.Unlock()

	rows := make([]CounterRow, 0, len(g.counters))
	for k, v := range g.counters {
		rows = append(rows, CounterRow{Boundary: k.boundary, Direction: k.direction, Class: k.class, Count: v})
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Boundary != b.Boundary {
			return a.Boundary < b.Boundary
		}
		if a.Direction != b.Direction {
			return a.Direction < b.Direction
		}
		return a.Class < b.Class
	})
	return rows
}

func (g *Gate) count(boundary Boundary, direction Direction, class ErrorClass) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[counterKey{boundary: boundary, direction: direction, class: class}]++
}

func (g *Gate) audit(boundary Boundary, direction Direction, mode config.SchemaGateMode, issues []Issue, codes []string) {
	attrs := []any{
		"boundary", string(boundary),
		"direction", string(direction),
		"mode", string(mode),
		"warn_count", len(issues),
		"warn_codes", codes,
	}
	for _, issue := range issues {
		attrs = append(attrs, "error", fmt.Sprintf("%s %s: %s", issue.Class, issue.Path, issue.Message))
	}
	if mode == config.SchemaGateStrict {
		slog.Warn("Schema gate rejected payload", attrs...)
		return
	}
	slog.Warn("Schema gate warning", attrs...)
}

// classify flattens a jsonschema validation error into classified leaf
// issues. Keyword locations drive the class: required → missing, type →
// type_mismatch, additionalProperties → unknown_field, anything else →
// schema_invalid.
func classify(err error) []Issue {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []Issue{{Class: ClassSchemaInvalid, Message: err.Error()}}
	}

	var issues []Issue
	var walk func(v *jsonschema.ValidationError)
	walk = func(v *jsonschema.ValidationError) {
		if len(v.Causes) == 0 {
			issues = append(issues, Issue{
				Class:   classForKeyword(v.KeywordLocation),
				Path:    v.InstanceLocation,
				Message: v.Message,
			})
			return
		}
		for _, cause := range v.Causes {
			walk(cause)
		}
	}
	walk(verr)

	if len(issues) == 0 {
		issues = append(issues, Issue{Class: ClassSchemaInvalid, Message: verr.Message})
	}
	return issues
}

func classForKeyword(keywordLocation string) ErrorClass {
	switch {
	case strings.HasSuffix(keywordLocation, "/required"):
		return ClassMissing
	case strings.HasSuffix(keywordLocation, "/type"),
		strings.HasSuffix(keywordLocation, "/enum"),
		strings.HasSuffix(keywordLocation, "/const"),
		strings.HasSuffix(keywordLocation, "/minLength"),
		strings.HasSuffix(keywordLocation, "/minItems"):
		return ClassTypeMismatch
	case strings.HasSuffix(keywordLocation, "/additionalProperties"):
		return ClassUnknownField
	default:
		return ClassSchemaInvalid
	}
}

// warnCodes returns the distinct issue classes, sorted.
func warnCodes(issues []Issue) []string {
	set := make(map[string]bool, len(issues))
	for _, issue := range issues {
		set[string(issue.Class)] = true
	}
	codes := make([]string, 0, len(set))
	for c := range set {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}
