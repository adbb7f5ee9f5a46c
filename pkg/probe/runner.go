package probe

import (
	"context"
	"log/slog"
	"time"

	"github.com/replyops/ticketd/pkg/models"
)

// gracefulCodes pass a probe even though the provider could not serve
// it: the system is degraded but operable.
var gracefulCodes = map[string]bool{
	models.CodeProviderUnavailableNoMCP: true,
	models.CodeProviderNotImplemented:   true,
}

// Result is the outcome of one probe.
type Result struct {
	Name                 string           `json:"name"`
	Pass                 bool             `json:"pass"`
	Graceful             bool             `json:"graceful,omitempty"`
	Forced               bool             `json:"forced,omitempty"`
	Code                 string           `json:"code,omitempty"`
	Detail               string           `json:"detail,omitempty"`
	Evidence             []map[string]any `json:"evidence"`
	EvidenceTruncated    bool             `json:"evidence_truncated,omitempty"`
	EvidenceDroppedCount int              `json:"evidence_dropped_count,omitempty"`
}

// Report is the full probe run.
type Report struct {
	AsOf     string   `json:"as_of"`
	ExitCode int      `json:"exit_code"`
	Results  []Result `json:"results"`
}

// Runner executes the fixed probe set.
type Runner struct {
	provider    Provider
	forceFail   string
	maxEvidence int
}

// NewRunner creates a probe runner. forceFail names a probe to fail
// deterministically (PROBE_FORCE_FAIL); maxEvidence bounds the evidence
// kept per result.
func NewRunner(provider Provider, forceFail string, maxEvidence int) *Runner {
	if maxEvidence <= 0 {
		maxEvidence = 20
	}
	return &Runner{provider: provider, forceFail: forceFail, maxEvidence: maxEvidence}
}

// Run executes the probes in their fixed order. ExitCode is 1 when any
// probe fails, including forced failures.
func (r *Runner) Run(ctx context.Context) Report {
	report := Report{
		AsOf:    time.Now().UTC().Format(time.RFC3339Nano),
		Results: make([]Result, 0, len(Order)),
	}

	for _, name := range Order {
		var result Result
		if r.forceFail == name {
			result = Result{
				Name:   name,
				Pass:   false,
				Forced: true,
				Code:   models.CodeProbeForcedFail,
				Detail: "forced by PROBE_FORCE_FAIL",
			}
		} else {
			result = r.interpret(name, r.provider.Probe(ctx, name))
		}

		result.Evidence, result.EvidenceTruncated, result.EvidenceDroppedCount =
			truncateEvidence(result.Evidence, r.maxEvidence)

		if !result.Pass {
			report.ExitCode = 1
		}
		report.Results = append(report.Results, result)

		slog.Info("Startup probe finished", "probe", name, "pass", result.Pass,
			"graceful", result.Graceful, "forced", result.Forced, "code", result.Code)
	}
	return report
}

// interpret applies the pass rules. Graceful codes pass everywhere; the
// security probe is inverted: access must be denied.
func (r *Runner) interpret(name string, resp Response) Result {
	result := Result{
		Name:     name,
		Code:     resp.Code,
		Detail:   resp.Detail,
		Evidence: resp.Evidence,
	}

	if !resp.OK && gracefulCodes[resp.Code] {
		result.Pass = true
		result.Graceful = true
		return result
	}

	if name == ProbeSecurity {
		// A provider that served the forbidden call is the failure.
		result.Pass = !resp.OK
		if resp.OK {
			result.Code = models.CodeProbeForbidden
			result.Detail = "security probe was served; access must be denied"
		}
		return result
	}

	result.Pass = resp.OK
	return result
}

// truncateEvidence keeps the first max items and marks the drop.
func truncateEvidence(items []map[string]any, max int) ([]map[string]any, bool, int) {
	if items == nil {
		return []map[string]any{}, false, 0
	}
	if len(items) <= max {
		return items, false, 0
	}
	return items[:max], true, len(items) - max
}
