package cutover

import "time"

// Strict-gate refusal reasons. Low-cardinality and deterministic: the
// reason list for a given metrics state is always the same.
const (
	ReasonCanonicalMissingNonzero = "canonical_missing_nonzero"
	ReasonCutoverViolationNonzero = "cutover_violation_nonzero"
	ReasonLegacyReadPostCutover   = "legacy_read_post_cutover_nonzero"
)

// StrictDecision is the outcome of the strict-enable gate.
type StrictDecision struct {
	OK      bool     `json:"ok"`
	Mode    Mode     `json:"mode"`
	Reasons []string `json:"reasons"`
}

// CanEnableStrict decides whether strict cutover mode is safe to enable:
// no canonical fields missing, no cutover violations, and, once past the
// cutoff, no legacy reads observed.
func CanEnableStrict(p *Policy, m *Metrics, now time.Time) StrictDecision {
	d := StrictDecision{Mode: p.Mode(now), Reasons: []string{}}

	if m.Total(CanonicalMissing) != 0 {
		d.Reasons = append(d.Reasons, ReasonCanonicalMissingNonzero)
	}
	if m.Total(CutoverViolation) != 0 {
		d.Reasons = append(d.Reasons, ReasonCutoverViolationNonzero)
	}
	if d.Mode == PostCutover && m.Total(LegacyRead) != 0 {
		d.Reasons = append(d.Reasons, ReasonLegacyReadPostCutover)
	}

	d.OK = len(d.Reasons) == 0
	return d
}
