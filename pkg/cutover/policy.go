// Package cutover is the single interpreter of the legacy→canonical
// data-layout migration: the time-boxed mode policy, the low-cardinality
// compatibility counters, and the strict-gate decision built on them.
package cutover

import "time"

// Mode is the compatibility mode at a point in time.
type Mode string

// Cutover modes.
const (
	PreCutover  Mode = "pre_cutover"
	PostCutover Mode = "post_cutover"
)

// Policy decides the cutover mode and whether legacy reads are allowed.
// Every consumer routes through it; no other code interprets the cutoff.
type Policy struct {
	// untilMS is the epoch-ms instant up to and including which
	// pre_cutover mode applies.
	untilMS int64
	// legacyReadsPre allows legacy reads while pre_cutover.
	legacyReadsPre bool
}

// NewPolicy builds the policy from configuration.
func NewPolicy(cutoverUntilMS int64, legacyReadsPreCutover bool) *Policy {
	return &Policy{untilMS: cutoverUntilMS, legacyReadsPre: legacyReadsPreCutover}
}

// Mode returns pre_cutover iff now <= cutover_until_ms.
func (p *Policy) Mode(now time.Time) Mode {
	if now.UnixMilli() <= p.untilMS {
		return PreCutover
	}
	return PostCutover
}

// LegacyReadAllowed reports whether reading a legacy field location is
// permitted at the given instant.
func (p *Policy) LegacyReadAllowed(now time.Time) bool {
	return p.legacyReadsPre && p.Mode(now) == PreCutover
}

// LegacyWriteAllowed is false in all modes. Present so callers express
// the question through the policy rather than assuming.
func (p *Policy) LegacyWriteAllowed(time.Time) bool {
	return false
}
