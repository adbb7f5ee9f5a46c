package models

// Stable error codes. The taxonomy is closed: codes are never generated
// at runtime, and every external surface maps onto this set.

// Lease codes.
const (
	CodeLeaseConflict      = "lease_conflict"
	CodeLeaseOwnerMismatch = "lease_owner_mismatch"
)

// Readiness codes.
const (
	CodeMCPRequiredUnavailable = "MCP_REQUIRED_UNAVAILABLE"
	CodeReadinessBlocked       = "readiness_blocked"
)

// Tool and run codes.
const (
	CodeUnknownTool              = "UNKNOWN_TOOL"
	CodeUnknownToolFill          = "unknown_tool"
	CodeMissingTool              = "missing_tool"
	CodeInvalidToolArgs          = "INVALID_TOOL_ARGS"
	CodeInvalidBudget            = "INVALID_BUDGET"
	CodeInvalidToolStep          = "INVALID_TOOL_STEP"
	CodeInvalidEvidenceCandidate = "INVALID_EVIDENCE_CANDIDATE"
	CodeToolTimeout              = "TOOL_TIMEOUT"
	CodeToolUnavailable          = "TOOL_UNAVAILABLE"
	CodeToolExecFailed           = "TOOL_EXEC_FAILED"
	CodeRunTimeout               = "RUN_TIMEOUT"
	CodeBudgetExceeded           = "BUDGET_EXCEEDED"
)

// Schema codes.
const (
	CodeSchemaValidationFailed = "SCHEMA_VALIDATION_FAILED"
)

// Probe and provider codes.
const (
	CodeProbeAccessDenied        = "PROBE_ACCESS_DENIED"
	CodeProbeForbidden           = "PROBE_FORBIDDEN"
	CodeProbeNotFound            = "PROBE_NOT_FOUND"
	CodeProbeTimeout             = "PROBE_TIMEOUT"
	CodeProbeForcedFail          = "PROBE_FORCED_FAIL"
	CodeProviderUnavailableNoMCP = "PROVIDER_UNAVAILABLE_NO_MCP"
	CodeProviderNotImplemented   = "PROVIDER_NOT_IMPLEMENTED"
	CodeProviderCallFailed       = "PROVIDER_CALL_FAILED"
)

// RetryableCodes is the declared (currently unused) set of codes a future
// retry policy may retry on. v1 runs with max_attempts=1.
var RetryableCodes = map[string]bool{
	CodeToolTimeout:     true,
	CodeToolUnavailable: true,
}

// RetryPolicyIDDefault identifies the v1 no-retry policy.
const RetryPolicyIDDefault = "v1_default"
