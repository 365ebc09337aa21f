// Package apierr defines the coded error type every handler translates
// into the {ok:false,error:{code,message,details}} envelope.
package apierr

import "fmt"

// Error code taxonomy. Codes are part of the wire contract.
const (
	CodeInvalidRequest           = "invalid_request"
	CodeUnauthorized             = "unauthorized"
	CodeNotFound                 = "not_found"
	CodeStrictPolicyFailed       = "strict_policy_failed"
	CodeEndpointModeRequired     = "endpoint_mode_required"
	CodeSandboxMetadataRequired  = "sandbox_metadata_required"
	CodeEigenMetadataRequired    = "eigencompute_metadata_required"
	CodeActorScopeViolation      = "actor_scope_violation"
	CodeInvalidStateTransition   = "invalid_state_transition"
	CodePrepareRequired          = "prepare_required_before_start"
	CodeFundingPending           = "funding_pending"
	CodeAttestationRequired      = "attestation_required"
	CodeAttestationVerification  = "attestation_verification_failed"
	CodeTrustFilterExcluded      = "trust_filter_excluded"
	CodePrivateContextRequired   = "private_context_required"
	CodeNegotiationNotActive     = "negotiation_not_active"
	CodePrivacyRedactionViolated = "privacy_redaction_violation"
	CodeHealthProbeFailed        = "health_probe_failed"
	CodeAgentIDConflict          = "agent_id_conflict"
	CodeInternal                 = "internal_error"
)

// Error carries an API error code plus optional structured details.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a coded error with a formatted message.
func Newf(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}
