package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"moltd/apierr"
)

type errorBody struct {
	OK    bool          `json:"ok"`
	Error *apierr.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeOK wraps the payload in the success envelope.
func writeOK(w http.ResponseWriter, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["ok"] = true
	writeJSON(w, http.StatusOK, payload)
}

// writeError maps a coded error onto its HTTP status. Unknown errors
// become internal_error without leaking their message.
func writeError(w http.ResponseWriter, err error) {
	var coded *apierr.Error
	if !errors.As(err, &coded) {
		coded = apierr.New(apierr.CodeInternal, "internal error")
	}
	writeJSON(w, statusFor(coded.Code), errorBody{OK: false, Error: coded})
}

func statusFor(code string) int {
	switch code {
	case apierr.CodeInvalidRequest,
		apierr.CodeEndpointModeRequired,
		apierr.CodeSandboxMetadataRequired,
		apierr.CodeEigenMetadataRequired:
		return http.StatusBadRequest
	case apierr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apierr.CodeActorScopeViolation:
		return http.StatusForbidden
	case apierr.CodeNotFound:
		return http.StatusNotFound
	case apierr.CodeInvalidStateTransition,
		apierr.CodePrepareRequired,
		apierr.CodeNegotiationNotActive,
		apierr.CodeFundingPending,
		apierr.CodeAgentIDConflict:
		return http.StatusConflict
	case apierr.CodeStrictPolicyFailed,
		apierr.CodeAttestationRequired,
		apierr.CodeAttestationVerification,
		apierr.CodeTrustFilterExcluded,
		apierr.CodePrivateContextRequired:
		return http.StatusUnprocessableEntity
	case apierr.CodeHealthProbeFailed:
		return http.StatusBadGateway
	case apierr.CodePrivacyRedactionViolated:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apierr.New(apierr.CodeInvalidRequest, "request body required")
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return apierr.Newf(apierr.CodeInvalidRequest, "malformed request body: %v", err)
	}
	return nil
}
