// Package runtimeattest checks runtime evidence claimed to come from
// the deciding agent's trusted execution environment. The service never
// inspects hardware quotes itself: claims are either checked locally
// for equality against expected values, or forwarded to a configured
// remote verifier whose verdict is then re-checked locally.
package runtimeattest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"moltd/policy"
)

const remoteVerifyTimeout = 10 * time.Second

// Evidence is the opaque attestation document an agent returns with a
// decision. Only the claims map is interpreted here.
type Evidence struct {
	Format string                 `json:"format,omitempty"`
	Quote  string                 `json:"quote,omitempty"`
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// Expected pins the values the evidence claims must equal.
type Expected struct {
	DecisionHash  string `json:"decisionHash"`
	AppID         string `json:"appId,omitempty"`
	Environment   string `json:"environment,omitempty"`
	ImageDigest   string `json:"imageDigest,omitempty"`
	SignerAddress string `json:"signerAddress,omitempty"`
}

// Failure reasons for runtime attestation checks.
const (
	ReasonMissing              = "runtime_attestation_missing"
	ReasonReportDataMismatch   = "runtime_attestation_report_data_mismatch"
	ReasonAppIDMismatch        = "runtime_attestation_app_id_mismatch"
	ReasonEnvironmentMismatch  = "runtime_attestation_environment_mismatch"
	ReasonImageDigestMismatch  = "runtime_attestation_image_digest_mismatch"
	ReasonSignerMismatch       = "runtime_attestation_signer_mismatch"
	ReasonIssuedAtInvalid      = "runtime_attestation_issued_at_invalid"
	ReasonIssuedAtOutOfWindow  = "runtime_attestation_issued_at_out_of_window"
	ReasonExpired              = "runtime_attestation_expired"
	ReasonRemoteVerifyFailed   = "runtime_attestation_remote_verify_failed"
	ReasonRemoteVerifyRejected = "runtime_attestation_remote_verify_rejected"
	ReasonVerifierUnconfigured = "runtime_attestation_verifier_unconfigured"
)

// Error carries the specific failure reason.
type Error struct {
	Reason string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func fail(reason, detail string) *Error { return &Error{Reason: reason, Detail: detail} }

// Verifier validates runtime evidence locally or via the remote service.
type Verifier struct {
	client *http.Client
	now    func() time.Time
}

// New returns a verifier with the default HTTP client.
func New() *Verifier {
	return &Verifier{
		client: &http.Client{Timeout: remoteVerifyTimeout},
		now:    time.Now,
	}
}

// WithNow overrides the clock, for tests.
func (v *Verifier) WithNow(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// WithClient overrides the HTTP client, for tests.
func (v *Verifier) WithClient(client *http.Client) *Verifier {
	v.client = client
	return v
}

// Verify is a no-op success when runtime attestation is not required.
// Otherwise it checks the evidence locally and, when remote verify is
// on, defers to the configured verifier before re-running the local
// claim checks over any claims the verifier returned.
func (v *Verifier) Verify(ctx context.Context, evidence *Evidence, expected Expected, snap policy.Snapshot) error {
	if !snap.RequireRuntimeAttestation {
		return nil
	}
	if evidence == nil {
		return fail(ReasonMissing, "no runtime evidence supplied")
	}
	if snap.RuntimeAttestationRemoteVerify {
		merged, err := v.remoteVerify(ctx, evidence, expected, snap)
		if err != nil {
			return err
		}
		evidence = merged
	}
	return v.checkClaims(evidence, expected, snap)
}

func (v *Verifier) checkClaims(evidence *Evidence, expected Expected, snap policy.Snapshot) error {
	claims := normalizeClaims(evidence.Claims)

	if hash := claimString(claims, "reportdatahash"); hash != strings.ToLower(expected.DecisionHash) {
		return fail(ReasonReportDataMismatch, "reportDataHash does not bind the decision")
	}
	if expected.AppID != "" && claimString(claims, "appid") != strings.ToLower(expected.AppID) {
		return fail(ReasonAppIDMismatch, "")
	}
	if expected.Environment != "" && claimString(claims, "environment") != strings.ToLower(expected.Environment) {
		return fail(ReasonEnvironmentMismatch, "")
	}
	if expected.ImageDigest != "" && claimString(claims, "imagedigest") != strings.ToLower(expected.ImageDigest) {
		return fail(ReasonImageDigestMismatch, "")
	}
	if expected.SignerAddress != "" && claimString(claims, "signeraddress") != strings.ToLower(expected.SignerAddress) {
		return fail(ReasonSignerMismatch, "")
	}

	now := v.now()
	issuedAt, ok := claimTime(claims, "issuedat")
	if !ok {
		return fail(ReasonIssuedAtInvalid, "issuedAt claim missing or unparseable")
	}
	maxAge := snap.RuntimeAttestationMaxAge()
	if issuedAt.Before(now.Add(-maxAge)) || issuedAt.After(now.Add(maxAge)) {
		return fail(ReasonIssuedAtOutOfWindow, fmt.Sprintf("issuedAt %s outside ±%s", issuedAt.Format(time.RFC3339), maxAge))
	}
	if expiresAt, ok := claimTime(claims, "expiresat"); ok && !expiresAt.After(now) {
		return fail(ReasonExpired, "")
	}
	return nil
}

type remoteRequest struct {
	Evidence *Evidence `json:"evidence"`
	Expected Expected  `json:"expected"`
}

type remoteResponse struct {
	Valid  bool                   `json:"valid"`
	Claims map[string]interface{} `json:"claims,omitempty"`
	Reason string                 `json:"reason,omitempty"`
}

func (v *Verifier) remoteVerify(ctx context.Context, evidence *Evidence, expected Expected, snap policy.Snapshot) (*Evidence, error) {
	url := strings.TrimSpace(snap.RuntimeAttestationVerifierURL)
	if url == "" {
		return nil, fail(ReasonVerifierUnconfigured, "remote verify enabled without a verifier url")
	}
	body, err := json.Marshal(remoteRequest{Evidence: evidence, Expected: expected})
	if err != nil {
		return nil, fail(ReasonRemoteVerifyFailed, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, remoteVerifyTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fail(ReasonRemoteVerifyFailed, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fail(ReasonRemoteVerifyFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(ReasonRemoteVerifyFailed, fmt.Sprintf("verifier returned status %d", resp.StatusCode))
	}
	var verdict remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return nil, fail(ReasonRemoteVerifyFailed, err.Error())
	}
	if !verdict.Valid {
		return nil, fail(ReasonRemoteVerifyRejected, verdict.Reason)
	}
	merged := &Evidence{Format: evidence.Format, Quote: evidence.Quote, Claims: evidence.Claims}
	if len(verdict.Claims) > 0 {
		merged.Claims = make(map[string]interface{}, len(evidence.Claims)+len(verdict.Claims))
		for k, val := range evidence.Claims {
			merged.Claims[k] = val
		}
		for k, val := range verdict.Claims {
			merged.Claims[k] = val
		}
	}
	return merged, nil
}

// normalizeClaims lowercases claim keys and string values so equality
// checks are case-insensitive on both sides.
func normalizeClaims(claims map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		key := strings.ToLower(strings.TrimSpace(k))
		if s, ok := v.(string); ok {
			out[key] = strings.ToLower(strings.TrimSpace(s))
			continue
		}
		out[key] = v
	}
	return out
}

func claimString(claims map[string]interface{}, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func claimTime(claims map[string]interface{}, key string) (time.Time, bool) {
	switch v := claims[key].(type) {
	case float64:
		return time.UnixMilli(int64(v)), true
	case json.Number:
		if ms, err := v.Int64(); err == nil {
			return time.UnixMilli(ms), true
		}
	case string:
		if ts, err := time.Parse(time.RFC3339, strings.ToUpper(v)); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
