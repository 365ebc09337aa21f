package store

import (
	"fmt"
	"strings"
)

// SandboxProfile is the typed view of metadata.sandbox.
type SandboxProfile struct {
	Runtime string `json:"runtime"`
	Version string `json:"version"`
	CPU     string `json:"cpu"`
	Memory  string `json:"memory"`
}

// EigenProfile is the typed view of metadata.eigencompute. AppID and
// SignerAddress are immutable identity once set on an agent.
type EigenProfile struct {
	AppID         string `json:"appId"`
	Environment   string `json:"environment"`
	ImageDigest   string `json:"imageDigest"`
	SignerAddress string `json:"signerAddress"`
}

// Present reports whether the profile carries an app identity.
func (p EigenProfile) Present() bool { return p.AppID != "" }

// Present reports whether any sandbox attribute is declared.
func (p SandboxProfile) Present() bool {
	return p.Runtime != "" || p.Version != "" || p.CPU != "" || p.Memory != ""
}

// Equal compares all sandbox parity attributes.
func (p SandboxProfile) Equal(other SandboxProfile) bool {
	return p.Runtime == other.Runtime && p.Version == other.Version &&
		p.CPU == other.CPU && p.Memory == other.Memory
}

func subMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	if sub, ok := m[key].(map[string]interface{}); ok {
		return sub
	}
	return nil
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// Sandbox returns the agent's sandbox profile view.
func (a Agent) Sandbox() SandboxProfile {
	sub := subMap(a.Metadata, "sandbox")
	return SandboxProfile{
		Runtime: stringField(sub, "runtime"),
		Version: stringField(sub, "version"),
		CPU:     stringField(sub, "cpu"),
		Memory:  stringField(sub, "memory"),
	}
}

// Eigen returns the agent's eigencompute profile view. AppID,
// environment and image digest compare case-insensitively on the wire,
// so they are normalized to lowercase here.
func (a Agent) Eigen() EigenProfile {
	sub := subMap(a.Metadata, "eigencompute")
	return EigenProfile{
		AppID:         strings.ToLower(stringField(sub, "appId")),
		Environment:   strings.ToLower(stringField(sub, "environment")),
		ImageDigest:   strings.ToLower(stringField(sub, "imageDigest")),
		SignerAddress: strings.ToLower(stringField(sub, "signerAddress")),
	}
}

// DecisionPathOverride returns the per-agent decision path override, if any.
func (a Agent) DecisionPathOverride() string {
	return stringField(a.Metadata, "decisionPath")
}

// EscrowConfig is the typed view of session terms.escrow.
type EscrowConfig struct {
	ContractAddress string `json:"contractAddress"`
	AmountPerPlayer string `json:"amountPerPlayer"`
	TokenAddress    string `json:"tokenAddress,omitempty"`
	PlayerAAgentID  string `json:"playerAAgentId,omitempty"`
	PlayerBAgentID  string `json:"playerBAgentId,omitempty"`
}

// EscrowConfig extracts and validates the session's escrow configuration.
// The second return is false when the session has no escrow configured.
func (s Session) EscrowConfig() (EscrowConfig, bool, error) {
	sub := subMap(s.Terms, "escrow")
	if sub == nil {
		return EscrowConfig{}, false, nil
	}
	cfg := EscrowConfig{
		ContractAddress: stringField(sub, "contractAddress"),
		AmountPerPlayer: amountField(sub, "amountPerPlayer"),
		TokenAddress:    stringField(sub, "tokenAddress"),
		PlayerAAgentID:  stringField(sub, "playerAAgentId"),
		PlayerBAgentID:  stringField(sub, "playerBAgentId"),
	}
	if cfg.ContractAddress == "" {
		return EscrowConfig{}, true, fmt.Errorf("escrow config missing contractAddress")
	}
	if cfg.AmountPerPlayer == "" {
		return EscrowConfig{}, true, fmt.Errorf("escrow config missing amountPerPlayer")
	}
	return cfg, true, nil
}

func amountField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// PatchTerms returns a copy of the session terms with key set to value.
func (s Session) PatchTerms(key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(s.Terms)+1)
	for k, v := range s.Terms {
		out[k] = v
	}
	out[key] = value
	return out
}
