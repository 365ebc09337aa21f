// Package agentclient issues outbound turn-decision calls to agent
// endpoints and verifies the signed turn proofs that come back. The
// wire contract is bit-level: candidate paths, the request body, the
// decision hash, and the ERC-191 message layout are all fixed.
package agentclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"moltd/runtimeattest"
	"moltd/store"
)

// Protocol identifiers on the decision wire.
const (
	DecisionProtocol = "molt-negotiation/turn-decision-v1"
	ProofProtocol    = "MOLT_NEGOTIATION_TURN_PROOF"
	ProofVersion     = "v1"
)

// Timeout bounds for a single decision attempt.
const (
	DefaultTimeout = 8 * time.Second
	MaxTimeout     = 60 * time.Second
)

var defaultPaths = []string{"/decide", "/negotiate-turn", "/negotiate"}

// DecisionRequest is the body POSTed to an agent's decision endpoint.
type DecisionRequest struct {
	Protocol             string                 `json:"protocol"`
	SessionID            string                 `json:"sessionId"`
	Topic                string                 `json:"topic"`
	Turn                 int                    `json:"turn"`
	MaxTurns             int                    `json:"maxTurns"`
	Role                 string                 `json:"role"`
	AgentID              string                 `json:"agentId"`
	Challenge            string                 `json:"challenge"`
	PrivateContext       map[string]interface{} `json:"privateContext"`
	PublicState          map[string]interface{} `json:"publicState"`
	ExpectedProofBinding map[string]interface{} `json:"expectedProofBinding"`
}

// TurnProof is the signed attestation an agent returns with its offer.
type TurnProof struct {
	Protocol     string      `json:"protocol,omitempty"`
	Version      string      `json:"version,omitempty"`
	SessionID    string      `json:"sessionId"`
	Turn         int         `json:"turn"`
	AgentID      string      `json:"agentId"`
	Role         string      `json:"role"`
	Offer        float64     `json:"offer"`
	Challenge    string      `json:"challenge"`
	AppID        string      `json:"appId,omitempty"`
	Environment  string      `json:"environment,omitempty"`
	ImageDigest  string      `json:"imageDigest,omitempty"`
	Timestamp    interface{} `json:"timestamp"`
	DecisionHash string      `json:"decisionHash,omitempty"`
	Signature    string      `json:"signature"`
	Signer       string      `json:"signer,omitempty"`
}

// DecisionResponse is what a decision endpoint returns.
type DecisionResponse struct {
	Offer   float64                `json:"offer"`
	Message string                 `json:"message,omitempty"`
	Proof   *TurnProof             `json:"proof,omitempty"`
	Runtime *runtimeattest.Evidence `json:"runtimeAttestation,omitempty"`
}

// Client calls agent decision endpoints.
type Client struct {
	httpClient  *http.Client
	timeout     time.Duration
	envPath     string
	logger      *slog.Logger
}

// Options configures the client.
type Options struct {
	// Timeout per attempt; defaults to 8s, clamped to 60s.
	Timeout time.Duration
	// PathOverride is the env-level decision path override.
	PathOverride string
	Logger       *slog.Logger
}

// New builds a decision client.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		envPath:    strings.TrimSpace(opts.PathOverride),
		logger:     logger,
	}
}

// NewChallenge returns a fresh 40-hex challenge nonce.
func NewChallenge() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("agentclient: challenge: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CandidatePaths returns the decision paths to try, in priority order.
func (c *Client) CandidatePaths(agent *store.Agent) []string {
	var paths []string
	seen := make(map[string]struct{})
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" {
			return
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		paths = append(paths, path)
	}
	add(agent.DecisionPathOverride())
	add(c.envPath)
	for _, path := range defaultPaths {
		add(path)
	}
	return paths
}

// Decide POSTs the decision request to the agent, walking candidate
// paths until one succeeds. A 404 silently advances; any other non-2xx
// advances with the status logged.
func (c *Client) Decide(ctx context.Context, agent *store.Agent, req DecisionRequest) (*DecisionResponse, error) {
	base, err := url.Parse(strings.TrimSpace(agent.Endpoint))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("agentclient: agent %s has no usable endpoint: %q", agent.ID, agent.Endpoint)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agentclient: encode request: %w", err)
	}

	var lastErr error
	for _, path := range c.CandidatePaths(agent) {
		target := *base
		target.Path = strings.TrimRight(base.Path, "/") + path
		resp, err := c.post(ctx, target.String(), body)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no decision path configured")
	}
	return nil, fmt.Errorf("agentclient: agent %s decision failed: %w", agent.ID, lastErr)
}

func (c *Client) post(ctx context.Context, target string, body []byte) (*DecisionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("decision path not found at %s", target)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("decision endpoint returned error status",
			slog.String("url", target),
			slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("decision endpoint %s returned status %d", target, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var decision DecisionResponse
	if err := json.Unmarshal(data, &decision); err != nil {
		return nil, fmt.Errorf("decode decision response: %w", err)
	}
	if math.IsNaN(decision.Offer) || math.IsInf(decision.Offer, 0) {
		return nil, fmt.Errorf("decision offer is not finite")
	}
	return &decision, nil
}
