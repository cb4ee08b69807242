package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/callrelay/internal/reliability"
)

const (
	AuthSignedURL = "signed_url"
	AuthDirect    = "direct"
)

// Target is a resolved agent socket endpoint.
type Target struct {
	URL    string
	Header http.Header
}

// Resolver produces the websocket endpoint for one agent conversation.
type Resolver interface {
	Resolve(ctx context.Context) (Target, error)
}

type ResolverConfig struct {
	Mode       string
	APIKey     string
	AgentID    string
	APIBaseURL string
	WSBaseURL  string
	HTTPClient *http.Client
}

func NewResolver(cfg ResolverConfig) (Resolver, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("%w: agent id is required", reliability.ErrConfiguration)
	}
	switch cfg.Mode {
	case AuthSignedURL, "":
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("%w: api key is required for signed url auth", reliability.ErrConfiguration)
		}
		base := strings.TrimRight(cfg.APIBaseURL, "/")
		if base == "" {
			base = "https://api.elevenlabs.io"
		}
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		return &SignedURLResolver{apiBaseURL: base, apiKey: cfg.APIKey, agentID: cfg.AgentID, client: client}, nil
	case AuthDirect:
		base := strings.TrimRight(cfg.WSBaseURL, "/")
		if base == "" {
			base = "wss://api.elevenlabs.io"
		}
		return &DirectResolver{wsBaseURL: base, apiKey: cfg.APIKey, agentID: cfg.AgentID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown agent auth mode %q", reliability.ErrConfiguration, cfg.Mode)
	}
}

// SignedURLResolver exchanges the API key for a short-lived signed socket URL
// so the key never travels on the websocket itself.
type SignedURLResolver struct {
	apiBaseURL string
	apiKey     string
	agentID    string
	client     *http.Client
}

func (r *SignedURLResolver) Resolve(ctx context.Context) (Target, error) {
	u, err := url.Parse(r.apiBaseURL + "/v1/convai/conversation/get-signed-url")
	if err != nil {
		return Target{}, fmt.Errorf("%w: api base url: %v", reliability.ErrConfiguration, err)
	}
	q := u.Query()
	q.Set("agent_id", r.agentID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Target{}, err
	}
	req.Header.Set("xi-api-key", r.apiKey)

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Target{}, ctx.Err()
		}
		return Target{}, fmt.Errorf("%w: signed url request: %v", reliability.ErrTransport, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return Target{}, fmt.Errorf("%w: signed url rejected with status %d", reliability.ErrConfiguration, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return Target{}, fmt.Errorf("%w: signed url status %d (retryable=%t): %s",
			reliability.ErrTransport, resp.StatusCode, reliability.IsRetryableHTTPStatus(resp.StatusCode), strings.TrimSpace(string(body)))
	}

	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil || strings.TrimSpace(out.SignedURL) == "" {
		return Target{}, fmt.Errorf("%w: signed url response missing signed_url", reliability.ErrProtocol)
	}
	return Target{URL: out.SignedURL, Header: http.Header{}}, nil
}

// DirectResolver connects to the public agent endpoint by id. The API key,
// when set, is sent as a header for private agents.
type DirectResolver struct {
	wsBaseURL string
	apiKey    string
	agentID   string
}

func (r *DirectResolver) Resolve(context.Context) (Target, error) {
	u, err := url.Parse(r.wsBaseURL + "/v1/convai/conversation")
	if err != nil {
		return Target{}, fmt.Errorf("%w: ws base url: %v", reliability.ErrConfiguration, err)
	}
	q := u.Query()
	q.Set("agent_id", r.agentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if r.apiKey != "" {
		header.Set("xi-api-key", r.apiKey)
	}
	return Target{URL: u.String(), Header: header}, nil
}
