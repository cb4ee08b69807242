// Package telephony holds the Twilio-facing collaborators that sit outside
// the media path: outbound call placement and the control document that
// points a call at the media-stream socket.
package telephony

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

// StatusCallbackEvents are the call progress events requested on PlaceCall.
var StatusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is a minimal Twilio REST client.
type Client struct {
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
}

func New(cfg Config) (*Client, error) {
	switch {
	case strings.TrimSpace(cfg.AccountSID) == "":
		return nil, fmt.Errorf("%w: twilio account sid is required", reliability.ErrConfiguration)
	case strings.TrimSpace(cfg.AuthToken) == "":
		return nil, fmt.Errorf("%w: twilio auth token is required", reliability.ErrConfiguration)
	case strings.TrimSpace(cfg.FromNumber) == "":
		return nil, fmt.Errorf("%w: twilio from number is required", reliability.ErrConfiguration)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.twilio.com/2010-04-01"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		baseURL:    baseURL,
		httpClient: httpClient,
	}, nil
}

// APIError is an error body returned by the Twilio API.
type APIError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twilio error %d (status %d): %s", e.Code, e.Status, e.Message)
}

type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall dials to and tells Twilio to fetch its control document from
// controlURL. Progress is reported to statusCallbackURL when set.
func (c *Client) PlaceCall(ctx context.Context, to, controlURL, statusCallbackURL string) (string, error) {
	if strings.TrimSpace(to) == "" {
		return "", fmt.Errorf("%w: destination number is required", reliability.ErrConfiguration)
	}
	data := url.Values{}
	data.Set("To", to)
	data.Set("From", c.from)
	data.Set("Url", controlURL)
	if statusCallbackURL != "" {
		data.Set("StatusCallback", statusCallbackURL)
		for _, ev := range StatusCallbackEvents {
			data.Add("StatusCallbackEvent", ev)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", c.baseURL, url.PathEscape(c.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.accountSID, c.authToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: place call: %v", reliability.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read place call response: %v", reliability.ErrTransport, err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(body, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(body))
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return "", fmt.Errorf("%w: %w", reliability.ErrConfiguration, apiErr)
		}
		return "", fmt.Errorf("%w: %w", reliability.ErrTransport, apiErr)
	}

	var call callResource
	if err := json.Unmarshal(body, &call); err != nil || call.SID == "" {
		return "", fmt.Errorf("%w: call response missing sid", reliability.ErrProtocol)
	}
	return call.SID, nil
}
