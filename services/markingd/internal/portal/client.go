package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Client performs the portal-side mark exchange. It holds no per-session
// state; the orchestrator owns retries and sequencing.
type Client struct {
	http    *http.Client
	timeout time.Duration
	markers Markers
}

// NewClient builds a portal client with a hard per-call deadline.
func NewClient(timeout time.Duration, markers Markers) (*Client, error) {
	if timeout <= 0 {
		return nil, errors.New("portal: timeout must be positive")
	}

	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		markers: markers,
	}, nil
}

type markResponse struct {
	Discipline string `json:"discipline"`
	Group      string `json:"group"`
	FIO        string `json:"fio"`
	Error      string `json:"error"`
}

// Mark attempts to record attendance for one student against the scanned QR
// URL. identity is the student's already-resolved portal token. Every failure
// mode is folded into the returned Outcome; exceeding the deadline yields a
// transient outcome.
func (c *Client) Mark(ctx context.Context, qrURL string, identity string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, qrURL, nil)
	if err != nil {
		return Denied(fmt.Sprintf("invalid portal url: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+identity)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Transient(requestFailure(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Transient(fmt.Sprintf("read portal response: %v", err))
	}

	return c.classify(resp.StatusCode, body)
}

func (c *Client) classify(status int, body []byte) Outcome {
	if c.markers.expiredStatus(status) || c.markers.expiredBody(string(body)) {
		return Expired()
	}

	switch {
	case status >= 200 && status < 300:
		var parsed markResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return Transient(fmt.Sprintf("unparseable portal response: %v", err))
		}
		return Ok(parsed.Discipline, parsed.Group, parsed.FIO)

	case status >= 500 || c.markers.retryStatus(status):
		return Transient(fmt.Sprintf("portal returned %d", status))

	case status >= 400:
		var parsed markResponse
		if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
			return Denied(parsed.Error)
		}
		return Denied(fmt.Sprintf("portal rejected the request (%d)", status))

	default:
		return Transient(fmt.Sprintf("unexpected portal status %d", status))
	}
}

func requestFailure(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
		return "portal call timed out"
	}
	return fmt.Sprintf("portal unreachable: %v", err)
}
