// Package gateway is the HTTP client for the WhatsApp gateway fleet. Each
// tenant's messages go out through one gateway instance, addressed by
// instance id; the gateway holds the actual session, we only pass a
// credentials reference.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type SendRequest struct {
	InstanceID     string `json:"-"`
	CredentialsRef string `json:"sessionCredentialsRef"`
	Destination    string `json:"destination"`
	Body           string `json:"body"`
	IsGroup        bool   `json:"isGroup,omitempty"`
	IdempotencyKey string `json:"-"`
}

type SendResponse struct {
	MessageID string `json:"messageId"`
	AckLevel  string `json:"ack"`
	Error     string `json:"error"`
}

// Send posts one message through the named gateway instance. It returns the
// decoded body, the HTTP status and the raw payload so callers can classify
// the failure themselves.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/instances/" + req.InstanceID + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(b, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Error != "" {
			return out, resp.StatusCode, b, errors.New(out.Error)
		}
		return out, resp.StatusCode, b, errors.New("gateway send failed")
	}
	if out.MessageID == "" {
		return out, resp.StatusCode, b, errors.New("gateway returned no message id")
	}
	return out, resp.StatusCode, b, nil
}

// ShouldRetry classifies a send failure as transient. Timeouts and throttling
// retry; everything else (bad destination, dead session, auth) is permanent
// and must not burn the retry budget.
func ShouldRetry(err error, httpStatus int) bool {
	if err != nil && httpStatus == 0 {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		return false
	}
	if httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusRequestTimeout {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
