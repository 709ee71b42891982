// Package push provides the thin HTTP client for the FCM-style push
// transport. All outbound calls go through a circuit breaker so a degraded
// transport trips fast instead of stalling every queue batch. The client
// distinguishes typed message rejections (returned as *types.PushError, a
// permanent item failure) from infrastructure trouble (returned as
// *types.AppError, which propagates out of the whole run).
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"stillpoint/internal/types"
)

// Token rejection codes reported by the transport. These mark the stored
// token as dead; the processor clears it on sight.
var unregisteredCodes = map[string]bool{
	"NotRegistered":       true,
	"InvalidRegistration": true,
	"MismatchSenderId":    true,
}

// Compile-time assertion that Client implements PushTransport.
var _ types.PushTransport = (*Client)(nil)

// Client sends one message per call to the push endpoint.
type Client struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	endpoint  string
	serverKey types.SecretString
	logger    types.Logger
}

// NewClient creates a push Client. The breaker trips after five consecutive
// failures and probes again after thirty seconds.
func NewClient(httpClient *http.Client, endpoint string, serverKey types.SecretString, logger types.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "push-transport",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	return &Client{
		client:    httpClient,
		breaker:   cb,
		endpoint:  endpoint,
		serverKey: serverKey,
		logger:    logger,
	}
}

// sendRequest is the wire shape of one delivery. Android delivery uses high
// priority; the default sound covers APNs.
type sendRequest struct {
	To           string            `json:"to"`
	Priority     string            `json:"priority"`
	Notification sendNotification  `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
}

type sendNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound"`
}

type sendResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send delivers one message to one device token and returns the transport's
// message id.
func (c *Client) Send(ctx context.Context, msg types.PushMessage) (string, error) {
	body, err := json.Marshal(sendRequest{
		To:       msg.Token,
		Priority: "high",
		Notification: sendNotification{
			Title: msg.Title,
			Body:  msg.Body,
			Sound: "default",
		},
		Data: msg.Data,
	})
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode push payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build push request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+c.serverKey.Unmask())

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		// 5xx and 429 count as breaker failures; the transport is unwell.
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			r.Body.Close()
			return nil, fmt.Errorf("push endpoint returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", types.NewAppError(types.ErrCodeUpstreamPush,
				"push circuit breaker is open", err)
		}
		return "", types.NewAppError(types.ErrCodeUpstreamPush, "push request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamPush, "failed to read push response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return parseSendResponse(raw)
	case resp.StatusCode == http.StatusBadRequest:
		// The endpoint rejected the message shape. Permanent for this item.
		return "", &types.PushError{
			Code:    "InvalidMessage",
			Message: fmt.Sprintf("push endpoint rejected message: %s", string(raw)),
		}
	default:
		// 401/403 and anything else unexpected is a deployment problem,
		// not an item problem.
		return "", types.NewAppError(types.ErrCodeUpstreamPush,
			fmt.Sprintf("push endpoint returned unexpected status %d", resp.StatusCode), nil)
	}
}

// parseSendResponse extracts the message id, mapping per-message errors to
// typed PushErrors.
func parseSendResponse(raw []byte) (string, error) {
	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamPush, "push response is not valid JSON", err)
	}
	if len(out.Results) == 0 {
		return "", types.NewAppError(types.ErrCodeUpstreamPush, "push response contained no results", nil)
	}

	result := out.Results[0]
	if result.Error != "" {
		return "", &types.PushError{
			Code:         result.Error,
			Message:      "push transport rejected delivery: " + result.Error,
			Unregistered: unregisteredCodes[result.Error],
		}
	}
	return result.MessageID, nil
}
