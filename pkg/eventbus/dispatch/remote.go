package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
)

// RemoteRequest is the body posted to a subscription's callback address.
type RemoteRequest struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	TenantID  string          `json:"tenant_id"`
}

// RemoteResponse is the body a callback returns.
// An empty 2xx body counts as success.
type RemoteResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// Retryable=false marks a failure as permanent.
	Retryable *bool `json:"retryable,omitempty"`
}

// RemoteConfig configures outbound callbacks.
type RemoteConfig struct {
	// Client performs the requests. Default: a client with no timeout of its
	// own; Timeout bounds each call.
	Client *http.Client

	// Timeout bounds each callback.
	// Default: 15s
	Timeout time.Duration

	// Headers are added to every request.
	Headers map[string]string

	// MaxResponseBytes limits how much of a response body is read.
	// Default: 1 MiB
	MaxResponseBytes int64
}

// DefaultRemoteConfig provides reasonable defaults.
var DefaultRemoteConfig = RemoteConfig{
	Timeout:          15 * time.Second,
	MaxResponseBytes: 1 << 20,
}

// Remote delivers events to subscriptions with a callback address by
// POSTing a RemoteRequest as JSON.
type Remote struct {
	config RemoteConfig
	client *http.Client
}

// NewRemote creates a remote dispatcher.
func NewRemote(config RemoteConfig) *Remote {
	if config.Timeout <= 0 {
		config.Timeout = DefaultRemoteConfig.Timeout
	}
	if config.MaxResponseBytes <= 0 {
		config.MaxResponseBytes = DefaultRemoteConfig.MaxResponseBytes
	}
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{config: config, client: client}
}

// Compile-time interface check.
var _ Dispatcher = (*Remote)(nil)

// CanDispatch implements Dispatcher.
func (r *Remote) CanDispatch(sub event.Subscription) bool {
	return sub.IsRemote()
}

// Dispatch implements Dispatcher.
func (r *Remote) Dispatch(ctx context.Context, sub event.Subscription, evt *event.Event) Outcome {
	start := time.Now()
	err := r.call(ctx, sub, evt)
	return OutcomeFromError(err, time.Since(start))
}

func (r *Remote) call(ctx context.Context, sub event.Subscription, evt *event.Event) error {
	if !sub.IsRemote() {
		return buserrors.Permanent(ErrNoDispatcher, "subscription has no callback address")
	}

	body, err := json.Marshal(RemoteRequest{
		EventID:   evt.ID,
		EventType: evt.Type,
		Payload:   evt.Payload,
		TenantID:  evt.TenantID,
	})
	if err != nil {
		return buserrors.Permanent(err, "encode callback request")
	}

	ctx, cancel := context.WithTimeout(ctx, r.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.CallbackAddress, bytes.NewReader(body))
	if err != nil {
		return buserrors.Permanent(err, "build callback request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Id", evt.ID)
	req.Header.Set("X-Event-Type", evt.Type)
	req.Header.Set("X-Subscription-Id", sub.ID)
	for k, v := range r.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &buserrors.TimeoutError{
				Operation: "callback " + sub.CallbackAddress,
				Duration:  r.config.Timeout.String(),
			}
		}
		return buserrors.Transient(err, "callback")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, r.config.MaxResponseBytes))
	if err != nil {
		return buserrors.Transient(err, "read callback response")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &buserrors.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(raw)),
			Endpoint:   sub.CallbackAddress,
		}
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var out RemoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return buserrors.Transient(fmt.Errorf("decode callback response: %w", err), "callback")
	}
	if out.Success {
		return nil
	}

	msg := out.Error
	if msg == "" {
		msg = "callback reported failure"
	}
	if out.Retryable != nil && !*out.Retryable {
		return buserrors.Permanent(errors.New(msg), "callback")
	}
	return errors.New(msg)
}
