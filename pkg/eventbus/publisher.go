package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/randalmurphal/eventbus/pkg/eventbus/observability"
	"github.com/randalmurphal/eventbus/pkg/eventbus/pattern"
	"github.com/randalmurphal/eventbus/pkg/eventbus/signal"
	"github.com/randalmurphal/eventbus/pkg/eventbus/store"
)

// PublishRequest describes one event to publish.
type PublishRequest struct {
	// Type is the dot-segmented event type, e.g. "order.created".
	Type string

	// Source names the publishing component.
	Source string

	// Payload is the event body. json.RawMessage and []byte are stored as
	// is and must hold valid JSON; anything else is marshalled. Nil stores
	// no payload.
	Payload any

	// TenantID is required. CompanyID and UserID are optional routing data.
	TenantID  string
	CompanyID string
	UserID    string

	// TTL is how long the event may wait for delivery and should be
	// positive. Zero is accepted and uses the publisher's default; a
	// negative TTL fails with ErrInvalidTTL.
	TTL time.Duration

	// MaxRetries is the attempt limit for subscriptions that set none.
	// Zero uses the publisher's default.
	MaxRetries int
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// SignalPrefix names the signal channels.
	// Default: signal.DefaultPrefix
	SignalPrefix string

	// DefaultTTL applies when a request sets no TTL.
	// Default: 24 hours
	DefaultTTL time.Duration

	// MaxRetries applies when a request sets none.
	// Default: 3
	MaxRetries int

	// Clock returns the current time.
	// Default: time.Now
	Clock func() time.Time

	Logger  *slog.Logger
	Metrics observability.MetricsRecorder
	Spans   observability.SpanManager
}

// DefaultPublisherConfig provides reasonable defaults.
var DefaultPublisherConfig = PublisherConfig{
	SignalPrefix: signal.DefaultPrefix,
	DefaultTTL:   24 * time.Hour,
	MaxRetries:   3,
}

// Publisher commits events and then signals listeners. The commit is the
// only part that can fail the call; a failed signal is logged and the
// event is left to reconciliation.
type Publisher struct {
	store    store.EventStore
	notifier signal.Notifier
	cfg      PublisherConfig
}

// NewPublisher creates a publisher. A nil notifier disables signals.
func NewPublisher(st store.EventStore, notifier signal.Notifier, cfg PublisherConfig) *Publisher {
	if cfg.SignalPrefix == "" {
		cfg.SignalPrefix = DefaultPublisherConfig.SignalPrefix
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultPublisherConfig.DefaultTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultPublisherConfig.MaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	if notifier == nil {
		notifier = signal.Discard{}
	}
	return &Publisher{store: st, notifier: notifier, cfg: cfg}
}

// Publish validates req, stores a pending event, and signals it on the
// global, category, and type channels. It returns the event id.
//
// Validation failures return ErrInvalidEventType, ErrTenantRequired,
// ErrInvalidTTL or ErrInvalidPayload. A store failure returns a
// *PublishError and no event exists.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (id string, err error) {
	ctx, span := p.cfg.Spans.StartPublishSpan(ctx, req.Type, req.TenantID)
	defer func() {
		p.cfg.Spans.EndSpanWithError(span, err)
		p.cfg.Metrics.RecordPublish(ctx, req.Type, err)
		if err != nil {
			observability.LogPublishError(p.cfg.Logger, req.Type, err)
		}
	}()

	evt, err := p.build(req)
	if err != nil {
		return "", err
	}

	if err := p.store.InsertEvent(ctx, evt); err != nil {
		return "", &PublishError{EventType: req.Type, Err: err}
	}
	observability.LogPublish(p.cfg.Logger, evt.ID, evt.Type, evt.TenantID)

	channels := signal.Channels(p.cfg.SignalPrefix, evt.Type)
	if err := p.notifier.Notify(context.WithoutCancel(ctx), channels, evt.ID); err != nil {
		observability.LogSignalError(p.cfg.Logger, evt.ID, err)
	}
	return evt.ID, nil
}

func (p *Publisher) build(req PublishRequest) (*event.Event, error) {
	if err := pattern.ValidateType(req.Type); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEventType, err)
	}
	if req.TenantID == "" {
		return nil, ErrTenantRequired
	}
	if req.TTL < 0 {
		return nil, ErrInvalidTTL
	}
	payload, err := encodePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = p.cfg.DefaultTTL
	}
	ttl = max(ttl, time.Microsecond)
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	// Microsecond precision matches what the store keeps.
	now := p.cfg.Clock().UTC().Truncate(time.Microsecond)
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	return &event.Event{
		ID:         id.String(),
		Type:       req.Type,
		Source:     req.Source,
		Payload:    payload,
		TenantID:   req.TenantID,
		CompanyID:  req.CompanyID,
		UserID:     req.UserID,
		Status:     event.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}, nil
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return p, nil
	case []byte:
		if len(p) > 0 && !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return b, nil
	}
}
