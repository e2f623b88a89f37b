package dispatch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/randalmurphal/eventbus/pkg/eventbus/dispatch"
	buserrors "github.com/randalmurphal/eventbus/pkg/eventbus/errors"
	"github.com/randalmurphal/eventbus/pkg/eventbus/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent() *event.Event {
	return &event.Event{
		ID:       "evt-1",
		Type:     "order.created",
		Payload:  json.RawMessage(`{"id":1}`),
		TenantID: "tenant-a",
	}
}

func localSub(handler string) event.Subscription {
	return event.Subscription{ID: "sub-" + handler, SubscriberName: "test", HandlerName: handler, Pattern: "order.*", IsActive: true}
}

func TestLocal_Success(t *testing.T) {
	local := dispatch.NewLocal(dispatch.LocalConfig{})

	var got *event.Event
	require.NoError(t, local.Register("ok", func(_ context.Context, evt *event.Event) error {
		got = evt
		return nil
	}))

	out := local.Dispatch(context.Background(), localSub("ok"), testEvent())
	assert.True(t, out.Success)
	assert.Empty(t, out.Error)
	require.NotNil(t, got)
	assert.Equal(t, "evt-1", got.ID)
}

func TestLocal_Failures(t *testing.T) {
	local := dispatch.NewLocal(dispatch.LocalConfig{Timeout: 50 * time.Millisecond})

	require.NoError(t, local.Register("transient", func(context.Context, *event.Event) error {
		return errors.New("database busy")
	}))
	require.NoError(t, local.Register("permanent", func(context.Context, *event.Event) error {
		return buserrors.Permanent(errors.New("missing id"), "validate payload")
	}))
	require.NoError(t, local.Register("panics", func(context.Context, *event.Event) error {
		panic("boom")
	}))
	require.NoError(t, local.Register("slow", func(ctx context.Context, _ *event.Event) error {
		time.Sleep(time.Second)
		return nil
	}))

	tests := []struct {
		handler       string
		wantPermanent bool
		wantContains  string
	}{
		{"transient", false, "database busy"},
		{"permanent", true, "missing id"},
		{"panics", false, "handler panics: handler panic: boom"},
		{"slow", false, "timeout after 50ms"},
		{"unregistered", false, "handler not found"},
	}

	for _, tt := range tests {
		t.Run(tt.handler, func(t *testing.T) {
			start := time.Now()
			out := local.Dispatch(context.Background(), localSub(tt.handler), testEvent())
			assert.False(t, out.Success)
			assert.Equal(t, tt.wantPermanent, out.Permanent)
			assert.Contains(t, out.Error, tt.wantContains)
			assert.Less(t, time.Since(start), 500*time.Millisecond, "dispatch must not wait past its timeout")
		})
	}
}

func TestLocal_DuplicateRegistration(t *testing.T) {
	local := dispatch.NewLocal(dispatch.LocalConfig{})
	fn := func(context.Context, *event.Event) error { return nil }

	require.NoError(t, local.Register("h", fn))
	err := local.Register("h", fn)
	assert.ErrorIs(t, err, dispatch.ErrDuplicateHandler)

	local.Unregister("h")
	assert.False(t, local.Has("h"))
	assert.NoError(t, local.Register("h", fn))
}

func TestLocal_MiddlewareOrder(t *testing.T) {
	var order []string
	mw := func(name string) dispatch.Middleware {
		return func(next dispatch.HandlerFunc) dispatch.HandlerFunc {
			return func(ctx context.Context, evt *event.Event) error {
				order = append(order, name+"-before")
				err := next(ctx, evt)
				order = append(order, name+"-after")
				return err
			}
		}
	}

	local := dispatch.NewLocal(dispatch.LocalConfig{Middleware: []dispatch.Middleware{mw("m1")}})
	local.Use(mw("m2"))
	require.NoError(t, local.Register("h", func(context.Context, *event.Event) error {
		order = append(order, "handler")
		return nil
	}))

	out := local.Dispatch(context.Background(), localSub("h"), testEvent())
	require.True(t, out.Success)
	assert.Equal(t, []string{"m1-before", "m2-before", "handler", "m2-after", "m1-after"}, order)
}

func TestRecoveryMiddleware_NamesHandler(t *testing.T) {
	fn := dispatch.RecoveryMiddleware("invoice-order")(func(context.Context, *event.Event) error {
		panic("nil map")
	})

	err := fn(context.Background(), testEvent())
	var herr *dispatch.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "evt-1", herr.EventID)
	assert.Equal(t, "invoice-order", herr.Handler)
	assert.Equal(t, "event evt-1: handler invoice-order: handler panic: nil map", err.Error())
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	local := dispatch.NewLocal(dispatch.LocalConfig{Middleware: []dispatch.Middleware{dispatch.LoggingMiddleware(logger)}})
	require.NoError(t, local.Register("ok", func(context.Context, *event.Event) error { return nil }))
	require.NoError(t, local.Register("fails", func(context.Context, *event.Event) error {
		return errors.New("database busy")
	}))
	require.NoError(t, local.Register("panics", func(context.Context, *event.Event) error {
		panic("boom")
	}))

	require.True(t, local.Dispatch(context.Background(), localSub("ok"), testEvent()).Success)
	assert.Contains(t, buf.String(), "handler completed")
	assert.Contains(t, buf.String(), "event_type=order.created")
	assert.NotContains(t, buf.String(), "handler failed")

	buf.Reset()
	require.False(t, local.Dispatch(context.Background(), localSub("fails"), testEvent()).Success)
	assert.Contains(t, buf.String(), "level=WARN msg=\"handler failed\"")
	assert.Contains(t, buf.String(), "database busy")

	// Recovery sits inside the chain, so the logger sees the panic as an error.
	buf.Reset()
	require.False(t, local.Dispatch(context.Background(), localSub("panics"), testEvent()).Success)
	assert.Contains(t, buf.String(), "handler panics: handler panic: boom")

	t.Run("nil logger", func(t *testing.T) {
		fn := dispatch.LoggingMiddleware(nil)(func(context.Context, *event.Event) error { return errors.New("x") })
		assert.EqualError(t, fn(context.Background(), testEvent()), "x")
	})
}

func TestLocal_CanDispatch(t *testing.T) {
	local := dispatch.NewLocal(dispatch.LocalConfig{})
	require.NoError(t, local.Register("h", func(context.Context, *event.Event) error { return nil }))

	assert.True(t, local.CanDispatch(localSub("h")))
	assert.False(t, local.CanDispatch(localSub("other")))

	remote := localSub("h")
	remote.CallbackAddress = "http://example.invalid/hook"
	assert.False(t, local.CanDispatch(remote))
}

func remoteSub(url string) event.Subscription {
	sub := localSub("remote")
	sub.CallbackAddress = url
	return sub
}

func TestRemote_RequestContract(t *testing.T) {
	var req dispatch.RemoteRequest
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(dispatch.RemoteResponse{Success: true})
	}))
	defer srv.Close()

	remote := dispatch.NewRemote(dispatch.RemoteConfig{Headers: map[string]string{"Authorization": "Bearer t"}})
	out := remote.Dispatch(context.Background(), remoteSub(srv.URL), testEvent())

	require.True(t, out.Success, out.Error)
	assert.Equal(t, "evt-1", req.EventID)
	assert.Equal(t, "order.created", req.EventType)
	assert.Equal(t, "tenant-a", req.TenantID)
	assert.JSONEq(t, `{"id":1}`, string(req.Payload))
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "Bearer t", header.Get("Authorization"))
	assert.Equal(t, "evt-1", header.Get("X-Event-Id"))
}

func TestRemote_Outcomes(t *testing.T) {
	retryableFalse := false

	tests := []struct {
		name          string
		status        int
		body          any
		wantSuccess   bool
		wantPermanent bool
		wantContains  string
	}{
		{"success", 200, dispatch.RemoteResponse{Success: true}, true, false, ""},
		{"empty body", 204, nil, true, false, ""},
		{"reported failure", 200, dispatch.RemoteResponse{Error: "ledger locked"}, false, false, "ledger locked"},
		{"reported permanent failure", 200, dispatch.RemoteResponse{Error: "bad tenant", Retryable: &retryableFalse}, false, true, "bad tenant"},
		{"server error", 503, "unavailable", false, false, "HTTP 503"},
		{"client error", 422, "unprocessable", false, true, "HTTP 422"},
		{"rate limited", 429, "slow down", false, false, "HTTP 429"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				switch b := tt.body.(type) {
				case nil:
				case string:
					_, _ = w.Write([]byte(b))
				default:
					_ = json.NewEncoder(w).Encode(b)
				}
			}))
			defer srv.Close()

			out := dispatch.NewRemote(dispatch.RemoteConfig{}).Dispatch(context.Background(), remoteSub(srv.URL), testEvent())
			assert.Equal(t, tt.wantSuccess, out.Success)
			assert.Equal(t, tt.wantPermanent, out.Permanent)
			if tt.wantContains != "" {
				assert.Contains(t, out.Error, tt.wantContains)
			}
		})
	}
}

func TestRemote_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	remote := dispatch.NewRemote(dispatch.RemoteConfig{Timeout: 50 * time.Millisecond})
	out := remote.Dispatch(context.Background(), remoteSub(srv.URL), testEvent())

	assert.False(t, out.Success)
	assert.False(t, out.Permanent)
	assert.Contains(t, out.Error, "timeout")
}

func TestRemote_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := dispatch.NewRemote(dispatch.RemoteConfig{}).Dispatch(context.Background(), remoteSub(url), testEvent())
	assert.False(t, out.Success)
	assert.False(t, out.Permanent)
}

func TestRouter(t *testing.T) {
	var remoteCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteCalls.Add(1)
		_ = json.NewEncoder(w).Encode(dispatch.RemoteResponse{Success: true})
	}))
	defer srv.Close()

	var localCalls atomic.Int32
	local := dispatch.NewLocal(dispatch.LocalConfig{})
	require.NoError(t, local.Register("h", func(context.Context, *event.Event) error {
		localCalls.Add(1)
		return nil
	}))

	router := dispatch.NewRouter(local, dispatch.NewRemote(dispatch.RemoteConfig{}))

	assert.True(t, router.Dispatch(context.Background(), localSub("h"), testEvent()).Success)
	assert.True(t, router.Dispatch(context.Background(), remoteSub(srv.URL), testEvent()).Success)
	assert.Equal(t, int32(1), localCalls.Load())
	assert.Equal(t, int32(1), remoteCalls.Load())

	assert.True(t, router.CanDispatch(localSub("h")))
	assert.False(t, router.CanDispatch(localSub("missing")))
	assert.True(t, router.CanDispatch(remoteSub(srv.URL)))

	localOnly := dispatch.NewRouter(local, nil)
	assert.False(t, localOnly.CanDispatch(remoteSub(srv.URL)))
	out := localOnly.Dispatch(context.Background(), remoteSub(srv.URL), testEvent())
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "no dispatcher")
}
