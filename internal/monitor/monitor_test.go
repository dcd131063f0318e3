package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoelect/internal/eventbus"
	"autoelect/internal/storage"
	logx "autoelect/pkg/logx"
)

func get(t *testing.T, h http.Handler, path, token string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	b, _ := io.ReadAll(rec.Body)
	return rec.Code, string(b)
}

func TestRoutes(t *testing.T) {
	n := 31
	src := Sources{
		Status: func() any { return map[string]any{"running": true} },
		History: func(_ context.Context, limit int) ([]storage.AttemptEntry, error) {
			return []storage.AttemptEntry{{CourseID: "a", Outcome: "elected", Enrolled: &n}}[:min(limit, 1)], nil
		},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "autoelect_up 1\n") }),
	}
	s := New(Config{Enabled: true, Token: "s3cret", Pprof: true}, src, logx.Nop())
	h := s.Handler(context.Background())

	code, body := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "ok")

	code, _ = get(t, h, "/status", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, h, "/status", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = get(t, h, "/status", "s3cret")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"running":true}`, body)

	code, body = get(t, h, "/status?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code, body)

	code, body = get(t, h, "/history?limit=5", "s3cret")
	require.Equal(t, http.StatusOK, code)
	var hist struct {
		Attempts []storage.AttemptEntry `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &hist))
	require.Len(t, hist.Attempts, 1)
	assert.Equal(t, "elected", hist.Attempts[0].Outcome)

	code, _ = get(t, h, "/history?limit=0", "s3cret")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, h, "/metrics", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "autoelect_up 1")

	code, _ = get(t, h, "/debug/pprof/cmdline", "s3cret")
	assert.Equal(t, http.StatusOK, code)
}

func TestUnavailableSources(t *testing.T) {
	s := New(Config{Enabled: true}, Sources{Health: func() error { return errors.New("engine stopped") }}, logx.Nop())
	h := s.Handler(context.Background())

	code, body := get(t, h, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "engine stopped")

	code, _ = get(t, h, "/history", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = get(t, h, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestEventStreamFiltersByType(t *testing.T) {
	bus := eventbus.New()
	s := New(Config{Enabled: true}, Sources{Bus: bus}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(s.Handler(ctx))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?types=" + eventbus.TypeElected
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is made after the upgrade; publish until something arrives.
	got := make(chan eventbus.Event, 1)
	go func() {
		var ev eventbus.Event
		if err := conn.ReadJSON(&ev); err == nil {
			got <- ev
		}
	}()
	deadline := time.After(3 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeAttempt, Data: "skip"})
		bus.Publish(eventbus.Event{Type: eventbus.TypeElected, Data: "won"})
		select {
		case ev := <-got:
			assert.Equal(t, eventbus.TypeElected, ev.Type)
			assert.Equal(t, "won", ev.Data)
			return
		case <-deadline:
			t.Fatal("no event received")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	select {
	case <-s.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not start")
	}
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	assert.Empty(t, s.Addr())
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	assert.True(t, isLoopbackAddr("127.0.0.1:7070"))
	assert.True(t, isLoopbackAddr("localhost:7070"))
	assert.True(t, isLoopbackAddr("[::1]:7070"))
	assert.False(t, isLoopbackAddr(":7070"))
	assert.False(t, isLoopbackAddr("0.0.0.0:7070"))

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := s.serve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errInsecureBind)
}
