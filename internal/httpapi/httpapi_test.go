package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowlayer/workflow/handler"
	"github.com/flowlayer/workflow/internal/httpapi"
	"github.com/flowlayer/workflow/internal/manifest"
	"github.com/flowlayer/workflow/queue/inmemqueue"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
	"github.com/flowlayer/workflow/serialize"
	"github.com/flowlayer/workflow/stream/inmemstream"
)

type memRunStore struct {
	mu   sync.Mutex
	runs map[string]*run.Run
}

func newMemRunStore() *memRunStore { return &memRunStore{runs: make(map[string]*run.Run)} }

func (s *memRunStore) Create(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

func (s *memRunStore) Get(_ context.Context, runID string) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memRunStore) Update(_ context.Context, runID string, patch func(*run.Run)) (*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, run.ErrNotFound
	}
	patch(r)
	cp := *r
	return &cp, nil
}

type memEventStore struct {
	mu     sync.Mutex
	events map[string][]*runlog.Event
}

func newMemEventStore() *memEventStore { return &memEventStore{events: make(map[string][]*runlog.Event)} }

func (s *memEventStore) Append(_ context.Context, e *runlog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.RunID] = append(s.events[e.RunID], e)
	return nil
}

// AppendAndTransition completes runlog.Store for handler.Deps. The webhook
// tests never transition a run, so it appends e and returns no run record.
func (s *memEventStore) AppendAndTransition(ctx context.Context, e *runlog.Event, _ string, _ func(*run.Run)) (*run.Run, error) {
	return nil, s.Append(ctx, e)
}

func (s *memEventStore) List(_ context.Context, runID, _ string, _ int) (runlog.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runlog.Page{Events: s.events[runID]}, nil
}

func (s *memEventStore) All(ctx context.Context, runID string) ([]*runlog.Event, error) {
	p, err := s.List(ctx, runID, "", 0)
	return p.Events, err
}

func newTestServer(t *testing.T) (*httpapi.Server, *memEventStore, *handler.MemoryTokenIndex) {
	t.Helper()
	runs := newMemRunStore()
	events := newMemEventStore()
	tokens := handler.NewMemoryTokenIndex()
	reg := serialize.NewRegistry()

	deps := &handler.Deps{
		Runs:     runs,
		Events:   events,
		Queue:    inmemqueue.New(time.Now),
		Streams:  inmemstream.New(),
		Registry: reg,
		Tokens:   tokens,
	}
	wf := handler.NewWorkflow(deps)
	step := handler.NewStep(deps)
	wh := handler.NewWebhook(deps)

	man := &manifest.Manifest{Version: 1}

	require.NoError(t, runs.Create(context.Background(), &run.Run{RunID: "wrun_1", WorkflowName: "greet", Status: run.StatusRunning}))

	srv := &httpapi.Server{
		WorkflowHandler: wf.HandleMessage,
		StepHandler:     step.HandleMessage,
		Webhook:         wh,
		Manifest:        man,
	}
	return srv, events, tokens
}

func TestFlowEndpointAnswersHealthQueryWithoutTouchingQueue(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Mount(mux)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/workflow/v1/flow?__health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "ok")
}

func TestManifestEndpointServesLoadedManifest(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Mount(mux)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/workflow/v1/manifest.json", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var got manifest.Manifest
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Equal(t, 1, got.Version)
}

func TestManifestEndpointPrefersPublicOverride(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.PublicManifest = []byte(`{"version":2,"workflows":{},"steps":{}}`)
	mux := http.NewServeMux()
	srv.Mount(mux)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/workflow/v1/manifest.json", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"version":2,"workflows":{},"steps":{}}`, rr.Body.String())
}

func TestWebhookEndpointAppendsHookReceivedAndResolvesDisposal(t *testing.T) {
	srv, events, tokens := newTestServer(t)
	require.NoError(t, tokens.Register(context.Background(), "tok-abc", "wrun_1", "corr-1"))
	mux := http.NewServeMux()
	srv.Mount(mux)

	body := strings.NewReader(`{"text":"hello","done":true}`)
	path := "/.well-known/workflow/v1/webhook/" + url.PathEscape("tok-abc")
	req := httptest.NewRequest(http.MethodPost, path, body)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	recorded, err := events.All(context.Background(), "wrun_1")
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	require.Equal(t, runlog.EventHookReceived, recorded[0].EventType)
	require.Equal(t, runlog.EventHookDisposed, recorded[1].EventType)
}

func TestWebhookEndpointRejectsUnknownToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.Mount(mux)

	req := httptest.NewRequest(http.MethodPost, "/.well-known/workflow/v1/webhook/does-not-exist", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}
