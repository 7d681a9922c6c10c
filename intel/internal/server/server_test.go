package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-intel/intel/internal/backend"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/observable"
	"github.com/telhawk-systems/telhawk-intel/intel/internal/worker"
)

type collectSink struct {
	mu  sync.Mutex
	got []*observable.Observable
	err error
}

func (s *collectSink) Submit(_ context.Context, o *observable.Observable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, o)
	return nil
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/observables", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCount  int
		wantError  string
	}{
		{
			name:       "single object",
			body:       `{"observable":"example.com","tags":["malware"],"provider":"Example.ORG"}`,
			wantStatus: http.StatusAccepted,
			wantCount:  1,
		},
		{
			name:       "array",
			body:       `[{"observable":"192.0.2.1"},{"observable":"http://example.com/a.exe","confidence":85}]`,
			wantStatus: http.StatusAccepted,
			wantCount:  2,
		},
		{name: "empty body", body: "  ", wantStatus: http.StatusBadRequest, wantError: "empty request body"},
		{name: "empty array", body: "[]", wantStatus: http.StatusBadRequest, wantError: "empty observable list"},
		{name: "malformed array", body: `[{"observable":`, wantStatus: http.StatusBadRequest, wantError: "invalid JSON array"},
		{name: "not an object", body: `"example.com"`, wantStatus: http.StatusBadRequest, wantError: "invalid observables"},
		{
			name:       "one bad entry rejects all",
			body:       `[{"observable":"example.com"},{"observable":"not an observable"}]`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid observables",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &collectSink{}
			s := New(Config{}, sink, nil)

			rr := post(t, s.Handler(), tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Len(t, sink.got, tt.wantCount)

			if tt.wantError != "" {
				var resp map[string]any
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Contains(t, resp["error"], tt.wantError)
				return
			}

			var resp SubmitResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantCount, resp.Accepted)
			require.Len(t, resp.IDs, tt.wantCount)
			for i, o := range sink.got {
				assert.Equal(t, o.ID, resp.IDs[i])
			}
		})
	}
}

func TestSubmit_BadEntryDetails(t *testing.T) {
	s := New(Config{}, &collectSink{}, nil)
	rr := post(t, s.Handler(), `[{"observable":"example.com"},{"observable":"example.com","confidence":"high"}]`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	var resp struct {
		Details []string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.Details, 1)
	assert.True(t, strings.HasPrefix(resp.Details[0], "1: "))
}

func TestSubmit_Normalizes(t *testing.T) {
	sink := &collectSink{}
	s := New(Config{}, sink, nil)
	rr := post(t, s.Handler(), `{"observable":"example.com","provider":"Example.ORG"}`)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, sink.got, 1)
	assert.Equal(t, observable.TypeFQDN, sink.got[0].Type)
	assert.Equal(t, "example.org", sink.got[0].Provider)
}

func TestSubmit_BodyTooLarge(t *testing.T) {
	s := New(Config{MaxBodyBytes: 16}, &collectSink{}, nil)
	rr := post(t, s.Handler(), `{"observable":"a-rather-long-name.example.com"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestSubmit_QueueClosed(t *testing.T) {
	q := worker.NewQueue(4)
	q.Close()

	s := New(Config{}, q, nil)
	rr := post(t, s.Handler(), `[{"observable":"example.com"}]`)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "5", rr.Header().Get("Retry-After"))
	assert.Contains(t, rr.Body.String(), `"accepted":0`)
}

func TestSubmit_IntoQueue(t *testing.T) {
	q := worker.NewQueue(4)
	s := New(Config{}, q, nil)

	rr := post(t, s.Handler(), `[{"observable":"example.com"},{"observable":"192.0.2.7"}]`)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 2, q.Len())

	msg, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.KindData, msg.Kind)
	assert.Equal(t, "example.com", msg.Observable.Value)
}

func TestSubmit_MethodNotAllowed(t *testing.T) {
	s := New(Config{}, &collectSink{}, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/observables", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     map[string]Check
		wantStatus int
		wantBody   HealthResponse
	}{
		{
			name:       "no checks",
			wantStatus: http.StatusOK,
			wantBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:       "backend up",
			checks:     map[string]Check{"backend": PingCheck(backend.NewMemory(backend.NewMemoryStore()))},
			wantStatus: http.StatusOK,
			wantBody:   HealthResponse{Status: "healthy", Checks: map[string]string{"backend": "ok"}},
		},
		{
			name: "broker down",
			checks: map[string]Check{
				"backend": func(context.Context) error { return nil },
				"broker":  BrokerCheck(fakeConn{}),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody: HealthResponse{Status: "unhealthy", Checks: map[string]string{
				"backend": "ok",
				"broker":  "not connected to broker",
			}},
		},
		{
			name:       "backend error",
			checks:     map[string]Check{"backend": func(context.Context) error { return errors.New("connection refused") }},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   HealthResponse{Status: "unhealthy", Checks: map[string]string{"backend": "connection refused"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, &collectSink{}, nil)
			for name, c := range tt.checks {
				s.AddCheck(name, c)
			}

			rr := httptest.NewRecorder()
			s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tt.wantStatus, rr.Code)

			var got HealthResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
			assert.Equal(t, tt.wantBody.Status, got.Status)
			if len(tt.wantBody.Checks) > 0 {
				assert.Equal(t, tt.wantBody.Checks, got.Checks)
			} else {
				assert.Empty(t, got.Checks)
			}
		})
	}
}

type fakeConn struct{ connected bool }

func (c fakeConn) IsConnected() bool { return c.connected }

func TestMetrics(t *testing.T) {
	s := New(Config{}, &collectSink{}, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestRequestIDHeader(t *testing.T) {
	s := New(Config{}, &collectSink{}, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}
