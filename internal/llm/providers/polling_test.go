package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

// fakeBackend scripts the submit/status protocol
type fakeBackend struct {
	t        *testing.T
	statuses []map[string]any

	mu          sync.Mutex
	polls       int
	submitted   []submitRequest
	verifyCalls atomic.Int32
	verifyCode  int
	verifyDelay time.Duration
	submitBody  string
	submitCode  int
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		b.verifyCalls.Add(1)
		if b.verifyDelay > 0 {
			time.Sleep(b.verifyDelay)
		}
		if b.verifyCode != 0 {
			w.WriteHeader(b.verifyCode)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/chat/submit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(b.t, "secret", r.Header.Get("X-API-Key"))
		var req submitRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(b.t, json.Unmarshal(body, &req))

		b.mu.Lock()
		b.submitted = append(b.submitted, req)
		b.mu.Unlock()

		if b.submitCode != 0 {
			w.WriteHeader(b.submitCode)
		}
		if b.submitBody != "" {
			w.Write([]byte(b.submitBody))
			return
		}
		w.Write([]byte(`{"requestId":"job-1"}`))
	})
	mux.HandleFunc("/api/chat/status/job-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(b.t, "secret", r.Header.Get("X-API-Key"))
		b.mu.Lock()
		idx := b.polls
		if idx >= len(b.statuses) {
			idx = len(b.statuses) - 1
		}
		b.polls++
		b.mu.Unlock()
		json.NewEncoder(w).Encode(b.statuses[idx])
	})
	return mux
}

func newTestProvider(t *testing.T, backend *fakeBackend, timeout time.Duration) *PollingProvider {
	t.Helper()
	backend.t = t
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	p := NewPollingProvider(PollingConfig{
		BaseURL:      srv.URL,
		APIKey:       "secret",
		PollInterval: 5 * time.Millisecond,
		Timeout:      timeout,
		Logger:       log.New(io.Discard),
	})
	require.True(t, p.Initialize(context.Background()))
	return p
}

func userRequest(text string) llm.Request {
	return llm.Request{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Messages: []llm.Message{
			llm.NewHiddenMessage(llm.RoleSystem, "greeting"),
			llm.NewMessage(llm.RoleUser, text),
		},
	}
}

func TestPollingProvider_CompletesAfterRunning(t *testing.T) {
	backend := &fakeBackend{statuses: []map[string]any{
		{"status": "running", "progress": 20},
		{"status": "running", "progress": 60},
		{"status": "complete", "response": "hi"},
	}}
	p := newTestProvider(t, backend, time.Second)

	var progress []float64
	req := userRequest("hello there")
	req.OnProgress = func(v float64, _ string) { progress = append(progress, v) }

	text, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
	assert.Equal(t, []float64{0, 0.2, 0.6, 1}, progress)

	require.Len(t, backend.submitted, 1)
	assert.Equal(t, "hello there", backend.submitted[0].Message)
	assert.Equal(t, "user-1", backend.submitted[0].UserID)
	assert.Equal(t, "thread-1", backend.submitted[0].ChatID)
}

func TestPollingProvider_NarratesRunningJobs(t *testing.T) {
	backend := &fakeBackend{statuses: []map[string]any{
		{"status": "running", "message": "Reading the release notes"},
		{"status": "running", "message": "Reading the release notes"},
		{"status": "running", "message": "  "},
		{"status": "running", "message": "Drafting an answer"},
		{"status": "complete", "response": "done", "message": "finished"},
	}}
	p := newTestProvider(t, backend, time.Second)

	var narration []string
	req := userRequest("what changed?")
	req.OnNarrative = func(text string) { narration = append(narration, text) }

	text, err := p.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "done", text)
	assert.Equal(t, []string{"Reading the release notes", "Drafting an answer"}, narration)
}

func TestPollingProvider_BackendError(t *testing.T) {
	backend := &fakeBackend{statuses: []map[string]any{
		{"status": "running"},
		{"status": "error", "message": "boom"},
	}}
	p := newTestProvider(t, backend, time.Second)

	_, err := p.Generate(context.Background(), userRequest("hello"))
	var genErr *llm.GenerationError
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, "boom", genErr.Message)

	info := p.LastError()
	require.NotNil(t, info)
	assert.Equal(t, llm.ErrorTypeGeneration, info.Type)
	assert.True(t, p.IsAvailable(), "a failed job must not disable the provider")
}

func TestPollingProvider_Timeout(t *testing.T) {
	backend := &fakeBackend{statuses: []map[string]any{{"status": "running"}}}
	p := newTestProvider(t, backend, 60*time.Millisecond)

	start := time.Now()
	_, err := p.Generate(context.Background(), userRequest("hello"))
	require.ErrorIs(t, err, llm.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, llm.ErrorTypeTimeout, p.LastError().Type)
}

func TestPollingProvider_CancelStopsPolling(t *testing.T) {
	backend := &fakeBackend{statuses: []map[string]any{{"status": "running"}}}
	p := newTestProvider(t, backend, 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := p.Generate(ctx, userRequest("hello"))
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, llm.ErrTimeout))
	assert.Nil(t, p.LastError(), "caller cancellation is not a backend fault")

	backend.mu.Lock()
	polls := backend.polls
	backend.mu.Unlock()
	time.Sleep(30 * time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, polls, backend.polls, "no polling after cancellation")
}

func TestPollingProvider_SubmitFailures(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
	}{
		{name: "non-success status", code: http.StatusBadGateway, body: `{"requestId":"job-1"}`},
		{name: "non-JSON body", body: `<html>oops</html>`},
		{name: "missing requestId", body: `{"queued":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{
				statuses:   []map[string]any{{"status": "complete", "response": "never"}},
				submitCode: tt.code,
				submitBody: tt.body,
			}
			p := newTestProvider(t, backend, time.Second)

			_, err := p.Generate(context.Background(), userRequest("hello"))
			var genErr *llm.GenerationError
			require.ErrorAs(t, err, &genErr)
			assert.Zero(t, backend.polls)
		})
	}
}

func TestPollingProvider_UnmatchedShape(t *testing.T) {
	statuses := []map[string]any{{"status": "complete", "weird": map[string]any{"x": 1}}}

	t.Run("placeholder by default", func(t *testing.T) {
		p := newTestProvider(t, &fakeBackend{statuses: statuses}, time.Second)
		text, err := p.Generate(context.Background(), userRequest("hello"))
		require.NoError(t, err)
		assert.Contains(t, text, "no readable answer")
		assert.Contains(t, text, "weird")
	})

	t.Run("strict mode", func(t *testing.T) {
		p := newTestProvider(t, &fakeBackend{statuses: statuses}, time.Second)
		p.cfg.StrictResponseShapes = true
		_, err := p.Generate(context.Background(), userRequest("hello"))
		require.ErrorIs(t, err, llm.ErrUnparseableResponse)
	})
}

func TestPollingProvider_Initialize(t *testing.T) {
	t.Run("unavailable before initialize", func(t *testing.T) {
		p := NewPollingProvider(PollingConfig{BaseURL: "http://127.0.0.1:1", Logger: log.New(io.Discard)})
		_, err := p.Generate(context.Background(), userRequest("hello"))
		require.ErrorIs(t, err, llm.ErrProviderUnavailable)
	})

	t.Run("unreachable backend records error info", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		p := NewPollingProvider(PollingConfig{BaseURL: url, Logger: log.New(io.Discard)})
		assert.False(t, p.Initialize(context.Background()))
		assert.False(t, p.IsAvailable())

		info := p.LastError()
		require.NotNil(t, info)
		assert.Equal(t, llm.ErrorTypeNetwork, info.Type)
		assert.NotEmpty(t, info.UserMessage)
		assert.False(t, info.Timestamp.IsZero())

		_, err := p.Generate(context.Background(), userRequest("hello"))
		require.ErrorIs(t, err, llm.ErrProviderUnavailable)
	})

	t.Run("rejected key", func(t *testing.T) {
		backend := &fakeBackend{t: t, verifyCode: http.StatusUnauthorized}
		srv := httptest.NewServer(backend.handler())
		defer srv.Close()

		p := NewPollingProvider(PollingConfig{BaseURL: srv.URL, Logger: log.New(io.Discard)})
		assert.False(t, p.Initialize(context.Background()))
		assert.Equal(t, llm.ErrorTypeAuth, p.LastError().Type)
	})

	t.Run("concurrent calls share one attempt", func(t *testing.T) {
		backend := &fakeBackend{t: t, verifyDelay: 50 * time.Millisecond}
		srv := httptest.NewServer(backend.handler())
		defer srv.Close()

		p := NewPollingProvider(PollingConfig{BaseURL: srv.URL, Logger: log.New(io.Discard)})

		var wg sync.WaitGroup
		results := make([]bool, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = p.Initialize(context.Background())
			}(i)
		}
		wg.Wait()

		for _, ok := range results {
			assert.True(t, ok)
		}
		assert.Equal(t, int32(1), backend.verifyCalls.Load())
		assert.True(t, p.IsAvailable())
	})
}

func TestPollingProvider_SubmitRetry(t *testing.T) {
	var submits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/chat/submit", func(w http.ResponseWriter, r *http.Request) {
		if submits.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"requestId":"job-1"}`))
	})
	mux.HandleFunc("/api/chat/status/job-1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"complete","response":"after retry"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewPollingProvider(PollingConfig{
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		Timeout:      time.Second,
		SubmitRetry:  RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond},
		Logger:       log.New(io.Discard),
	})
	require.True(t, p.Initialize(context.Background()))

	text, err := p.Generate(context.Background(), userRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "after retry", text)
	assert.Equal(t, int32(2), submits.Load())
}
