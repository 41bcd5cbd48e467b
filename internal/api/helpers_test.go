package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/chatgate/internal/auth"
	"github.com/entrepeneur4lyf/chatgate/internal/chat"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

const (
	chatKey    = "cg_chat_key_for_tests_0001"
	limitedKey = "cg_limited_key_for_tests_01"
	readKey    = "cg_read_key_for_tests_00001"
	adminKey   = "cg_admin_key_for_tests_0001"
)

// stubProvider answers with a fixed reply, optionally reporting progress and
// narration first
type stubProvider struct {
	reply    string
	err      error
	progress []float64
	narrate  []string

	// started, when set, is closed once Generate runs and Generate then
	// waits for cancellation
	started chan struct{}
}

func (p *stubProvider) Name() string                    { return "stub" }
func (p *stubProvider) Initialize(context.Context) bool { return p.err == nil }
func (p *stubProvider) IsAvailable() bool               { return p.err == nil }
func (p *stubProvider) LastError() *llm.ErrorInfo       { return nil }

func (p *stubProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	for _, value := range p.progress {
		req.ReportProgress(value, "running")
	}
	for _, text := range p.narrate {
		req.Narrate(text)
	}
	if p.started != nil {
		close(p.started)
		<-ctx.Done()
		return "", fmt.Errorf("generation cancelled: %w", ctx.Err())
	}
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func testKeys() []auth.APIKeyRecord {
	return []auth.APIKeyRecord{
		{Key: chatKey, Name: "chat-client", Permissions: []string{auth.PermissionChat}, RateLimit: 100, IsActive: true},
		{Key: limitedKey, Name: "limited", Permissions: []string{auth.PermissionChat}, RateLimit: 2, IsActive: true},
		{Key: readKey, Name: "reader", Permissions: []string{auth.PermissionRead}, RateLimit: 100, IsActive: true},
		{Key: adminKey, Name: "admin", Permissions: []string{auth.PermissionAdmin}, RateLimit: 100, IsActive: true},
	}
}

func newTestServer(t *testing.T, provider llm.Provider) (*Server, *httptest.Server) {
	t.Helper()
	logger := log.New(io.Discard)

	responder := chat.NewResponder(provider, chat.ResponderOptions{Logger: logger})
	services := Services{
		Responder:     responder,
		Conversations: chat.NewConversationStore(responder, chat.StoreOptions{Logger: logger}),
		Projects:      chat.NewProjectRegistry(responder, nil, logger),
		Gate:          auth.NewGate(auth.NewAuthenticator(logger, testKeys()...), auth.NewRateLimiter(time.Minute)),
	}

	server := NewServer(services, Options{Logger: logger})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		server.Gateway().CloseAll()
		ts.Close()
	})
	return server, ts
}

func doRequest(t *testing.T, ts *httptest.Server, method, path, key, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}
