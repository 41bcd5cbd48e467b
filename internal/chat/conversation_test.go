package chat

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/chatgate/internal/llm"
	"github.com/entrepeneur4lyf/chatgate/internal/llm/providers"
	"github.com/entrepeneur4lyf/chatgate/internal/storage"
)

func newTestStore(p llm.Provider, opts StoreOptions) *ConversationStore {
	opts.Logger = quietLogger()
	return NewConversationStore(newTestResponder(p, false), opts)
}

func TestConversationStore_SendMessage(t *testing.T) {
	provider := &scriptedProvider{reply: "hello back"}
	persister := &recordingPersister{}
	store := newTestStore(provider, StoreOptions{Persist: persister})

	result, err := store.SendMessage(context.Background(), "t1", "hello", WithUserID("u1"), WithFullHistory())
	require.NoError(t, err)

	assert.Equal(t, "hello back", result.Content)
	assert.False(t, result.Degraded)
	assert.Equal(t, "t1", result.Summary.ID)
	assert.Equal(t, "hello", result.Summary.Title)
	assert.Equal(t, 2, result.Summary.MessageCount)

	require.Len(t, result.Messages, 2)
	assert.Equal(t, llm.RoleUser, result.Messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, result.Messages[1].Role)

	// The provider sees the hidden greeting followed by the new user message
	req := provider.lastRequest()
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, "t1", req.ThreadID)
	require.Len(t, req.Messages, 2)
	assert.True(t, req.Messages[0].Hidden)
	assert.Equal(t, "hello", req.Messages[1].Content)

	records := persister.all()
	require.Len(t, records, 2)
	assert.Equal(t, "user", records[0].Role)
	assert.Equal(t, "assistant", records[1].Role)
	assert.Equal(t, "t1", records[1].ThreadID)
}

func TestConversationStore_SendMessageWithoutHistoryReplay(t *testing.T) {
	store := newTestStore(&scriptedProvider{reply: "ok"}, StoreOptions{})
	result, err := store.SendMessage(context.Background(), "t1", "hi")
	require.NoError(t, err)
	assert.Nil(t, result.Messages)
}

func TestConversationStore_InvalidArguments(t *testing.T) {
	store := newTestStore(&scriptedProvider{reply: "ok"}, StoreOptions{})

	_, err := store.SendMessage(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = store.SendMessage(context.Background(), "t1", "   ")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	assert.Empty(t, store.ListConversations())
}

func TestConversationStore_AppendsOnePairPerCall(t *testing.T) {
	providers := map[string]llm.Provider{
		"backend":  &scriptedProvider{reply: "remote"},
		"fallback": &scriptedProvider{err: errBackendDown},
	}

	for name, p := range providers {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(p, StoreOptions{})
			for i := 0; i < 3; i++ {
				_, err := store.SendMessage(context.Background(), "t1", "status please")
				require.NoError(t, err)
			}

			conv, err := store.GetConversation(context.Background(), "t1")
			require.NoError(t, err)
			require.Len(t, conv.Messages, 6)
			for i, msg := range conv.Messages {
				expected := llm.RoleUser
				if i%2 == 1 {
					expected = llm.RoleAssistant
				}
				assert.Equal(t, expected, msg.Role, "message %d", i)
				assert.False(t, msg.Hidden)
			}
		})
	}
}

func TestConversationStore_FallbackReplyIsMarked(t *testing.T) {
	store := newTestStore(&scriptedProvider{err: errBackendDown}, StoreOptions{})

	result, err := store.SendMessage(context.Background(), "t1", "what's the status?")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, "local", result.Provider)
	assert.Contains(t, result.Content, OfflineNotice)
}

func TestConversationStore_FallbackDisabled(t *testing.T) {
	responder := newTestResponder(&scriptedProvider{err: errBackendDown}, true)
	store := NewConversationStore(responder, StoreOptions{Logger: quietLogger()})

	_, err := store.SendMessage(context.Background(), "t1", "hi")
	require.ErrorIs(t, err, errBackendDown)

	// A failed turn leaves no half-written exchange behind
	conv, err := store.GetConversation(context.Background(), "t1")
	require.NoError(t, err)
	assert.Empty(t, conv.Messages)
}

func TestConversationStore_SerializesPerThread(t *testing.T) {
	provider := &scriptedProvider{reply: "ok", delay: 5 * time.Millisecond}
	store := newTestStore(provider, StoreOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.SendMessage(context.Background(), "shared", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), provider.maxSeen.Load())

	conv, err := store.GetConversation(context.Background(), "shared")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 16)
	for i := 0; i < len(conv.Messages); i += 2 {
		assert.Equal(t, llm.RoleUser, conv.Messages[i].Role)
		assert.Equal(t, llm.RoleAssistant, conv.Messages[i+1].Role)
	}
}

func TestConversationStore_ThreadsRunIndependently(t *testing.T) {
	provider := &scriptedProvider{reply: "ok", delay: 20 * time.Millisecond}
	store := newTestStore(provider, StoreOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.SendMessage(context.Background(), threadName(i), "hello")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Greater(t, provider.maxSeen.Load(), int32(1))
	assert.Len(t, store.ListConversations(), 4)
}

func TestConversationStore_GetConversation(t *testing.T) {
	ctx := context.Background()
	history := storage.NewMemoryLog()
	base := time.Now().Add(-time.Hour)
	require.NoError(t, history.Create(ctx, storage.Record{MessageID: "m1", ThreadID: "old", Role: "user", Content: "first question", Timestamp: base}))
	require.NoError(t, history.Create(ctx, storage.Record{MessageID: "m2", ThreadID: "old", Role: "assistant", Content: "first answer", Timestamp: base.Add(time.Second)}))

	provider := &scriptedProvider{reply: "second answer"}
	store := newTestStore(provider, StoreOptions{History: history})

	conv, err := store.GetConversation(ctx, "old")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "first question", conv.Messages[0].Content)
	assert.Equal(t, "first question", conv.Metadata.Title)
	assert.True(t, conv.CreatedAt.Equal(base))

	// Restored threads are cached and continue with their history
	assert.Len(t, store.ListConversations(), 1)
	_, err = store.SendMessage(ctx, "old", "second question")
	require.NoError(t, err)
	req := provider.lastRequest()
	require.Len(t, req.Messages, 4)
	assert.True(t, req.Messages[0].Hidden)
	assert.Equal(t, "first answer", req.Messages[2].Content)

	_, err = store.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationStore_ListAndDelete(t *testing.T) {
	store := newTestStore(&scriptedProvider{reply: "ok"}, StoreOptions{})
	ctx := context.Background()

	_, err := store.SendMessage(ctx, "a", "first")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.SendMessage(ctx, "b", "second")
	require.NoError(t, err)

	summaries := store.ListConversations()
	require.Len(t, summaries, 2)
	assert.Equal(t, "b", summaries[0].ID)
	assert.Equal(t, "a", summaries[1].ID)

	assert.True(t, store.DeleteConversation("a"))
	assert.False(t, store.DeleteConversation("a"))
	_, err = store.GetConversation(ctx, "a")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationStore_SetProvider(t *testing.T) {
	store := newTestStore(&scriptedProvider{err: errBackendDown}, StoreOptions{})

	replacement := &scriptedProvider{reply: "from replacement"}
	store.SetProvider(replacement)
	assert.Same(t, replacement, store.Provider())

	result, err := store.SendMessage(context.Background(), "t1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "from replacement", result.Content)
}

func TestConversationStore_PersistenceFailureIsSwallowed(t *testing.T) {
	writer := storage.NewWriter(failingLog{}, storage.WriterOptions{Logger: quietLogger()})
	defer writer.Close(context.Background())

	store := newTestStore(&scriptedProvider{reply: "ok"}, StoreOptions{Persist: writer})
	result, err := store.SendMessage(context.Background(), "t1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Content)

	require.NoError(t, writer.Flush(context.Background()))
	assert.Equal(t, int64(2), writer.Stats().Failed)
}

type failingLog struct{}

func (failingLog) Create(context.Context, storage.Record) error {
	return errBackendDown
}

func (failingLog) ListByThread(context.Context, string, int) ([]storage.Record, error) {
	return nil, errBackendDown
}

// stalledBackend accepts jobs that never finish
func stalledBackend(t *testing.T) *providers.PollingProvider {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/health":
			w.Write([]byte(`{"ok":true}`))
		case "/api/chat/submit":
			w.Write([]byte(`{"requestId":"job-1"}`))
		default:
			w.Write([]byte(`{"status":"running"}`))
		}
	}))
	t.Cleanup(srv.Close)

	p := providers.NewPollingProvider(providers.PollingConfig{
		BaseURL:      srv.URL,
		PollInterval: 5 * time.Millisecond,
		Timeout:      10 * time.Second,
		Logger:       log.New(io.Discard),
	})
	require.True(t, p.Initialize(context.Background()))
	return p
}

func TestConversationStore_CancelledSendLeavesNoTrace(t *testing.T) {
	tests := []struct {
		name    string
		ctx     func() (context.Context, context.CancelFunc)
		wantErr error
	}{
		{
			name: "deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 100*time.Millisecond)
			},
			wantErr: context.DeadlineExceeded,
		},
		{
			name: "cancel",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(50*time.Millisecond, cancel)
				return ctx, cancel
			},
			wantErr: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			persister := &recordingPersister{}
			store := newTestStore(stalledBackend(t), StoreOptions{Persist: persister})

			ctx, cancel := tt.ctx()
			defer cancel()
			result, err := store.SendMessage(ctx, "t1", "status?")
			require.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, result)

			conv, err := store.GetConversation(context.Background(), "t1")
			require.NoError(t, err)
			assert.Empty(t, conv.Messages)
			assert.Zero(t, conv.Metadata.MessageCount)
			assert.Empty(t, persister.all())
		})
	}
}
