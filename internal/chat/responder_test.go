package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

func TestResponder_Respond(t *testing.T) {
	req := llm.Request{
		ThreadID: "t1",
		Messages: []llm.Message{llm.NewMessage(llm.RoleUser, "what is the status?")},
	}

	t.Run("active provider answers", func(t *testing.T) {
		r := newTestResponder(&scriptedProvider{reply: "all green"}, false)
		reply, err := r.Respond(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, Reply{Content: "all green", Provider: "scripted"}, reply)
	})

	t.Run("failure falls back with offline notice", func(t *testing.T) {
		r := newTestResponder(&scriptedProvider{err: errBackendDown}, false)
		reply, err := r.Respond(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, reply.Degraded)
		assert.Equal(t, "local", reply.Provider)
		assert.Contains(t, reply.Content, OfflineNotice)
		assert.Contains(t, reply.Content, "Here is where things stand")
	})

	t.Run("disabled fallback surfaces the error", func(t *testing.T) {
		r := newTestResponder(&scriptedProvider{err: errBackendDown}, true)
		_, err := r.Respond(context.Background(), req)
		assert.ErrorIs(t, err, errBackendDown)
	})

	t.Run("cancelled caller gets no fallback", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := newTestResponder(&scriptedProvider{err: errBackendDown}, false)
		reply, err := r.Respond(ctx, req)
		require.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errBackendDown)
		assert.Equal(t, Reply{}, reply)
	})

	t.Run("no provider uses the fallback directly", func(t *testing.T) {
		r := newTestResponder(nil, false)
		reply, err := r.Respond(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "local", reply.Provider)
		assert.False(t, reply.Degraded)
	})
}

func TestResponder_SetProviderAndStatus(t *testing.T) {
	r := newTestResponder(&scriptedProvider{err: errBackendDown}, false)
	assert.False(t, r.Status().Available)
	assert.True(t, r.Status().FallbackEnabled)
	assert.False(t, r.Initialize(context.Background()))

	r.SetProvider(&scriptedProvider{reply: "ok"})
	assert.True(t, r.Initialize(context.Background()))

	status := r.Status()
	assert.Equal(t, "scripted", status.Name)
	assert.True(t, status.Available)
	assert.Nil(t, status.LastError)
}
