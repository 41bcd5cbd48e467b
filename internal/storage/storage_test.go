package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func record(thread string, i int) Record {
	return Record{
		MessageID: fmt.Sprintf("%s-%02d", thread, i),
		ThreadID:  thread,
		Role:      "user",
		Content:   fmt.Sprintf("message %d", i),
		Timestamp: time.Unix(1700000000+int64(i), 0),
	}
}

func testLogs(t *testing.T) map[string]MessageLog {
	t.Helper()
	sqlLog, err := OpenSQLLog("sqlite", filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlLog.Close() })

	return map[string]MessageLog{
		"memory": NewMemoryLog(),
		"sql":    sqlLog,
	}
}

func TestMessageLog_ListByThread(t *testing.T) {
	for name, messageLog := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, messageLog.Create(ctx, record("a", i)))
			}
			require.NoError(t, messageLog.Create(ctx, record("b", 0)))

			all, err := messageLog.ListByThread(ctx, "a", 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "a-00", all[0].MessageID)
			assert.Equal(t, "a-04", all[4].MessageID)
			assert.True(t, all[2].Timestamp.Equal(time.Unix(1700000002, 0)))

			tail, err := messageLog.ListByThread(ctx, "a", 2)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, "a-03", tail[0].MessageID)
			assert.Equal(t, "a-04", tail[1].MessageID)

			none, err := messageLog.ListByThread(ctx, "missing", 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSQLLog_Stats(t *testing.T) {
	sqlLog, err := OpenSQLLog("sqlite", filepath.Join(t.TempDir(), "nested", "messages.db"))
	require.NoError(t, err)
	defer sqlLog.Close()

	ctx := context.Background()
	require.NoError(t, sqlLog.Create(ctx, record("a", 0)))
	require.NoError(t, sqlLog.Create(ctx, record("b", 0)))

	require.NoError(t, sqlLog.Create(ctx, record("b", 1)))
	stats, err := sqlLog.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, LogStats{Messages: 3, Threads: 2}, stats)

	// Duplicate IDs are rejected
	assert.Error(t, sqlLog.Create(ctx, record("a", 0)))
}

func TestLogs_Stats(t *testing.T) {
	for name, messageLog := range testLogs(t) {
		t.Run(name, func(t *testing.T) {
			reporter, ok := messageLog.(StatsReporter)
			require.True(t, ok)

			ctx := context.Background()
			stats, err := reporter.Stats(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats)

			require.NoError(t, messageLog.Create(ctx, record("x", 0)))
			require.NoError(t, messageLog.Create(ctx, record("x", 1)))
			require.NoError(t, messageLog.Create(ctx, record("y", 0)))

			stats, err = reporter.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, LogStats{Messages: 3, Threads: 2}, stats)
		})
	}
}

type failingLog struct {
	calls atomic.Int32
}

func (f *failingLog) Create(context.Context, Record) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func (f *failingLog) ListByThread(context.Context, string, int) ([]Record, error) {
	return nil, nil
}

func TestWriter_PersistsInBackground(t *testing.T) {
	memory := NewMemoryLog()
	w := NewWriter(memory, WriterOptions{Logger: log.New(io.Discard)})

	w.Enqueue(record("a", 0), record("a", 1))
	require.NoError(t, w.Flush(context.Background()))

	records, err := memory.ListByThread(context.Background(), "a", 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int64(2), w.Stats().Written)

	require.NoError(t, w.Close(context.Background()))
	w.Enqueue(record("a", 2))
	assert.Equal(t, int64(1), w.Stats().Dropped)
	assert.ErrorIs(t, w.Flush(context.Background()), ErrClosed)
}

func TestWriter_SwallowsFailures(t *testing.T) {
	failing := &failingLog{}
	w := NewWriter(failing, WriterOptions{Logger: log.New(io.Discard)})
	defer w.Close(context.Background())

	w.Enqueue(record("a", 0), record("a", 1))
	require.NoError(t, w.Flush(context.Background()))

	assert.Equal(t, int32(2), failing.calls.Load())
	assert.Equal(t, int64(2), w.Stats().Failed)
	assert.Zero(t, w.Stats().Written)
}
