package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/entrepeneur4lyf/chatgate/internal/llm"
	"github.com/entrepeneur4lyf/chatgate/internal/storage"
)

// scriptedProvider replies with a fixed text or error and records concurrency
type scriptedProvider struct {
	reply string
	err   error
	delay time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32

	mu       sync.Mutex
	requests []llm.Request
}

func (p *scriptedProvider) Name() string                    { return "scripted" }
func (p *scriptedProvider) Initialize(context.Context) bool { return p.err == nil }
func (p *scriptedProvider) IsAvailable() bool               { return p.err == nil }
func (p *scriptedProvider) LastError() *llm.ErrorInfo       { return nil }

func (p *scriptedProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		seen := p.maxSeen.Load()
		if n <= seen || p.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func (p *scriptedProvider) lastRequest() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

type recordingPersister struct {
	mu      sync.Mutex
	records []storage.Record
}

func (r *recordingPersister) Enqueue(records ...storage.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

func (r *recordingPersister) all() []storage.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Record(nil), r.records...)
}

var errBackendDown = errors.New("backend down")

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestResponder(p llm.Provider, disableFallback bool) *Responder {
	return NewResponder(p, ResponderOptions{DisableFallback: disableFallback, Logger: quietLogger()})
}

func threadName(i int) string {
	return fmt.Sprintf("thread-%d", i)
}
