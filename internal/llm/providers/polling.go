package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"

	"github.com/entrepeneur4lyf/chatgate/internal/llm"
)

const (
	defaultSubmitPath   = "/api/chat/submit"
	defaultVerifyPath   = "/api/health"
	statusPathPrefix    = "/api/chat/status/"
	defaultPollInterval = 1 * time.Second
	defaultPollTimeout  = 120 * time.Second
	maxResponseBytes    = 4 << 20
)

// Backend job statuses
const (
	jobRunning  = "running"
	jobComplete = "complete"
	jobError    = "error"
)

// PollingConfig configures the asynchronous backend provider
type PollingConfig struct {
	BaseURL    string
	SubmitPath string
	VerifyPath string
	APIKey     string

	// PollInterval is the delay between status checks
	PollInterval time.Duration

	// Timeout bounds one Generate call, submit included
	Timeout time.Duration

	// StrictResponseShapes turns an unmatched completed payload into an
	// ErrUnparseableResponse instead of a placeholder reply
	StrictResponseShapes bool

	// SubmitRetry resubmits jobs refused with 429 or 5xx. Status polls are never retried.
	SubmitRetry RetryPolicy

	HTTPClient *http.Client
	Logger     *log.Logger
}

// PollingProvider talks to a backend that accepts a job on a submit
// endpoint and exposes its progress on a status endpoint.
type PollingProvider struct {
	cfg    PollingConfig
	client *http.Client
	logger *log.Logger

	initGroup singleflight.Group

	mu          sync.RWMutex
	initialized bool
	initErr     *llm.ErrorInfo
	lastErr     *llm.ErrorInfo
}

// providerJob tracks one submitted backend job
type providerJob struct {
	requestID   string
	submittedAt time.Time
	deadline    time.Time
}

type submitRequest struct {
	Message     string           `json:"message"`
	UserID      string           `json:"userId"`
	ChatID      string           `json:"chatId"`
	Attachments []llm.Attachment `json:"attachments,omitempty"`
}

// NewPollingProvider creates a new polling backend provider
func NewPollingProvider(cfg PollingConfig) *PollingProvider {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.SubmitPath == "" {
		cfg.SubmitPath = defaultSubmitPath
	}
	if cfg.VerifyPath == "" {
		cfg.VerifyPath = defaultVerifyPath
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultPollTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("backend")
	}

	return &PollingProvider{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// Name implements llm.Provider
func (p *PollingProvider) Name() string {
	return "backend"
}

// Initialize performs the connectivity check. Concurrent callers share the
// in-flight attempt. A later call after completion re-checks, which is how
// an operator re-enables a provider that failed at startup.
func (p *PollingProvider) Initialize(ctx context.Context) bool {
	result, _, _ := p.initGroup.Do("init", func() (any, error) {
		info := p.verify(ctx)

		p.mu.Lock()
		defer p.mu.Unlock()
		p.initialized = true
		p.initErr = info
		if info != nil {
			p.lastErr = info
			p.logger.Warn("Backend unavailable, continuing in fallback mode",
				"type", info.Type, "error", info.Message)
			return false, nil
		}
		p.logger.Info("Backend reachable", "url", p.cfg.BaseURL)
		return true, nil
	})
	return result.(bool)
}

// verify issues the lightweight connectivity request
func (p *PollingProvider) verify(ctx context.Context) *llm.ErrorInfo {
	if p.cfg.BaseURL == "" {
		return llm.NewErrorInfo(errors.New("backend URL not configured"), llm.ErrorTypeNetwork,
			"The AI backend is not configured.")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+p.cfg.VerifyPath, nil)
	if err != nil {
		return llm.NewErrorInfo(fmt.Errorf("failed to create verify request: %w", err), llm.ErrorTypeNetwork,
			"The AI backend address is invalid.")
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return llm.NewErrorInfo(fmt.Errorf("backend unreachable: %w", err), llm.ErrorTypeNetwork,
			"The AI backend could not be reached.")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return llm.NewErrorInfo(fmt.Errorf("backend rejected API key (status %d)", resp.StatusCode),
			llm.ErrorTypeAuth, "The AI backend rejected the configured API key.")
	case resp.StatusCode >= 500:
		return llm.NewErrorInfo(fmt.Errorf("backend error (status %d)", resp.StatusCode),
			llm.ErrorTypeServer, "The AI backend is currently failing.")
	}
	return nil
}

// IsAvailable implements llm.Provider
func (p *PollingProvider) IsAvailable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized && p.initErr == nil
}

// LastError implements llm.Provider
func (p *PollingProvider) LastError() *llm.ErrorInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastErr == nil {
		return nil
	}
	info := *p.lastErr
	return &info
}

// Generate submits the latest user message and polls until the job settles
func (p *PollingProvider) Generate(ctx context.Context, req llm.Request) (string, error) {
	if !p.IsAvailable() {
		return "", llm.ErrProviderUnavailable
	}

	text, err := p.generate(ctx, req)
	if err != nil {
		// A caller hanging up says nothing about the backend
		if ctx.Err() == nil {
			p.recordError(err)
		}
		return "", err
	}
	return text, nil
}

func (p *PollingProvider) generate(ctx context.Context, req llm.Request) (string, error) {
	latest, ok := llm.LatestUserMessage(req.Messages)
	if !ok {
		return "", llm.NewGenerationError("no user message to send", nil)
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body := submitRequest{
		Message:     latest.Content,
		UserID:      req.UserID,
		ChatID:      req.ThreadID,
		Attachments: req.Attachments,
	}
	job, err := withRetry(jobCtx, p.cfg.SubmitRetry, p.logger, func(ctx context.Context) (*providerJob, error) {
		return p.submit(ctx, body)
	})
	if err != nil {
		return "", p.contextError(ctx, jobCtx, err)
	}

	p.logger.Debug("Job submitted", "request_id", job.requestID, "chat_id", req.ThreadID, "deadline", job.deadline)
	req.ReportProgress(0, "submitted")

	text, err := p.poll(jobCtx, job, req)
	if err != nil {
		return "", p.contextError(ctx, jobCtx, err)
	}
	return text, nil
}

// submit performs phase one of the protocol
func (p *PollingProvider) submit(ctx context.Context, body submitRequest) (*providerJob, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewGenerationError("failed to marshal submit request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+p.cfg.SubmitPath, bytes.NewReader(jsonData))
	if err != nil {
		return nil, llm.NewGenerationError("failed to create submit request", err)
	}
	p.setHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")

	payload, err := p.doJSON(httpReq, "submit")
	if err != nil {
		return nil, err
	}

	requestID, ok := nonEmptyString(payload["requestId"])
	if !ok {
		return nil, llm.NewGenerationError("submit response missing requestId", nil)
	}

	now := time.Now()
	deadline, _ := ctx.Deadline()
	return &providerJob{requestID: requestID, submittedAt: now, deadline: deadline}, nil
}

// poll performs phase two of the protocol
func (p *PollingProvider) poll(ctx context.Context, job *providerJob, req llm.Request) (string, error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	statusURL := p.cfg.BaseURL + statusPathPrefix + url.PathEscape(job.requestID)
	var lastNarration string

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			return "", llm.NewGenerationError("failed to create status request", err)
		}
		p.setHeaders(httpReq)

		payload, err := p.doJSON(httpReq, "status")
		if err != nil {
			return "", err
		}

		status, _ := payload["status"].(string)
		switch status {
		case jobComplete:
			p.logger.Debug("Job complete", "request_id", job.requestID,
				"elapsed", time.Since(job.submittedAt).Round(time.Millisecond))
			req.ReportProgress(1, jobComplete)
			return p.answer(payload)

		case jobError:
			message, ok := nonEmptyString(payload["message"])
			if !ok {
				message, ok = nonEmptyString(payload["error"])
			}
			if !ok {
				message = "backend reported an error"
			}
			return "", llm.NewGenerationError(message, nil)

		default:
			progress := -1.0
			if v, ok := payload["progress"].(float64); ok {
				progress = v
				if progress > 1 {
					progress /= 100
				}
			}
			if status == "" {
				status = jobRunning
			}
			req.ReportProgress(progress, status)

			// Running jobs may describe what they are doing; only changes are forwarded
			if text, ok := nonEmptyString(payload["message"]); ok && text != lastNarration {
				lastNarration = text
				req.Narrate(text)
			}
		}
	}
}

// answer applies the response-shape extractors to a completed payload
func (p *PollingProvider) answer(payload map[string]any) (string, error) {
	text, shape, ok := ExtractAnswer(payload)
	if ok {
		p.logger.Debug("Extracted answer", "shape", shape)
		return text, nil
	}

	if p.cfg.StrictResponseShapes {
		return "", fmt.Errorf("%w: no known answer field", llm.ErrUnparseableResponse)
	}

	p.logger.Warn("Completed job has no recognised answer field", "payload_keys", len(payload))
	return unmatchedPlaceholder(payload), nil
}

// doJSON executes req and decodes a JSON object body
func (p *PollingProvider) doJSON(req *http.Request, phase string) (map[string]any, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, llm.NewGenerationError(phase+" request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, llm.NewGenerationError("failed to read "+phase+" response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, llm.WrapHTTPError(phase+" rejected by backend", resp)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, llm.NewGenerationError(phase+" response is not JSON", err)
	}
	return payload, nil
}

// contextError distinguishes our own deadline from caller cancellation
func (p *PollingProvider) contextError(parent, jobCtx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("generation cancelled: %w", parent.Err())
	}
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", llm.ErrTimeout, p.cfg.Timeout)
	}
	return err
}

func (p *PollingProvider) recordError(err error) {
	info := llm.NewErrorInfo(err, llm.ClassifyError(err), "The AI backend could not answer this message.")

	p.mu.Lock()
	p.lastErr = info
	p.mu.Unlock()
}

func (p *PollingProvider) setHeaders(req *http.Request) {
	if p.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", p.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")
}
