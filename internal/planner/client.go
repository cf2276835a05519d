package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/planline/planline/pkg/schema"
)

// Client talks to the planning backend. OpenStepStream starts a step and
// returns its newline-delimited JSON body; Feedback asks the backend whether
// the step's goal was met after all streamed actions were applied.
type Client interface {
	OpenStepStream(ctx context.Context, req schema.StepRequest) (io.ReadCloser, error)
	Feedback(ctx context.Context, req schema.FeedbackRequest) (*schema.FeedbackResponse, error)
}

// HTTPConfig configures the HTTP planning client.
type HTTPConfig struct {
	BaseURL         string
	FeedbackTimeout time.Duration
	MaxResponseBody int64
}

const (
	defaultFeedbackTimeout = 60 * time.Second
	defaultMaxResponseBody = 1 * 1024 * 1024 // 1MB feedback body cap
)

type httpClient struct {
	cfg  HTTPConfig
	http *http.Client
	log  *slog.Logger
}

// NewHTTPClient creates a Client over the backend's HTTP API.
func NewHTTPClient(cfg HTTPConfig, log *slog.Logger) (Client, error) {
	u, err := url.ParseRequestURI(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid backend base URL %q", cfg.BaseURL)
	}
	if cfg.FeedbackTimeout <= 0 {
		cfg.FeedbackTimeout = defaultFeedbackTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	return &httpClient{
		cfg: cfg,
		// No client timeout: step streams stay open for the whole step.
		// Cancellation arrives through the request context.
		http: &http.Client{},
		log:  log,
	}, nil
}

func (c *httpClient) OpenStepStream(ctx context.Context, req schema.StepRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "failed to encode step request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/sequence"), bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "failed to create step request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	c.log.DebugContext(ctx, "opening step stream",
		"stage_id", req.StageID, "step_index", req.StepIndex)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "step stream request failed: %v", err).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.statusError("sequence", resp)
	}
	return resp.Body, nil
}

func (c *httpClient) Feedback(ctx context.Context, req schema.FeedbackRequest) (*schema.FeedbackResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "failed to encode feedback request").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.FeedbackTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint("/feedback"), bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "failed to create feedback request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "feedback request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError("feedback", resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "failed to read feedback response").WithCause(err)
	}

	var fb schema.FeedbackResponse
	if err := json.Unmarshal(data, &fb); err != nil {
		return nil, schema.NewError(schema.ErrCodeParse, "malformed feedback response").WithCause(err)
	}
	return &fb, nil
}

func (c *httpClient) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

func (c *httpClient) statusError(call string, resp *http.Response) *schema.PlanlineError {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return schema.NewErrorf(schema.ErrCodeTransport, "%s call returned %s", call, resp.Status).
		WithDetails(map[string]any{
			"status": resp.StatusCode,
			"data":   string(snippet),
		})
}
