package sdapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// StatusError reports an HTTP-level failure from the engine.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("sdapi: http %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("sdapi: http %d", e.Status)
}

// Options configure a Client.
type Options struct {
	BaseURL string
	// Timeout bounds the long processing calls (both passes).
	Timeout time.Duration
	// StatusTimeout bounds progress, interrupt and discovery calls.
	StatusTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *zerolog.Logger
}

// Client talks to an A1111-compatible processing engine. The engine is
// single-flight: it runs one job at a time regardless of how many clients
// submit work.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	statusTimeout time.Duration
	logger        zerolog.Logger
}

// NewClient builds a Client from the given options.
func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "http://127.0.0.1:7860"
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 300 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	statusTimeout := opts.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = 10 * time.Second
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		httpClient:    client,
		baseURL:       base,
		statusTimeout: statusTimeout,
		logger:        logger,
	}
}

// BaseURL returns the configured engine endpoint.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}

// GetProgress fetches the engine's current progress report.
func (c *Client) GetProgress(ctx context.Context) (ProgressInfo, error) {
	var out ProgressInfo
	err := c.getJSON(ctx, "/sdapi/v1/progress", &out)
	return out, err
}

// Interrupt asks the engine to abort the job it is currently running. The
// engine does not distinguish whose job it interrupts.
func (c *Client) Interrupt(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	return c.postJSON(ctx, "/sdapi/v1/interrupt", nil, nil)
}

// Img2Img runs the first (tiled upscale) pass.
func (c *Client) Img2Img(ctx context.Context, payload Img2ImgRequest) (Img2ImgResponse, error) {
	c.logger.Debug().Str("script", payload.ScriptName).Int("steps", payload.Steps).Msg("sdapi: img2img request")
	var out Img2ImgResponse
	if err := c.postJSON(ctx, "/sdapi/v1/img2img", payload, &out); err != nil {
		return Img2ImgResponse{}, err
	}
	return out, nil
}

// ExtraSingleImage runs the second (single image enhancement) pass.
func (c *Client) ExtraSingleImage(ctx context.Context, payload ExtrasRequest) (ExtrasResponse, error) {
	c.logger.Debug().Float64("resize", payload.UpscalingResize).Msg("sdapi: extra-single-image request")
	var out ExtrasResponse
	if err := c.postJSON(ctx, "/sdapi/v1/extra-single-image", payload, &out); err != nil {
		return ExtrasResponse{}, err
	}
	return out, nil
}

// Upscalers lists the upscalers the engine has loaded.
func (c *Client) Upscalers(ctx context.Context) ([]UpscalerInfo, error) {
	var out []UpscalerInfo
	err := c.getJSON(ctx, "/sdapi/v1/upscalers", &out)
	return out, err
}

// Models lists the checkpoints the engine has loaded.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	err := c.getJSON(ctx, "/sdapi/v1/sd-models", &out)
	return out, err
}

// Samplers lists the samplers the engine supports.
func (c *Client) Samplers(ctx context.Context) ([]SamplerInfo, error) {
	var out []SamplerInfo
	err := c.getJSON(ctx, "/sdapi/v1/samplers", &out)
	return out, err
}

// Schedulers lists the noise schedulers the engine supports.
func (c *Client) Schedulers(ctx context.Context) ([]SchedulerInfo, error) {
	var out []SchedulerInfo
	err := c.getJSON(ctx, "/sdapi/v1/schedulers", &out)
	return out, err
}

// HealthCheck reports whether the engine answers at all.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/sdapi/v1/memory", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if c == nil {
		return errors.New("sdapi: client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	if c == nil {
		return errors.New("sdapi: client not configured")
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sdapi: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sdapi: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
