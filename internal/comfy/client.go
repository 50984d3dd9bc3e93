// Package comfy is an HTTP client for a ComfyUI-compatible graph workflow
// backend: job submission, history queries, image upload, artifact
// retrieval and model introspection.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/me/comfyrun/internal/config"
	"github.com/me/comfyrun/pkg/model"
)

// StatusError reports a non-200 response to a request whose failure the
// caller may choose to tolerate.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client talks to one backend. The model list is fetched once by New and
// never modified, so a Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	models     []string
}

// Option configures optional Client settings.
type Option func(*Client)

// WithHTTPClient replaces the default pooled HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for cfg.Host and fetches the available checkpoint
// models. A failed model fetch is logged and leaves the list empty.
func New(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, opts ...Option) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.Host, "/"),
		httpClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		logger: logger.With("component", "comfy-client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	models, err := c.fetchModels(ctx)
	if err != nil {
		c.logger.Warn("cannot fetch model list; continuing without it", "error", err)
		models = []string{}
	} else {
		c.logger.Info("available models", "count", len(models), "models", models)
	}
	c.models = models
	return c
}

// Models returns the checkpoint models reported at construction. The list
// is advisory; callers must not modify it.
func (c *Client) Models() []string {
	return c.models
}

// Submit posts g to the backend queue and returns its prompt ID.
func (c *Client) Submit(ctx context.Context, g model.Graph) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{"prompt": g}); err != nil {
		return "", &model.SubmissionError{Reason: "marshal graph", Err: err}
	}
	body := buf.Bytes()

	c.logger.Debug("submitting graph", "nodes", len(g), "bytes", len(body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", &model.SubmissionError{Reason: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &model.SubmissionError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &model.SubmissionError{StatusCode: resp.StatusCode, Reason: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &model.SubmissionError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var ack struct {
		PromptID string `json:"prompt_id"`
		Number   int    `json:"number"`
	}
	if err := json.Unmarshal(respBody, &ack); err != nil {
		return "", &model.SubmissionError{StatusCode: resp.StatusCode, Body: string(respBody), Reason: "decode response", Err: err}
	}
	if ack.PromptID == "" {
		return "", &model.SubmissionError{StatusCode: resp.StatusCode, Body: string(respBody), Reason: "response missing prompt_id"}
	}

	c.logger.Info("workflow queued", "prompt_id", ack.PromptID, "queue_number", ack.Number)
	return ack.PromptID, nil
}

// ViewURL builds the retrieval URL for an output file.
func (c *Client) ViewURL(filename, subfolder, fileType string) string {
	if fileType == "" {
		fileType = "output"
	}
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", fileType)
	return c.baseURL + "/view?" + q.Encode()
}

// View opens a streaming GET of rawURL. The caller must close the returned
// body. A non-200 response is reported as *model.DownloadError.
func (c *Client) View(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, &model.DownloadError{URL: rawURL, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &model.DownloadError{URL: rawURL, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, 0, &model.DownloadError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}

// fetchModels reads the checkpoint names from
// CheckpointLoaderSimple.input.required.ckpt_name[0].
func (c *Client) fetchModels(ctx context.Context) ([]string, error) {
	const path = "/object_info/CheckpointLoaderSimple"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Method: http.MethodGet, Path: path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var info map[string]struct {
		Input struct {
			Required struct {
				CkptName []json.RawMessage `json:"ckpt_name"`
			} `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode object_info: %w", err)
	}

	loader, ok := info["CheckpointLoaderSimple"]
	if !ok || len(loader.Input.Required.CkptName) == 0 {
		return nil, fmt.Errorf("object_info: ckpt_name not present")
	}
	var models []string
	if err := json.Unmarshal(loader.Input.Required.CkptName[0], &models); err != nil {
		return nil, fmt.Errorf("object_info: ckpt_name[0]: %w", err)
	}
	return models, nil
}
