package qwen

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
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"github.com/champi-dev/aipics/internal/infra"
)

// ErrMissingAPIKey indicates that the client was configured without credentials.
var ErrMissingAPIKey = errors.New("qwen: api key is required")

// TaskStatus is the DashScope asynchronous task state.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCanceled  TaskStatus = "CANCELED"
	TaskUnknown   TaskStatus = "UNKNOWN"
)

// Done reports whether the task will not change state again.
func (s TaskStatus) Done() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCanceled, TaskUnknown:
		return true
	default:
		return false
	}
}

// Options configures the DashScope Qwen client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	DefaultSize    string
	PromptExtend   bool
	Watermark      bool
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Client performs HTTP calls to the DashScope asynchronous text-to-image API.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	defaultSize  string
	promptExtend bool
	watermark    bool
	httpClient   *http.Client
	logger       *infra.Logger
	executor     failsafe.Executor[*rawResponse]
}

// TaskRequest captures the inputs for one image synthesis task.
type TaskRequest struct {
	Prompt         string
	NegativePrompt string
	Size           string
	Seed           int
}

// Task is the normalized view of a DashScope task.
type Task struct {
	ID        string
	Status    TaskStatus
	ImageURLs []string
	Code      string
	Message   string
	RequestID string
}

type synthesisRequest struct {
	Model      string          `json:"model"`
	Input      synthesisInput  `json:"input"`
	Parameters synthesisParams `json:"parameters"`
}

type synthesisInput struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
}

type synthesisParams struct {
	Size         string `json:"size,omitempty"`
	N            int    `json:"n"`
	PromptExtend *bool  `json:"prompt_extend,omitempty"`
	Watermark    *bool  `json:"watermark,omitempty"`
	Seed         *int   `json:"seed,omitempty"`
}

type taskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL     string `json:"url"`
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"results"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"output"`
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rawResponse struct {
	status int
	header http.Header
	body   []byte
}

// NewClient constructs a client with sane defaults and injected dependencies.
func NewClient(opts Options) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope-intl.aliyuncs.com/api/v1"
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("qwen: invalid base url: %w", err)
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = "qwen-image-plus"
	}
	defaultSize := strings.TrimSpace(opts.DefaultSize)
	if defaultSize == "" {
		defaultSize = "1328*1328"
	}
	var logger *infra.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Client{
		apiKey:       strings.TrimSpace(opts.APIKey),
		baseURL:      baseURL,
		model:        model,
		defaultSize:  defaultSize,
		promptExtend: opts.PromptExtend,
		watermark:    opts.Watermark,
		httpClient:   httpClient,
		logger:       logger,
		executor:     failsafe.With[*rawResponse](newRetryPolicy(opts)),
	}, nil
}

// newRetryPolicy retries transport errors, 5xx and 429 with jittered backoff.
func newRetryPolicy(opts Options) retrypolicy.RetryPolicy[*rawResponse] {
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	base := opts.RetryBaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	maxDelay := opts.RetryMaxDelay
	if maxDelay < base {
		maxDelay = 5 * time.Second
		if maxDelay < base {
			maxDelay = base
		}
	}
	return retrypolicy.NewBuilder[*rawResponse]().
		WithBackoff(base, maxDelay).
		WithMaxRetries(maxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *rawResponse, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp == nil || resp.status == http.StatusTooManyRequests || resp.status >= 500
		}).
		ReturnLastFailure().
		Build()
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// HasCredentials reports whether the client can perform remote calls.
func (c *Client) HasCredentials() bool {
	return c.apiKey != ""
}

// SubmitTask starts an asynchronous synthesis task and returns its id.
func (c *Client) SubmitTask(ctx context.Context, req TaskRequest) (string, error) {
	if !c.HasCredentials() {
		return "", ErrMissingAPIKey
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return "", errors.New("qwen: prompt is required")
	}
	payload := synthesisRequest{
		Model: c.model,
		Input: synthesisInput{Prompt: prompt, NegativePrompt: strings.TrimSpace(req.NegativePrompt)},
		Parameters: synthesisParams{
			Size: strings.TrimSpace(req.Size),
			N:    1,
		},
	}
	if payload.Parameters.Size == "" {
		payload.Parameters.Size = c.defaultSize
	}
	if extend := c.promptExtend; extend {
		payload.Parameters.PromptExtend = &extend
	}
	if req.Seed > 0 {
		seed := req.Seed
		payload.Parameters.Seed = &seed
	}
	watermark := c.watermark
	payload.Parameters.Watermark = &watermark

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("qwen: encode request: %w", err)
	}
	var decoded taskResponse
	if err := c.do(ctx, http.MethodPost, "/services/aigc/text2image/image-synthesis", body, &decoded); err != nil {
		return "", err
	}
	if decoded.Code != "" {
		return "", fmt.Errorf("qwen: %s (%s)", decoded.Message, decoded.Code)
	}
	if decoded.Output.TaskID == "" {
		return "", errors.New("qwen: response missing task id")
	}
	c.logger.Debug().
		Str("model", c.model).
		Str("request_id", decoded.RequestID).
		Str("task_id", decoded.Output.TaskID).
		Msg("qwen: submitted synthesis task")
	return decoded.Output.TaskID, nil
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	if !c.HasCredentials() {
		return nil, ErrMissingAPIKey
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, errors.New("qwen: task id is required")
	}
	var decoded taskResponse
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &decoded); err != nil {
		return nil, err
	}
	task := &Task{
		ID:        decoded.Output.TaskID,
		Status:    TaskStatus(strings.ToUpper(decoded.Output.TaskStatus)),
		Code:      firstNonEmpty(decoded.Output.Code, decoded.Code),
		Message:   firstNonEmpty(decoded.Output.Message, decoded.Message),
		RequestID: decoded.RequestID,
	}
	if task.ID == "" {
		task.ID = taskID
	}
	if task.Status == "" {
		task.Status = TaskUnknown
	}
	for _, result := range decoded.Output.Results {
		if u := strings.TrimSpace(result.URL); u != "" {
			task.ImageURLs = append(task.ImageURLs, u)
		} else if task.Message == "" && result.Message != "" {
			task.Code, task.Message = result.Code, result.Message
		}
	}
	return task, nil
}

// Download fetches a generated image. DashScope result URLs expire, so
// callers persist the bytes.
func (c *Client) Download(ctx context.Context, imageURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(imageURL))
	if err != nil || parsed.Scheme == "" {
		return nil, "", fmt.Errorf("qwen: invalid image url: %s", imageURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: build download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("qwen: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("qwen: read image: %w", err)
	}
	format := resp.Header.Get("Content-Type")
	if format == "" {
		format = "image/png"
	}
	return data, format, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	endpoint := c.baseURL + path
	resp, err := c.executor.WithContext(ctx).Get(func() (*rawResponse, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		if method == http.MethodPost {
			httpReq.Header.Set("Content-Type", "application/json")
			httpReq.Header.Set("X-DashScope-Async", "enable")
		}
		httpResp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()
		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}
		return &rawResponse{status: httpResp.StatusCode, header: httpResp.Header, body: raw}, nil
	})
	if err != nil {
		return fmt.Errorf("qwen: http request: %w", err)
	}
	if resp.status >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(resp.body, &detail); err == nil && detail.Message != "" {
			return fmt.Errorf("qwen: %s (%s)", detail.Message, detail.Code)
		}
		return fmt.Errorf("qwen: status %d: %s", resp.status, strings.TrimSpace(string(resp.body)))
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("qwen: decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
