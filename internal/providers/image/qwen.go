package image

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/champi-dev/aipics/internal/infra"
	"github.com/champi-dev/aipics/internal/providers/qwen"
)

// DefaultNegativePrompt captures undesirable artefacts we want the model to avoid.
const DefaultNegativePrompt = "low quality, blurry, distorted, washed out, incorrect anatomy, extra limbs, text artefacts, watermark"

const fallbackPrefix = "fallback:"

type qwenTaskClient interface {
	SubmitTask(context.Context, qwen.TaskRequest) (string, error)
	GetTask(context.Context, string) (*qwen.Task, error)
	Download(context.Context, string) ([]byte, string, error)
	HasCredentials() bool
	Model() string
}

// AssetStore persists generated bytes and resolves their public URL.
type AssetStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	URL(key string) string
}

// QwenProvider drives DashScope's asynchronous Qwen image model. When the
// client has no usable credentials it hands the job to the fallback
// provider, tagging the handle so later polls reach the same backend.
type QwenProvider struct {
	client   qwenTaskClient
	store    AssetStore
	fallback Provider
	logger   *infra.Logger
}

// NewQwenProvider wires a Qwen client with an optional asset store and
// fallback provider.
func NewQwenProvider(client qwenTaskClient, store AssetStore, fallback Provider, logger *infra.Logger) *QwenProvider {
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &QwenProvider{client: client, store: store, fallback: fallback, logger: logger}
}

// Name identifies the provider on stored posts.
func (p *QwenProvider) Name() string {
	if p == nil || p.client == nil {
		return "qwen"
	}
	return "qwen:" + p.client.Model()
}

// Generate submits the prompt as an asynchronous task.
func (p *QwenProvider) Generate(ctx context.Context, prompt string) (Handle, error) {
	if p == nil || p.client == nil || !p.client.HasCredentials() {
		return p.generateFallback(ctx, prompt, qwen.ErrMissingAPIKey)
	}
	taskID, err := p.client.SubmitTask(ctx, qwen.TaskRequest{
		Prompt:         prompt,
		NegativePrompt: DefaultNegativePrompt,
		Seed:           deterministicSeed(p.client.Model(), prompt),
	})
	if err != nil {
		if shouldFallback(err) {
			return p.generateFallback(ctx, prompt, err)
		}
		return "", err
	}
	return Handle(taskID), nil
}

// PollStatus maps the DashScope task state onto the provider contract.
func (p *QwenProvider) PollStatus(ctx context.Context, handle Handle) (PollResult, error) {
	if rest, ok := strings.CutPrefix(string(handle), fallbackPrefix); ok {
		if p == nil || p.fallback == nil {
			return PollResult{}, ErrUnknownHandle
		}
		return p.fallback.PollStatus(ctx, Handle(rest))
	}
	if p == nil || p.client == nil {
		return PollResult{}, errors.New("qwen provider not configured")
	}
	task, err := p.client.GetTask(ctx, string(handle))
	if err != nil {
		return PollResult{}, err
	}
	switch task.Status {
	case qwen.TaskSucceeded:
		if len(task.ImageURLs) == 0 {
			return PollResult{State: StateFailed, Message: "task succeeded without an image"}, nil
		}
		return PollResult{State: StateSucceeded, ImageRef: p.persist(ctx, task.ID, task.ImageURLs[0])}, nil
	case qwen.TaskFailed, qwen.TaskCanceled, qwen.TaskUnknown:
		msg := strings.TrimSpace(task.Message)
		if task.Code != "" {
			msg = fmt.Sprintf("%s: %s", task.Code, msg)
		}
		if msg == "" {
			msg = "task " + strings.ToLower(string(task.Status))
		}
		return PollResult{State: StateFailed, Message: msg}, nil
	default:
		return PollResult{State: StatePending}, nil
	}
}

// persist copies the expiring provider URL into the asset store, keeping the
// remote URL when no store is configured or the copy fails.
func (p *QwenProvider) persist(ctx context.Context, taskID, remoteURL string) string {
	if p.store == nil {
		return remoteURL
	}
	data, format, err := p.client.Download(ctx, remoteURL)
	if err != nil {
		p.logger.Warn().Err(err).Str("task_id", taskID).Msg("qwen: download failed; keeping remote url")
		return remoteURL
	}
	key, err := p.store.Write(ctx, fmt.Sprintf("qwen/%s.%s", taskID, extensionFor(format)), data)
	if err != nil {
		p.logger.Warn().Err(err).Str("task_id", taskID).Msg("qwen: store write failed; keeping remote url")
		return remoteURL
	}
	return p.store.URL(key)
}

func (p *QwenProvider) generateFallback(ctx context.Context, prompt string, cause error) (Handle, error) {
	if p == nil || p.fallback == nil {
		return "", cause
	}
	p.logger.Warn().Err(cause).Str("fallback", p.fallback.Name()).Msg("qwen: using fallback provider")
	h, err := p.fallback.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}
	return Handle(fallbackPrefix + string(h)), nil
}

var _ Provider = (*QwenProvider)(nil)

func shouldFallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, qwen.ErrMissingAPIKey) {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "invalidapikey")
}

func deterministicSeed(values ...any) int {
	var parts []string
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	n := binary.BigEndian.Uint32(sum[:4])
	value := int(n % 2147483647)
	if value <= 0 {
		value = 1
	}
	return value
}

func extensionFor(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "png"
	}
}
