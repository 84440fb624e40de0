package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SyntheticOptions configures the synthetic provider.
type SyntheticOptions struct {
	// PollsUntilDone is how many PollStatus calls report pending before the
	// image is ready. Zero means the first poll succeeds.
	PollsUntilDone int
	Size           int
	Store          AssetStore
}

// SyntheticProvider renders deterministic placeholder images locally. It
// stands in for a remote model in development and when credentials are
// missing, and behaves like an asynchronous backend.
type SyntheticProvider struct {
	polls int
	size  int
	store AssetStore

	mu      sync.Mutex
	pending map[Handle]int
}

// NewSyntheticProvider constructs a synthetic provider.
func NewSyntheticProvider(opts SyntheticOptions) *SyntheticProvider {
	size := opts.Size
	if size <= 0 {
		size = 512
	}
	polls := opts.PollsUntilDone
	if polls < 0 {
		polls = 0
	}
	return &SyntheticProvider{polls: polls, size: size, store: opts.Store, pending: make(map[Handle]int)}
}

// Name identifies the provider on stored posts.
func (p *SyntheticProvider) Name() string { return "synthetic" }

// Generate registers a new synthetic job. The handle embeds the prompt seed.
func (p *SyntheticProvider) Generate(ctx context.Context, prompt string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := Handle(fmt.Sprintf("synthetic-%s-%s", promptSeed(prompt), uuid.NewString()[:8]))
	p.mu.Lock()
	p.pending[h] = p.polls
	p.mu.Unlock()
	return h, nil
}

// PollStatus counts down the configured polls, then renders and stores the
// image. Handles issued before a restart are picked up again as new jobs.
func (p *SyntheticProvider) PollStatus(ctx context.Context, handle Handle) (PollResult, error) {
	seed, ok := seedFromHandle(handle)
	if !ok {
		return PollResult{}, ErrUnknownHandle
	}
	p.mu.Lock()
	remaining, known := p.pending[handle]
	if !known {
		remaining = p.polls
	}
	if remaining > 0 {
		p.pending[handle] = remaining - 1
		p.mu.Unlock()
		return PollResult{State: StatePending}, nil
	}
	delete(p.pending, handle)
	p.mu.Unlock()

	data := renderSyntheticImage(p.size, p.size, seed)
	if data == nil {
		return PollResult{State: StateFailed, Message: "synthetic render failed"}, nil
	}
	key := fmt.Sprintf("synthetic/%s.png", handle)
	if p.store == nil {
		return PollResult{State: StateSucceeded, ImageRef: key}, nil
	}
	stored, err := p.store.Write(ctx, key, data)
	if err != nil {
		return PollResult{}, err
	}
	return PollResult{State: StateSucceeded, ImageRef: p.store.URL(stored)}, nil
}

var _ Provider = (*SyntheticProvider)(nil)

func promptSeed(prompt string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(prompt)))
	return hex.EncodeToString(sum[:])[:16]
}

func seedFromHandle(h Handle) (string, bool) {
	parts := strings.Split(string(h), "-")
	if len(parts) != 3 || parts[0] != "synthetic" || len(parts[1]) != 16 {
		return "", false
	}
	return parts[1], true
}

func renderSyntheticImage(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripeHeight := max(32, height/12)
	for y := 0; y < height; y += stripeHeight * 2 {
		stripe := image.Rect(0, y, width, min(height, y+stripeHeight))
		draw.Draw(img, stripe, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	diagonal := colorFromSeed(seed, 2)
	for x := 0; x < max(width, height); x += max(16, width/32) {
		for y := 0; y < height; y++ {
			xx := x + y
			if xx >= width {
				break
			}
			img.Set(xx, y, diagonal)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{R: hexByte(segment[0:2]), G: hexByte(segment[2:4]), B: hexByte(segment[4:6]), A: 255}
}

func hexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}
