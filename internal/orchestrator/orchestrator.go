// Package orchestrator drives each generation job from submission to a
// single terminal state.
//
// Every job runs in its own goroutine that owns the job record until it is
// finalized. The goroutine submits the prompt to the provider, then polls on
// a fixed interval until the provider reports a result or the wall-clock or
// attempt budget runs out. All terminal transitions go through finalize,
// which relies on the store's conditional update so a job is finalized and
// announced exactly once.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/champi-dev/aipics/internal/domain"
	"github.com/champi-dev/aipics/internal/infra"
	"github.com/champi-dev/aipics/internal/providers/image"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("orchestrator: shut down")

const (
	DefaultPollInterval = 4 * time.Second
	DefaultMaxWait      = 120 * time.Second
	DefaultMaxAttempts  = 30
)

// Publisher is the bus capability the orchestrator needs.
type Publisher interface {
	Publish(topic domain.Topic, ev domain.Event) bool
}

// Recorder receives job counters. The metrics collector implements it.
type Recorder interface {
	JobSubmitted(provider string)
	JobPolled(provider string)
	JobFinished(status domain.JobStatus, cause domain.FailureCause, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) JobSubmitted(string) {}
func (noopRecorder) JobPolled(string)    {}
func (noopRecorder) JobFinished(domain.JobStatus, domain.FailureCause, time.Duration) {}

// Options configures an Orchestrator. Zero values take the defaults.
type Options struct {
	PollInterval time.Duration
	MaxWait      time.Duration
	MaxAttempts  int
	Clock        Clock
	Logger       *infra.Logger
	Recorder     Recorder
	NewID        func() string
}

// Orchestrator owns the lifecycle of generation jobs.
type Orchestrator struct {
	posts    domain.PostRepository
	provider image.Provider
	bus      Publisher
	clock    Clock
	logger   *infra.Logger
	recorder Recorder
	newID    func() string

	pollInterval time.Duration
	maxWait      time.Duration
	maxAttempts  int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
}

// New constructs an Orchestrator. It starts no goroutines until a job is
// submitted or resumed.
func New(posts domain.PostRepository, provider image.Provider, bus Publisher, opts Options) *Orchestrator {
	o := &Orchestrator{
		posts:        posts,
		provider:     provider,
		bus:          bus,
		clock:        opts.Clock,
		logger:       opts.Logger,
		recorder:     opts.Recorder,
		newID:        opts.NewID,
		pollInterval: opts.PollInterval,
		maxWait:      opts.MaxWait,
		maxAttempts:  opts.MaxAttempts,
		active:       make(map[string]struct{}),
	}
	if o.clock == nil {
		o.clock = NewMonotonicClock(SystemClock{})
	}
	if o.logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		o.logger = &l
	}
	if o.recorder == nil {
		o.recorder = noopRecorder{}
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.maxWait <= 0 {
		o.maxWait = DefaultMaxWait
	}
	if o.maxAttempts <= 0 {
		o.maxAttempts = DefaultMaxAttempts
	}
	o.baseCtx, o.cancel = context.WithCancel(context.Background())
	return o
}

// Submit validates the prompt, records a QUEUED job and starts driving it.
// It returns as soon as the record exists.
func (o *Orchestrator) Submit(ctx context.Context, ownerID, prompt string) (string, error) {
	if ownerID == "" {
		return "", domain.ErrUnauthorized
	}
	normalized, err := domain.NormalizePrompt(prompt)
	if err != nil {
		return "", err
	}
	if o.isClosed() {
		return "", ErrClosed
	}

	now := o.clock.Now()
	post := &domain.Post{
		ID:        o.newID(),
		OwnerID:   ownerID,
		Prompt:    normalized,
		Provider:  o.provider.Name(),
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.posts.Create(ctx, post); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	o.recorder.JobSubmitted(post.Provider)
	o.publishStatus(post.ID, domain.JobStatusQueued)
	o.logger.Info().
		Str("job_id", post.ID).
		Str("owner_id", ownerID).
		Str("provider", post.Provider).
		Msg("orchestrator: job queued")

	if !o.launch(*post) {
		// Shutdown raced the submission; the QUEUED record is picked up by Resume.
		o.logger.Warn().Str("job_id", post.ID).Msg("orchestrator: job left queued for resume")
	}
	return post.ID, nil
}

// GetStatus returns the job view. found is false when no such job exists.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (domain.JobView, bool, error) {
	post, err := o.posts.GetByID(ctx, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.JobView{}, false, nil
	}
	if err != nil {
		return domain.JobView{}, false, err
	}
	return post.View(), true, nil
}

// Resume restarts every unfinished job found in the store. Jobs already being
// driven by this process are skipped. It returns how many were started.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	posts, err := o.posts.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}
	started := 0
	for _, p := range posts {
		if o.launch(p) {
			started++
		}
	}
	if started > 0 {
		o.logger.Info().Int("jobs", started).Msg("orchestrator: resumed unfinished jobs")
	}
	return started, nil
}

// Active returns the number of jobs currently being driven.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Wait blocks until every running job has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown stops accepting jobs and interrupts running ones at their next
// suspension point. Interrupted jobs keep their stored status and are
// resumable.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func (o *Orchestrator) launch(p domain.Post) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if _, running := o.active[p.ID]; running {
		return false
	}
	o.active[p.ID] = struct{}{}
	o.wg.Add(1)
	go o.drive(p)
	return true
}

func (o *Orchestrator) drive(p domain.Post) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.active, p.ID)
		o.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("job_id", p.ID).Msg("orchestrator: job task panicked")
			o.finalize(p, domain.Finalization{Status: domain.JobStatusFailed}, &domain.ProviderError{Op: "drive", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	deadline := p.CreatedAt.Add(o.maxWait)
	handle := image.Handle(p.ExternalJobID)

	// Provider calls and sleeps share the job's remaining budget, so a call
	// that hangs still ends at the deadline.
	ctx, cancel := context.WithTimeout(o.baseCtx, deadline.Sub(o.clock.Now()))
	defer cancel()

	attempts := 0
	// interrupted settles a job whose context ended. After Shutdown the job
	// keeps its stored status; otherwise the budget ran out.
	interrupted := func() {
		if o.baseCtx.Err() != nil {
			return
		}
		o.timeout(p, attempts)
	}

	if p.Status == domain.JobStatusQueued {
		h, err := o.provider.Generate(ctx, p.Prompt)
		if err != nil {
			if ctx.Err() != nil {
				interrupted()
				return
			}
			o.finalize(p, domain.Finalization{Status: domain.JobStatusFailed}, &domain.ProviderError{Op: "generate", Err: err})
			return
		}
		applied, err := o.posts.MarkGenerating(context.WithoutCancel(ctx), p.ID, string(h))
		if err != nil {
			o.logger.Error().Err(err).Str("job_id", p.ID).Msg("orchestrator: store provider handle")
			return
		}
		if !applied {
			o.logger.Warn().Str("job_id", p.ID).Msg("orchestrator: job no longer queued")
			return
		}
		handle = h
		p.ExternalJobID = string(h)
		p.Status = domain.JobStatusGenerating
		o.publishStatus(p.ID, domain.JobStatusGenerating)
		o.logger.Debug().Str("job_id", p.ID).Str("handle", string(h)).Msg("orchestrator: job generating")
	}

	for {
		if err := o.clock.Sleep(ctx, o.pollInterval); err != nil {
			interrupted()
			return
		}
		attempts++
		o.recorder.JobPolled(p.Provider)
		res, err := o.provider.PollStatus(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				interrupted()
				return
			}
			o.finalize(p, domain.Finalization{Status: domain.JobStatusFailed}, &domain.ProviderError{Op: "poll", Err: err})
			return
		}
		switch res.State {
		case image.StateSucceeded:
			o.finalize(p, domain.Finalization{Status: domain.JobStatusCompleted, ImageRef: res.ImageRef}, nil)
			return
		case image.StateFailed:
			o.finalize(p, domain.Finalization{Status: domain.JobStatusFailed}, &domain.ProviderError{Op: "generate", Err: errors.New(res.Message)})
			return
		}
		if attempts >= o.maxAttempts || !o.clock.Now().Before(deadline) {
			o.timeout(p, attempts)
			return
		}
	}
}

func (o *Orchestrator) timeout(p domain.Post, attempts int) {
	elapsed := o.clock.Now().Sub(p.CreatedAt)
	o.finalize(p, domain.Finalization{Status: domain.JobStatusFailed}, &domain.TimeoutError{Attempts: attempts, Elapsed: elapsed})
}

// finalize writes the terminal state and announces it. A job that is already
// terminal is left untouched and nothing is published.
func (o *Orchestrator) finalize(p domain.Post, fin domain.Finalization, cause error) {
	if cause != nil {
		fin.Status = domain.JobStatusFailed
		fin.Cause = domain.CauseOf(cause)
		fin.Reason = cause.Error()
		fin.ImageRef = ""
	}
	ctx := context.WithoutCancel(o.baseCtx)
	applied, err := o.posts.Finalize(ctx, p.ID, fin)
	if err != nil {
		o.logger.Error().Err(err).Str("job_id", p.ID).Msg("orchestrator: finalize job")
		return
	}
	if !applied {
		o.logger.Debug().Str("job_id", p.ID).Msg("orchestrator: job already finalized")
		return
	}
	elapsed := o.clock.Now().Sub(p.CreatedAt)
	o.recorder.JobFinished(fin.Status, fin.Cause, elapsed)

	version := int64(fin.Status.Rank())
	if fin.Status == domain.JobStatusCompleted {
		p.Status = fin.Status
		p.ImageRef = fin.ImageRef
		o.bus.Publish(domain.TopicPostCreated, domain.Event{
			EntityID: p.ID,
			Version:  version,
			Payload:  domain.PostCreated{Post: p.Summary()},
		})
		o.logger.Info().Str("job_id", p.ID).Dur("elapsed", elapsed).Msg("orchestrator: job completed")
		return
	}
	o.bus.Publish(domain.TopicJobFailed, domain.Event{
		EntityID: p.ID,
		Version:  version,
		Payload:  domain.JobFailed{JobID: p.ID, OwnerID: p.OwnerID, Cause: fin.Cause, Reason: fin.Reason},
	})
	o.logger.Warn().
		Str("job_id", p.ID).
		Str("cause", string(fin.Cause)).
		Str("reason", fin.Reason).
		Msg("orchestrator: job failed")
}

func (o *Orchestrator) publishStatus(jobID string, status domain.JobStatus) {
	o.bus.Publish(domain.TopicJobUpdated, domain.Event{
		EntityID: jobID,
		Version:  int64(status.Rank()),
		Payload:  domain.JobUpdated{JobID: jobID, Status: status},
	})
}
