// Package image defines the generation provider capability and its
// implementations.
package image

import (
	"context"
	"errors"
)

// Handle is the opaque provider job id returned by Generate.
type Handle string

// PollState is the provider side state of a generation.
type PollState int

const (
	StatePending PollState = iota
	StateSucceeded
	StateFailed
)

func (s PollState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PollResult is one observation of a running generation. ImageRef is set
// only when State is StateSucceeded; Message explains a failure.
type PollResult struct {
	State    PollState
	ImageRef string
	Message  string
}

// Provider is the contract implemented by every image backend. Any
// implementation is substitutable in the orchestrator.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (Handle, error)
	PollStatus(ctx context.Context, handle Handle) (PollResult, error)
}

// ErrUnknownHandle is returned by PollStatus for a handle the provider never
// issued.
var ErrUnknownHandle = errors.New("image: unknown provider handle")
