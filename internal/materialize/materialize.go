// Package materialize serves derived raster artifacts that may not exist
// yet: job outputs and downsampled substitutes for oversized sources. A
// missing artifact triggers generation exactly once per target path; callers
// poll until the file is present.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"geoclip/internal/fsutil"
)

// ErrPending signals that the artifact is being generated and the caller
// should try again later. It is a retry condition, not a failure.
var ErrPending = errors.New("artifact not ready")

// GenerationError wraps a failed generation attempt for a target. Once
// recorded it is sticky: re-resolving the same target keeps surfacing the
// failure instead of spawning another attempt.
type GenerationError struct {
	Target string
	Err    error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Target, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generator produces the artifact at the target path. Generators are also
// responsible for recording the outcome on the owning record where one
// exists (image preview status, job log).
type Generator func(ctx context.Context) error

// Materializer tracks in-flight and failed generation tasks per target path.
type Materializer struct {
	log *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	failed   map[string]error
}

// New creates an empty Materializer.
func New(log *slog.Logger) *Materializer {
	return &Materializer{
		log:      log,
		inflight: make(map[string]struct{}),
		failed:   make(map[string]error),
	}
}

// Resolve returns the target path if the artifact already exists. Otherwise
// it starts generation asynchronously (unless one is already in flight) and
// returns ErrPending, or a *GenerationError if a previous attempt failed.
func (m *Materializer) Resolve(target string, generate Generator) (string, error) {
	if fsutil.FileExists(target) {
		return target, nil
	}

	m.mu.Lock()
	if err, ok := m.failed[target]; ok {
		m.mu.Unlock()
		return "", &GenerationError{Target: target, Err: err}
	}
	if _, busy := m.inflight[target]; busy {
		m.mu.Unlock()
		return "", ErrPending
	}
	m.inflight[target] = struct{}{}
	m.mu.Unlock()

	go m.generate(target, generate)
	return "", ErrPending
}

func (m *Materializer) generate(target string, generate Generator) {
	err := generate(context.Background())

	m.mu.Lock()
	delete(m.inflight, target)
	if err != nil {
		m.failed[target] = err
	}
	m.mu.Unlock()

	if err != nil {
		m.log.Error("artifact generation failed", "target", target, "error", err)
		return
	}
	m.log.Info("artifact materialized", "target", target)
}

// InFlight reports whether a generation task for target is currently running.
func (m *Materializer) InFlight(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[target]
	return ok
}
