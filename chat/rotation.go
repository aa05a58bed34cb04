package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoModels is returned by a provider configured without model identifiers.
var ErrNoModels = errors.New("no model identifiers configured")

// ErrEmptyResponse is returned when a model answers with no text.
var ErrEmptyResponse = errors.New("empty response")

// rotation tries candidate model identifiers in order, starting from the last
// one that answered.
type rotation struct {
	mu    sync.Mutex
	names []string
	last  int
}

func newRotation(names []string) *rotation {
	cleaned := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" {
			cleaned = append(cleaned, n)
		}
	}
	return &rotation{names: cleaned}
}

func (r *rotation) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.names))
	out = append(out, r.names[r.last:]...)
	out = append(out, r.names[:r.last]...)
	return out
}

func (r *rotation) remember(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.names {
		if n == name {
			r.last = i
			return
		}
	}
}

// current is the identifier tried first on the next call.
func (r *rotation) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.names) == 0 {
		return ""
	}
	return r.names[r.last]
}

func (r *rotation) try(ctx context.Context, call func(ctx context.Context, model string) (string, error)) (string, error) {
	candidates := r.order()
	if len(candidates) == 0 {
		return "", ErrNoModels
	}

	var errs []error
	for _, model := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		text, err := call(ctx, model)
		if err == nil && text == "" {
			err = ErrEmptyResponse
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", model, err))
			continue
		}
		r.remember(model)
		return text, nil
	}
	return "", fmt.Errorf("all models failed: %w", errors.Join(errs...))
}
