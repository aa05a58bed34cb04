package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"agriscan/models"
	"agriscan/utils"
)

type onlineResult struct {
	record *models.Diagnosis
	err    error
}

const (
	workerRunning int32 = iota
	workerFinished
	workerAbandoned
)

// resolveOnline runs the provider chain on a bounded worker. The caller
// waits at most r.timeout; a result that arrives later is dropped. A timed
// out worker gives its slot back immediately and is counted as abandoned
// until its provider call returns.
func (r *Resolver) resolveOnline(ctx context.Context, req Request) (*models.Diagnosis, error) {
	if n := r.abandoned.Load(); n >= r.maxAbandoned {
		return nil, fmt.Errorf("%w: %d abandoned provider calls still running", ErrSkipped, n)
	}
	if !r.slots.TryAcquire(1) {
		return nil, fmt.Errorf("%w: no free provider slot", ErrSkipped)
	}
	if !r.limiter.Allow() {
		r.slots.Release(1)
		return nil, fmt.Errorf("%w: provider rate limit reached", ErrSkipped)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	release := sync.OnceFunc(func() { r.slots.Release(1) })
	var state atomic.Int32

	done := make(chan onlineResult, 1)
	go func() {
		record, err := r.askProviders(ctx, req)
		release()
		if !state.CompareAndSwap(workerRunning, workerFinished) {
			r.abandoned.Add(-1)
		}
		done <- onlineResult{record: record, err: err}
	}()

	select {
	case res := <-done:
		return res.record, res.err
	case <-ctx.Done():
		if state.CompareAndSwap(workerRunning, workerAbandoned) {
			r.abandoned.Add(1)
		}
		release()
		return nil, fmt.Errorf("online diagnosis timed out after %s: %w", r.timeout, ctx.Err())
	}
}

// AbandonedCalls reports provider calls that outlived their timeout and are
// still running.
func (r *Resolver) AbandonedCalls() int64 {
	return r.abandoned.Load()
}

// askProviders tries each provider in order and returns the first answer
// that parses and validates.
func (r *Resolver) askProviders(ctx context.Context, req Request) (*models.Diagnosis, error) {
	logger := utils.GetLogger()
	system, prompt := BuildPrompt(req.DiseaseName, req.Language)

	var errs []error
	for _, p := range r.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text, err := p.Generate(ctx, system, prompt)
		if err != nil {
			r.metrics.ObserveProvider(p.Name(), "error")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}

		record, err := ParseDiagnosis(text, req.DiseaseName)
		if err != nil {
			r.metrics.ObserveProvider(p.Name(), "invalid")
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}

		r.metrics.ObserveProvider(p.Name(), "ok")
		logger.InfoContext(ctx, "provider answered",
			slog.String("provider", p.Name()),
			slog.String("language", LanguageName(req.Language)),
		)
		return record, nil
	}
	return nil, fmt.Errorf("all providers failed: %w", errors.Join(errs...))
}
