// Package diagnosis turns a disease name into a human-readable record by
// walking an ordered list of sources: the online generative providers, the
// local cache and the static knowledge base.
package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mdobak/go-xerrors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"agriscan/metrics"
	"agriscan/models"
	"agriscan/utils"
)

var (
	// ErrNotFound means a source has no record for the disease.
	ErrNotFound = errors.New("disease not found")
	// ErrSkipped means a source declined to run for this request.
	ErrSkipped = errors.New("source skipped")
)

type Source string

const (
	SourceOnline        Source = "online_llm"
	SourceCache         Source = "cache"
	SourceKnowledgeBase Source = "knowledge_base"
	SourceNone          Source = "none"
)

// Provider is a generative text service.
type Provider interface {
	Name() string
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Cache is the persistent disease cache.
type Cache interface {
	GetDisease(ctx context.Context, name string) (*models.Diagnosis, bool, error)
	CacheDisease(ctx context.Context, name string, record models.Diagnosis) error
	ListCachedDiseases(ctx context.Context) ([]string, error)
}

// KnowledgeBase is the static record set shipped with the service.
type KnowledgeBase interface {
	Lookup(ctx context.Context, name string) (*models.Diagnosis, bool)
	Names(ctx context.Context) []string
}

type Request struct {
	DiseaseName string
	Language    string
	UseCache    bool
}

type Result struct {
	Success  bool              `json:"success"`
	Disease  *models.Diagnosis `json:"disease"`
	Source   Source            `json:"source"`
	Language string            `json:"language,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type Options struct {
	// OnlineEnabled gates the provider step entirely.
	OnlineEnabled bool
	// Timeout bounds the wait for the provider step. Defaults to 10s.
	Timeout time.Duration
	// MaxConcurrent bounds in-flight provider workers. Defaults to 2.
	MaxConcurrent int
	// MaxAbandoned bounds timed-out provider calls still running in the
	// background. Defaults to 4x MaxConcurrent.
	MaxAbandoned int
	// RatePerMinute caps provider calls. Zero disables the limiter.
	RatePerMinute int
	Metrics       *metrics.Metrics
}

type Resolver struct {
	kb        KnowledgeBase
	cache     Cache
	providers []Provider

	online  bool
	timeout time.Duration
	slots   *semaphore.Weighted
	limiter *rate.Limiter
	metrics *metrics.Metrics

	abandoned    atomic.Int64
	maxAbandoned int64
}

// strategy is one source in the lookup order.
type strategy struct {
	source  Source
	resolve func(ctx context.Context, req Request) (*models.Diagnosis, error)
}

// NewResolver wires the sources. Any of kb, cache and providers may be nil.
func NewResolver(kb KnowledgeBase, cache Cache, providers []Provider, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 2
	}
	if opts.MaxAbandoned <= 0 {
		opts.MaxAbandoned = 4 * opts.MaxConcurrent
	}

	limit := rate.Inf
	if opts.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RatePerMinute))
	}

	return &Resolver{
		kb:        kb,
		cache:     cache,
		providers: providers,
		online:    opts.OnlineEnabled,
		timeout:   opts.Timeout,
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter:   rate.NewLimiter(limit, opts.MaxConcurrent),
		metrics:   opts.Metrics,

		maxAbandoned: int64(opts.MaxAbandoned),
	}
}

// OnlineEnabled reports whether the provider step will be attempted.
func (r *Resolver) OnlineEnabled() bool {
	return r.online && len(r.providers) > 0
}

func (r *Resolver) strategies(req Request) []strategy {
	var out []strategy
	if r.OnlineEnabled() {
		out = append(out, strategy{source: SourceOnline, resolve: r.resolveOnline})
	}
	if req.UseCache && r.cache != nil {
		out = append(out, strategy{source: SourceCache, resolve: r.resolveCache})
	}
	if r.kb != nil {
		out = append(out, strategy{source: SourceKnowledgeBase, resolve: r.resolveKnowledgeBase})
	}
	return out
}

// GetDiagnosis tries every applicable source in order and returns the first
// record found. Failing sources are logged and skipped; running out of
// sources is a normal negative result, not an error.
func (r *Resolver) GetDiagnosis(ctx context.Context, req Request) Result {
	logger := utils.GetLogger()
	if req.Language == "" {
		req.Language = "en"
	}

	for _, s := range r.strategies(req) {
		record, err := s.resolve(ctx, req)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logger.WarnContext(ctx, "diagnosis source failed, falling back",
					slog.String("source", string(s.source)),
					slog.String("disease", req.DiseaseName),
					slog.Any("error", xerrors.New(err)),
				)
			}
			continue
		}

		if s.source != SourceCache {
			r.writeBack(ctx, req.DiseaseName, record)
		}

		logger.InfoContext(ctx, "diagnosis resolved",
			slog.String("source", string(s.source)),
			slog.String("disease", req.DiseaseName),
			slog.String("language", req.Language),
		)
		r.metrics.ObserveDiagnosis(string(s.source))
		return Result{
			Success:  true,
			Disease:  record,
			Source:   s.source,
			Language: req.Language,
		}
	}

	logger.InfoContext(ctx, "no information found", slog.String("disease", req.DiseaseName))
	r.metrics.ObserveDiagnosis(string(SourceNone))
	return Result{
		Success: false,
		Source:  SourceNone,
		Error:   fmt.Sprintf("No information found for disease: %s", req.DiseaseName),
	}
}

func (r *Resolver) writeBack(ctx context.Context, name string, record *models.Diagnosis) {
	if r.cache == nil || record == nil {
		return
	}
	if err := r.cache.CacheDisease(ctx, name, *record); err != nil {
		utils.GetLogger().ErrorContext(ctx, "error caching disease",
			slog.String("disease", name),
			slog.Any("error", xerrors.New(err)),
		)
	}
}

func (r *Resolver) resolveCache(ctx context.Context, req Request) (*models.Diagnosis, error) {
	record, ok, err := r.cache.GetDisease(ctx, req.DiseaseName)
	if err != nil {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

func (r *Resolver) resolveKnowledgeBase(ctx context.Context, req Request) (*models.Diagnosis, error) {
	record, ok := r.kb.Lookup(ctx, req.DiseaseName)
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}
