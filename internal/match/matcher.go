// Package match reconciles harvested game names with the Twitch category
// catalog and aggregates live viewer counts.
package match

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sells-group/gamestats-cli/internal/model"
	"github.com/sells-group/gamestats-cli/internal/resilience"
	"github.com/sells-group/gamestats-cli/pkg/twitch"
)

// ErrLookupFailed marks a catalog call that failed after retries. It is
// distinct from a lookup that found no acceptable match (nil, nil).
var ErrLookupFailed = errors.New("catalog lookup failed")

// Config controls candidate selection.
type Config struct {
	// Threshold is the minimum accepted score, inclusive. Default: 70.
	Threshold float64
	// MaxCandidates is the number of catalog results scored. Default: 20.
	MaxCandidates int
	// StreamPageSize is the number of live streams summed per game. Default: 50.
	StreamPageSize int
	Retry          resilience.RetryConfig
}

// DefaultConfig returns the matching policy used in production.
func DefaultConfig() Config {
	return Config{
		Threshold:      70,
		MaxCandidates:  20,
		StreamPageSize: 50,
		Retry:          resilience.DefaultRetryConfig(),
	}
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithScorer replaces the similarity function.
func WithScorer(s Scorer) Option {
	return func(m *Matcher) {
		m.score = s
	}
}

// Matcher finds the catalog entry for a game name.
type Matcher struct {
	catalog twitch.Client
	cfg     Config
	score   Scorer
	log     *zap.Logger
}

// New creates a Matcher backed by catalog.
func New(catalog twitch.Client, cfg Config, opts ...Option) *Matcher {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if cfg.StreamPageSize <= 0 {
		cfg.StreamPageSize = def.StreamPageSize
	}
	if cfg.Retry.ShouldRetry == nil {
		// An open breaker will not close during the backoff window.
		cfg.Retry.ShouldRetry = func(err error) bool {
			return !resilience.IsPermanent(err) && !errors.Is(err, resilience.ErrCircuitOpen)
		}
	}

	m := &Matcher{
		catalog: catalog,
		cfg:     cfg,
		score:   JaroWinkler,
		log:     zap.L().With(zap.String("component", "match")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindBestMatch returns the best-scoring catalog entry for name, or nil when
// no candidate reaches the threshold. Ties keep the earliest candidate in
// catalog order. A failed lookup returns an error wrapping ErrLookupFailed.
func (m *Matcher) FindBestMatch(ctx context.Context, name string) (*model.CatalogMatch, error) {
	retry := m.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("twitch", "search_categories")
	}

	candidates, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]twitch.Category, error) {
		return m.catalog.SearchCategories(ctx, name, m.cfg.MaxCandidates)
	})
	if err != nil {
		return nil, fmt.Errorf("%w for %q: %w", ErrLookupFailed, name, err)
	}

	var (
		best      *twitch.Category
		bestScore float64
	)
	for i := range candidates {
		s := m.score(name, candidates[i].Name)
		if s < m.cfg.Threshold {
			continue
		}
		if best == nil || s > bestScore {
			best = &candidates[i]
			bestScore = s
		}
	}
	if best == nil {
		m.log.Debug("no match above threshold",
			zap.String("name", name),
			zap.Int("candidates", len(candidates)),
		)
		return nil, nil
	}

	return &model.CatalogMatch{
		ID:                best.ID,
		Name:              best.Name,
		BoxArtURLTemplate: best.BoxArtURL,
		Score:             bestScore,
	}, nil
}

// AggregateViewers sums viewer counts over the first page of live streams
// for a catalog id. No live streams yields 0.
func (m *Matcher) AggregateViewers(ctx context.Context, externalID string) (int64, error) {
	retry := m.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("twitch", "streams")
	}

	streams, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]twitch.Stream, error) {
		return m.catalog.ListLiveStreams(ctx, externalID, m.cfg.StreamPageSize)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: viewers for %s: %w", ErrLookupFailed, externalID, err)
	}

	var total int64
	for _, s := range streams {
		total += s.ViewerCount
	}
	return total, nil
}
