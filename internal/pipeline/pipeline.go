// Package pipeline runs ingestion: it fetches every selected source, links
// records to companies, classifies grants and persists each page whole.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"influence/internal/classifier"
	"influence/internal/models"
	"influence/internal/pipeline/metrics"
	"influence/internal/resilience"
	"influence/internal/resolver"
	"influence/internal/sources"
	"influence/internal/storage"
	id "influence/pkg/domain"
	"influence/pkg/requestcontext"
)

// ErrFatal marks failures that abort a whole run: invalid configuration or
// an unreachable repository. Everything else is reported per source.
var ErrFatal = errors.New("fatal ingestion error")

func fatal(format string, args ...any) error {
	return fmt.Errorf("%w: %w", ErrFatal, fmt.Errorf(format, args...))
}

// DefaultPageSize is used when none is configured.
const DefaultPageSize = 100

// EventPublisher announces persisted pages.
type EventPublisher interface {
	PublishBatch(ctx context.Context, event models.BatchEvent) error
}

// CacheInvalidator drops cached views of companies whose records changed.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, companyIDs ...id.CompanyID) error
}

// RunRequest selects what one run ingests.
type RunRequest struct {
	// Sources defaults to every registered source.
	Sources []models.SourceID
	// DryRun fetches, resolves and classifies without writing.
	DryRun bool
	// Since skips records dated before it.
	Since time.Time
	// StartPage restarts every selected source at that page.
	StartPage int
}

// Pipeline is safe for concurrent runs.
type Pipeline struct {
	adapters   *sources.Registry
	repo       storage.Repository
	classifier *classifier.Classifier
	variants   *resolver.Variants
	publisher  EventPublisher
	cache      CacheInvalidator
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	pageSize   int
	workers    int
}

// Option configures the Pipeline.
type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClassifier(c *classifier.Classifier) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.classifier = c
		}
	}
}

// WithVariants sets the resolver's variant table.
func WithVariants(v *resolver.Variants) Option {
	return func(p *Pipeline) {
		if v != nil {
			p.variants = v
		}
	}
}

func WithPublisher(pub EventPublisher) Option {
	return func(p *Pipeline) {
		p.publisher = pub
	}
}

func WithCacheInvalidator(c CacheInvalidator) Option {
	return func(p *Pipeline) {
		p.cache = c
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithPageSize sets the page size requested from adapters.
func WithPageSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithWorkers bounds how many sources are fetched at once. Zero means one
// worker per source.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// New creates a Pipeline.
func New(adapters *sources.Registry, repo storage.Repository, opts ...Option) (*Pipeline, error) {
	if adapters == nil {
		return nil, fatal("adapter registry is required")
	}
	if repo == nil {
		return nil, fatal("repository is required")
	}
	p := &Pipeline{
		adapters:   adapters,
		repo:       repo,
		classifier: classifier.Default(),
		variants:   resolver.DefaultVariants(),
		tracer:     otel.Tracer("influence/pipeline"),
		logger:     slog.Default(),
		pageSize:   DefaultPageSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// run is the state shared by the sources of one RunIngestion call.
type run struct {
	id       id.RunID
	req      RunRequest
	target   storage.Repository
	resolver *resolver.Resolver
}

// RunIngestion ingests the requested sources with bounded parallelism
// across sources; pages of one source are read in order. A source that
// fails or whose circuit is open does not stop the others. Cancelling ctx
// stops every source after the page it is persisting.
//
// The returned error is non-nil only for fatal conditions, wrapped in
// ErrFatal; the report is returned alongside it.
func (p *Pipeline) RunIngestion(ctx context.Context, req RunRequest) (*RunReport, error) {
	selected, err := p.selectSources(req.Sources)
	if err != nil {
		return nil, err
	}
	r := &run{id: id.NewRunID(), req: req, target: p.repo}
	ctx = requestcontext.WithRunID(ctx, r.id)
	report := &RunReport{RunID: r.id, DryRun: req.DryRun, StartedAt: time.Now()}

	ctx, span := p.tracer.Start(ctx, "pipeline.RunIngestion", trace.WithAttributes(
		attribute.String("run_id", r.id.String()),
		attribute.Bool("dry_run", req.DryRun),
		attribute.Int("sources", len(selected)),
	))
	defer span.End()

	if err := storage.Ping(ctx, p.repo); err != nil {
		span.SetStatus(codes.Error, "repository unreachable")
		return report, fatal("repository unreachable: %w", err)
	}
	var overlay *storage.Overlay
	if req.DryRun {
		overlay = storage.NewOverlay(p.repo)
		r.target = overlay
	}
	r.resolver, err = resolver.New(r.target, resolver.WithVariants(p.variants), resolver.WithLogger(p.logger))
	if err != nil {
		return report, fatal("resolver: %w", err)
	}

	p.logger.InfoContext(ctx, "ingestion run started",
		"run_id", r.id,
		"sources", selected,
		"dry_run", req.DryRun,
		"since", req.Since,
	)

	workers := p.workers
	if workers == 0 {
		workers = len(selected)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, a := range selected {
		sr := &SourceReport{Source: a.Source(), Live: a.IsConfigured()}
		report.Sources = append(report.Sources, sr)
		g.Go(func() error {
			return p.runSource(gctx, r, a, sr)
		})
	}
	err = g.Wait()

	report.FinishedAt = time.Now()
	if overlay != nil {
		report.StagedCompanies, report.StagedRecords = overlay.Staged()
	}
	p.metrics.ObserveRun(req.DryRun, report.FinishedAt.Sub(report.StartedAt).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run aborted")
		p.logger.ErrorContext(ctx, "ingestion run aborted", "run_id", r.id, "error", err)
		return report, err
	}
	p.logger.InfoContext(ctx, "ingestion run finished",
		"run_id", r.id,
		"records", report.Records(),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

// selectSources resolves the requested sources to adapters, in the fixed
// source order.
func (p *Pipeline) selectSources(requested []models.SourceID) ([]sources.Adapter, error) {
	if len(requested) == 0 {
		requested = p.adapters.Sources()
	}
	var out []sources.Adapter
	for _, s := range models.AllSources {
		if !slices.Contains(requested, s) {
			continue
		}
		a, ok := p.adapters.Get(s)
		if !ok {
			return nil, fatal("source %s is not configured", s)
		}
		out = append(out, a)
	}
	for _, s := range requested {
		if !s.IsValid() {
			return nil, fatal("unknown source %q", s)
		}
	}
	if len(out) == 0 {
		return nil, fatal("no sources selected")
	}
	return out, nil
}

// runSource reads one source to its end or until it becomes unavailable.
// Only fatal errors are returned.
func (p *Pipeline) runSource(ctx context.Context, r *run, a sources.Adapter, sr *SourceReport) error {
	start := time.Now()
	source := a.Source()
	logger := p.logger.With("run_id", r.id, "source", source)
	defer func() {
		sr.Duration = time.Since(start)
		p.metrics.IncSourceOutcome(string(source), string(sr.Outcome))
	}()

	cursor := sources.Cursor{Page: r.req.StartPage, Since: r.req.Since}
	for page, err := range a.Fetch(ctx, cursor, p.pageSize) {
		if err != nil {
			if stop := p.pageFailed(ctx, logger, sr, page, cursor.Since, err); stop {
				return nil
			}
			continue
		}

		// A fetched page is written whole even if the run is cancelled meanwhile.
		if err := p.processPage(context.WithoutCancel(ctx), r, source, page, sr); err != nil {
			sr.Outcome = OutcomeFailed
			sr.Error = err.Error()
			return err
		}
		sr.NextCursor = nextCursor(page)
		if ctx.Err() != nil {
			sr.Outcome = OutcomeCancelled
			logger.WarnContext(ctx, "source cancelled", "next_cursor", sr.NextCursor)
			return nil
		}
	}
	if sr.Outcome == "" {
		sr.Outcome = OutcomeCompleted
	}
	logger.InfoContext(ctx, "source finished",
		"outcome", sr.Outcome,
		"pages", sr.Pages,
		"records", sr.Records,
		"page_errors", sr.PageErrors,
	)
	return nil
}

// pageFailed classifies a page error and reports whether the source stops.
func (p *Pipeline) pageFailed(ctx context.Context, logger *slog.Logger, sr *SourceReport, page sources.Page, since time.Time, err error) bool {
	var circuitErr *resilience.CircuitOpenError
	var failure *resilience.IngestionFailure
	resume := sources.Cursor{Page: page.Number, Since: since}.String()
	if resume == "" {
		resume = "page=1"
	}
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		sr.Outcome = OutcomeCancelled
		sr.NextCursor = resume
		logger.WarnContext(ctx, "source cancelled", "page", page.Number)
		return true
	case errors.As(err, &circuitErr):
		sr.Outcome = OutcomeCircuitOpen
		sr.Error = err.Error()
		sr.NextCursor = resume
		logger.WarnContext(ctx, "source skipped, circuit open", "page", page.Number, "opened_at", circuitErr.OpenedAt)
		return true
	case errors.As(err, &failure):
		sr.Outcome = OutcomeFailed
		sr.Error = err.Error()
		sr.NextCursor = resume
		logger.ErrorContext(ctx, "source unavailable this run", "page", page.Number, "attempts", failure.Attempts, "error", err)
		return true
	case resilience.IsPermanent(err):
		sr.PageErrors++
		p.metrics.IncPage(string(sr.Source), "skipped")
		logger.WarnContext(ctx, "page skipped",
			"page", page.Number,
			"category", resilience.GetCategory(err),
			"error", err,
		)
		return false
	default:
		sr.Outcome = OutcomeFailed
		sr.Error = err.Error()
		sr.NextCursor = resume
		logger.ErrorContext(ctx, "source failed", "page", page.Number, "error", err)
		return true
	}
}

func nextCursor(page sources.Page) string {
	if page.Next == nil {
		return ""
	}
	return page.Next.String()
}
