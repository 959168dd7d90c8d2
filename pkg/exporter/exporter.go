// Package exporter runs one export: it fetches spot prices, writes the ones
// newer than the stored cursor to the sink and advances the cursor.
package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/spotexporter/pkg/log"
	"github.com/raterudder/spotexporter/pkg/pricing"
	"github.com/raterudder/spotexporter/pkg/retry"
	"github.com/raterudder/spotexporter/pkg/sink"
	"github.com/raterudder/spotexporter/pkg/storage"
	"github.com/raterudder/spotexporter/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "spotexporter/exporter"

// Config is the immutable configuration of an Exporter.
type Config struct {
	// Source is written on every exported row.
	Source string

	// Retry wraps the price fetch and every sink insert.
	Retry retry.Policy
}

// Validate checks if the config is usable.
func (c Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("source is required")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry-max-attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry-base-delay must not be negative")
	}
	return nil
}

// Exporter composes a price source, a sink and a state store into a run.
// Runs must not overlap; callers serialize them.
type Exporter struct {
	cfg    Config
	source pricing.Source
	sink   sink.Sink
	store  storage.StateStore

	newID func() string
	now   func() time.Time
}

// Option customizes an Exporter.
type Option func(*Exporter)

// WithIDGenerator replaces the random record id generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Exporter) {
		e.newID = fn
	}
}

// WithClock replaces the clock used to classify future records.
func WithClock(fn func() time.Time) Option {
	return func(e *Exporter) {
		e.now = fn
	}
}

// New returns an Exporter. Use sink.Noop or storage.Noop to disable the
// corresponding collaborator.
func New(cfg Config, source pricing.Source, s sink.Sink, store storage.StateStore, opts ...Option) *Exporter {
	e := &Exporter{
		cfg:    cfg,
		source: source,
		sink:   s,
		store:  store,
		newID:  uuid.NewString,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Configured returns an Exporter whose config is bound to flags.
func Configured(source pricing.Source, s sink.Sink, store storage.StateStore) *Exporter {
	tag := lflag.RequiredString("source", "Source tag written on every exported row")
	baseDelay := lflag.Duration("retry-base-delay", retry.DefaultBaseDelay, "Delay before the first retry; doubles on every retry")
	maxAttempts := lflag.Int("retry-max-attempts", retry.DefaultMaxAttempts, "Total attempts for the price fetch and each insert")

	e := New(Config{}, source, s, store)

	lflag.Do(func() {
		cfg := Config{
			Source: *tag,
			Retry: retry.Policy{
				BaseDelay:   *baseDelay,
				MaxAttempts: *maxAttempts,
			},
		}
		if err := cfg.Validate(); err != nil {
			panic(fmt.Sprintf("exporter validation failed: %v", err))
		}
		e.cfg = cfg
	})

	return e
}

// summary collects the counts logged at the end of a run.
type summary struct {
	fetched int
	written int
	skipped int
	future  int
	cursor  time.Time
}

// Run executes one export. The first failure aborts the run and is
// returned; records inserted before it stay in the sink but the cursor is
// not advanced, so the next run writes them again.
func (e *Exporter) Run(ctx context.Context) error {
	runID := uuid.NewString()
	ctx = log.WithAttrs(ctx, slog.String("runID", runID))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Exporter.Run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.String("source", e.cfg.Source),
	))
	defer span.End()

	start := time.Now()
	sum, err := e.run(ctx)
	span.SetAttributes(
		attribute.Int("records.fetched", sum.fetched),
		attribute.Int("records.written", sum.written),
		attribute.Int("records.skipped", sum.skipped),
		attribute.Int("records.future", sum.future),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Ctx(ctx).ErrorContext(
			ctx,
			"export run failed",
			slog.Int("written", sum.written),
			slog.Duration("took", time.Since(start)),
			slog.Any("error", err),
		)
		return err
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"export run finished",
		slog.Int("fetched", sum.fetched),
		slog.Int("written", sum.written),
		slog.Int("skipped", sum.skipped),
		slog.Int("future", sum.future),
		slog.Time("cursor", sum.cursor),
		slog.Duration("took", time.Since(start)),
	)
	return nil
}

func (e *Exporter) run(ctx context.Context) (summary, error) {
	var sum summary

	// every classification in this run uses the same instant
	now := e.now()

	if err := e.ensureSchema(ctx); err != nil {
		return sum, err
	}

	var prev *types.RunState
	if s, ok := e.store.Read(ctx); ok {
		prev = &s
		sum.cursor = s.Cursor
	} else {
		log.Ctx(ctx).InfoContext(ctx, "no previous run state, exporting everything")
	}

	prices, err := e.fetch(ctx)
	if err != nil {
		return sum, err
	}
	sum.fetched = len(prices)

	var (
		future      []types.SpotPrice
		lastWritten time.Time
	)
	writeCtx, writeSpan := otel.Tracer(tracerName).Start(ctx, "Exporter.Write")
	for _, p := range prices {
		p = p.WithIdentity(e.newID(), e.cfg.Source)

		if p.IsFuture(now) {
			future = append(future, p)
			sum.future++
		}

		if !prev.Admits(p) {
			sum.skipped++
			continue
		}

		err := retry.Run(writeCtx, e.cfg.Retry, "insert spot price", func(ctx context.Context) error {
			return e.sink.Insert(ctx, p)
		})
		if err != nil {
			writeSpan.RecordError(err)
			writeSpan.SetStatus(codes.Error, err.Error())
			writeSpan.End()
			return sum, fmt.Errorf("failed to insert spot price %s: %w", p.From.Format(time.RFC3339), err)
		}
		lastWritten = p.From
		sum.written++
	}
	writeSpan.SetAttributes(attribute.Int("records.written", sum.written))
	writeSpan.End()

	if sum.written == 0 {
		log.Ctx(ctx).InfoContext(ctx, "no new spot prices, leaving run state untouched")
		return sum, nil
	}

	next := types.RunState{
		Cursor:              lastWritten,
		CachedFutureRecords: future,
	}
	if err := e.persist(ctx, next); err != nil {
		return sum, err
	}
	sum.cursor = lastWritten
	return sum, nil
}

func (e *Exporter) ensureSchema(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Exporter.EnsureSchema")
	defer span.End()

	if err := e.sink.EnsureSchema(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to ensure sink schema: %w", err)
	}
	return nil
}

func (e *Exporter) fetch(ctx context.Context) ([]types.SpotPrice, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Exporter.Fetch")
	defer span.End()

	prices, err := retry.Do(ctx, e.cfg.Retry, "fetch spot prices", e.source.GetSpotPrices)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to fetch spot prices: %w", err)
	}
	span.SetAttributes(attribute.Int("records.fetched", len(prices)))
	log.Ctx(ctx).DebugContext(ctx, "fetched spot prices", slog.Int("count", len(prices)))
	return prices, nil
}

func (e *Exporter) persist(ctx context.Context, state types.RunState) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "Exporter.Persist", trace.WithAttributes(
		attribute.String("cursor", state.Cursor.Format(time.RFC3339)),
	))
	defer span.End()

	if err := e.store.Write(ctx, state); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &types.StorageError{Err: err}
	}
	return nil
}
