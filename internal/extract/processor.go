package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/source"
	"github.com/pavelanni/assessor/internal/tracing"
)

// Extractor extracts questions from a document.
type Extractor interface {
	Extract(ctx context.Context, doc Document, opts Options) (Output, error)
}

// QueueStore is the content-queue persistence used by the processor.
type QueueStore interface {
	ListClaimable(ctx context.Context, staleBefore time.Time, limit int) ([]model.QueueItem, error)
	ClaimQueueItem(ctx context.Context, id string, staleBefore time.Time) (model.QueueItem, error)
	CompleteQueueItem(ctx context.Context, id string, items []model.ReviewItem) error
	FailQueueItem(ctx context.Context, id, errText string) error
	ReleaseQueueItem(ctx context.Context, id string) error
}

// ProcessorConfig tunes queue processing.
type ProcessorConfig struct {
	StaleAfter time.Duration
	Workers    int
	BatchSize  int
	AutoTag    bool
}

// Processor moves queue items through extraction.
type Processor struct {
	engine Extractor
	src    source.Source
	queue  QueueStore
	cfg    ProcessorConfig
	now    func() time.Time
}

func NewProcessor(engine Extractor, src source.Source, queue QueueStore, cfg ProcessorConfig) *Processor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Processor{engine: engine, src: src, queue: queue, cfg: cfg, now: time.Now}
}

// Stats summarizes one processing pass.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Process claims a queue item, extracts it and records the outcome. A claim
// lost to another worker is returned as a StateConflict. Extraction failures
// leave the item failed and are returned. If ctx ends first the item goes
// back to pending.
func (p *Processor) Process(ctx context.Context, id string) (Output, error) {
	ctx, span := tracing.Tracer().Start(ctx, "extract.process")
	span.SetAttributes(attribute.String("queue.item", id))
	defer span.End()

	item, err := p.queue.ClaimQueueItem(ctx, id, p.staleBefore())
	if err != nil {
		return Output{}, err
	}
	metrics.QueueTransitions.WithLabelValues(string(model.QueueProcessing)).Inc()
	slog.Info("queue item claimed", "id", item.ID, "file", item.FileName)

	out, err := p.extract(ctx, item)
	if err != nil && ctx.Err() != nil {
		span.RecordError(err)
		if rerr := p.queue.ReleaseQueueItem(context.WithoutCancel(ctx), item.ID); rerr != nil {
			slog.Error("release queue item", "id", item.ID, "error", rerr)
		} else {
			metrics.QueueTransitions.WithLabelValues(string(model.QueuePending)).Inc()
		}
		slog.Warn("extraction abandoned, item released", "id", item.ID, "file", item.FileName, "error", err)
		return Output{}, err
	}
	if err != nil {
		span.RecordError(err)
		if ferr := p.queue.FailQueueItem(context.WithoutCancel(ctx), item.ID, err.Error()); ferr != nil {
			slog.Error("mark queue item failed", "id", item.ID, "error", ferr)
		} else {
			metrics.QueueTransitions.WithLabelValues(string(model.QueueFailed)).Inc()
		}
		slog.Warn("extraction failed", "id", item.ID, "file", item.FileName, "error", err)
		return Output{}, err
	}

	reviews := make([]model.ReviewItem, 0, len(out.Questions))
	for _, q := range out.Questions {
		reviews = append(reviews, model.ReviewItem{
			Stem:     q.StemMarkdown,
			Topic:    q.Taxonomy.Topic,
			Answer:   q.ReferenceAnswer(),
			Taxonomy: q.Taxonomy,
			Question: q,
		})
	}
	if err := p.queue.CompleteQueueItem(ctx, item.ID, reviews); err != nil {
		return Output{}, fmt.Errorf("complete queue item %s: %w", item.ID, err)
	}
	metrics.QueueTransitions.WithLabelValues(string(model.QueueCompleted)).Inc()
	slog.Info("queue item completed", "id", item.ID, "questions", len(reviews))
	return out, nil
}

func (p *Processor) extract(ctx context.Context, item model.QueueItem) (Output, error) {
	data, err := p.src.Fetch(ctx, item.SourcePath)
	if err != nil {
		return Output{}, fmt.Errorf("fetch %s: %w", item.SourcePath, err)
	}
	doc := Document{Name: item.FileName, ContentType: "application/pdf", Data: data}
	opts := Options{Curriculum: item.Curriculum, Subject: item.Subject, AutoTag: p.cfg.AutoTag}

	out, err := p.engine.Extract(ctx, doc, opts)
	if _, isReasoning := apperr.ReasonOf(err); isReasoning {
		slog.Warn("extraction reasoning failed, retrying once", "id", item.ID, "error", err)
		out, err = p.engine.Extract(ctx, doc, opts)
	}
	return out, err
}

// RunOnce processes every claimable item on a bounded pool of workers.
func (p *Processor) RunOnce(ctx context.Context) (Stats, error) {
	items, err := p.queue.ListClaimable(ctx, p.staleBefore(), p.cfg.BatchSize)
	if err != nil {
		return Stats{}, apperr.Upstream("document database", err)
	}

	var completed, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, it := range items {
		g.Go(func() error {
			_, err := p.Process(gctx, it.ID)
			switch {
			case err == nil:
				completed.Add(1)
			case apperr.IsStateConflict(err):
				skipped.Add(1)
			case errors.Is(err, context.Canceled):
				return err
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	return Stats{
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
	}, err
}

// Run polls the queue every interval until ctx is done.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("queue pass failed", "error", err)
		} else if stats != (Stats{}) {
			slog.Info("queue pass finished", "completed", stats.Completed, "failed", stats.Failed, "skipped", stats.Skipped)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Processor) staleBefore() time.Time {
	return p.now().Add(-p.cfg.StaleAfter)
}
