package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/codes"
)

// Source supplies the descriptors for a batch.
type Source interface {
	Descriptors(ctx context.Context) ([]string, error)
}

// Publisher receives the ranked survivors of a batch.
type Publisher interface {
	Publish(ctx context.Context, survivors []string, king string) error
}

// Runner ties a Source, an Orchestrator and a Publisher together. Passes
// are serialized; a pass started while another is running waits.
type Runner struct {
	Source       Source
	Orchestrator *Orchestrator
	Publisher    Publisher

	mu sync.Mutex
}

// RunOnce fetches, evaluates and publishes a single batch. Nothing is
// published when the source yields no descriptors, so the previous
// output stays in place.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := logger.FromContext(ctx)

	descriptors, err := r.descriptors(ctx)
	if err != nil {
		r.Orchestrator.metrics.Batches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetching descriptors: %w", err)
	}

	res, err := r.Orchestrator.Evaluate(ctx, descriptors)
	if err != nil {
		return res, err
	}

	if r.Publisher == nil {
		return res, nil
	}
	if err := r.publish(ctx, res); err != nil {
		log.ErrorContext(ctx, "publish failed", "err", err)
		return res, fmt.Errorf("publishing batch %s: %w", res.BatchID, err)
	}
	return res, nil
}

func (r *Runner) descriptors(ctx context.Context) ([]string, error) {
	ctx, span := tracing.Start(ctx, "source.Descriptors")
	defer span.End()

	descriptors, err := r.Source.Descriptors(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return descriptors, err
}

func (r *Runner) publish(ctx context.Context, res *Result) error {
	ctx, span := tracing.Start(ctx, "publish")
	defer span.End()

	err := r.Publisher.Publish(ctx, res.Survivors, res.King)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// IsEmpty reports whether err means a batch had nothing to work on.
func IsEmpty(err error) bool {
	return errors.Is(err, ErrNoDescriptors)
}
