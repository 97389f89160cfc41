// Package orchestrator runs one evaluation batch: every descriptor is
// probed, the results are folded into the ledger, and the survivors are
// ranked with the king first.
package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"go.nodeking.dev/nodeking/config"
	"go.nodeking.dev/nodeking/descriptor"
	"go.nodeking.dev/nodeking/ledger"
	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/probe"
	"go.nodeking.dev/nodeking/scoring"
)

// ErrNoDescriptors is returned when a batch has nothing to evaluate.
var ErrNoDescriptors = errors.New("no descriptors to evaluate")

// Result is the outcome of one batch.
type Result struct {
	BatchID ulid.ULID `json:"batch_id"`

	// Survivors is ordered by latency, with the king (if any) first.
	Survivors []string `json:"survivors"`
	King      string   `json:"king,omitempty"`

	Choice *ledger.KingChoice `json:"choice,omitempty"`

	Probed     int `json:"probed"`
	Succeeded  int `json:"succeeded"`
	Eliminated int `json:"eliminated"`

	DailyCheck bool          `json:"daily_check"`
	Stats      ledger.Stats  `json:"stats"`
	Duration   time.Duration `json:"duration"`
}

type Orchestrator struct {
	cfg     config.Config
	ledger  *ledger.Ledger
	prober  probe.Prober
	metrics *Metrics
	rng     *rand.Rand
}

type Option func(*Orchestrator)

// WithRand sets the source used for probe timeouts and the daily check
// draw.
func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

func New(cfg config.Config, l *ledger.Ledger, p probe.Prober, reg prometheus.Registerer, opts ...Option) *Orchestrator {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	o := &Orchestrator{
		cfg:     cfg,
		ledger:  l,
		prober:  p,
		metrics: NewMetrics(reg),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return o
}

type task struct {
	descriptor string
	addr       string
	parseErr   error
	timeout    time.Duration
	result     probe.Result
}

const slowBatch = 30 * time.Second

// Evaluate probes descriptors concurrently and applies the results to
// the ledger one at a time. A failure to probe any single node never
// aborts the batch.
func (o *Orchestrator) Evaluate(ctx context.Context, descriptors []string) (*Result, error) {
	ctx, span := tracing.Start(ctx, "orchestrator.Evaluate")
	defer span.End()

	start := time.Now()
	res := &Result{BatchID: ulid.Make()}

	log := logger.FromContext(ctx).With("batch", res.BatchID.String())
	ctx = logger.NewContext(ctx, log)

	tasks := o.plan(descriptors)
	if len(tasks) == 0 {
		o.metrics.Batches.WithLabelValues("empty").Inc()
		span.SetStatus(codes.Error, ErrNoDescriptors.Error())
		return res, ErrNoDescriptors
	}
	span.SetAttributes(attribute.Int("nodes", len(tasks)))
	log.InfoContext(ctx, "starting batch", "nodes", len(tasks), "concurrency", o.cfg.Probe.Concurrency)

	o.probeAll(ctx, tasks)

	type survivor struct {
		descriptor string
		latency    time.Duration
	}
	var survivors []survivor

	for _, t := range tasks {
		res.Probed++

		latency := scoring.Unset()
		success := t.parseErr == nil && t.result.Success
		if success {
			latency = scoring.Millis(float64(t.result.Latency) / float64(time.Millisecond))
			res.Succeeded++
		}

		switch {
		case t.parseErr != nil:
			o.metrics.Probes.WithLabelValues("unparseable").Inc()
		case success:
			o.metrics.Probes.WithLabelValues("success").Inc()
		default:
			o.metrics.Probes.WithLabelValues("failure").Inc()
		}

		out := o.ledger.Update(ctx, t.descriptor, latency, success)
		if out.Eliminated {
			res.Eliminated++
			log.InfoContext(ctx, "node eliminated", "id", out.ID.Short(), "reason", out.Reason)
		}
		if !success || out.Ignored || out.Eliminated {
			continue
		}
		if t.result.Latency >= o.cfg.Ranking.MaxTestLatency {
			continue
		}
		survivors = append(survivors, survivor{t.descriptor, t.result.Latency})
	}

	slices.SortStableFunc(survivors, func(a, b survivor) int {
		return cmp.Compare(a.latency, b.latency)
	})

	res.Survivors = make([]string, 0, len(survivors)+1)
	for _, s := range survivors {
		res.Survivors = append(res.Survivors, s.descriptor)
	}

	if choice, ok := o.ledger.BestKingOverall(ctx); ok {
		res.Choice = &choice
		res.King = choice.Descriptor
		res.Survivors = kingFirst(res.Survivors, choice)
		log.InfoContext(ctx, "king selected",
			"id", choice.ID.Short(),
			"score", choice.Score,
			"latency", choice.Latency.String(),
			"historical", choice.Historical,
			"revived", choice.Revived,
		)
	} else {
		log.InfoContext(ctx, "no node qualifies as king")
	}

	if o.rng.Float64() < o.cfg.Batch.DailyCheckProbability {
		res.DailyCheck = true
		o.metrics.DailyChecks.Inc()
		if err := o.ledger.DailyCheck(ctx); err != nil {
			log.WarnContext(ctx, "daily check", "err", err)
		}
	}

	if err := o.ledger.Save(ctx); err != nil {
		// the ledger logs and counts the failure; the batch result is
		// still valid for publishing
		log.WarnContext(ctx, "could not persist ledger", "err", err)
	}

	if limit := o.cfg.Batch.MaxPoolSize; limit > 0 && len(res.Survivors) > limit {
		res.Survivors = res.Survivors[:limit]
	}

	res.Stats = o.ledger.Stats()
	res.Duration = time.Since(start)

	o.metrics.BatchDuration.Observe(res.Duration.Seconds())
	o.metrics.Survivors.Set(float64(len(res.Survivors)))
	o.metrics.Batches.WithLabelValues("ok").Inc()

	span.SetAttributes(
		attribute.Int("survivors", len(res.Survivors)),
		attribute.Int("eliminated", res.Eliminated),
	)
	log.InfoContext(ctx, "batch done",
		"probed", res.Probed,
		"succeeded", res.Succeeded,
		"survivors", len(res.Survivors),
		"eliminated", res.Eliminated,
		"duration", res.Duration,
	)
	if res.Duration > slowBatch {
		log.WarnContext(ctx, "slow batch", "duration", res.Duration, "nodes", len(tasks))
	}

	return res, nil
}

// plan dedupes descriptors by NodeID, keeping the first spelling, and
// draws each probe timeout up front so the rng is only used from this
// goroutine.
func (o *Orchestrator) plan(descriptors []string) []*task {
	seen := make(map[nodeid.NodeID]bool, len(descriptors))
	tasks := make([]*task, 0, len(descriptors))

	for _, d := range descriptors {
		if nodeid.Normalize(d) == "" {
			continue
		}
		id := nodeid.ID(d)
		if seen[id] {
			continue
		}
		seen[id] = true

		t := &task{
			descriptor: d,
			timeout:    probe.RandomTimeout(o.cfg.Probe.TimeoutMin, o.cfg.Probe.TimeoutMax, o.rng),
		}
		ep, err := descriptor.Parse(d)
		if err != nil {
			t.parseErr = err
		} else {
			t.addr = ep.Address()
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func (o *Orchestrator) probeAll(ctx context.Context, tasks []*task) {
	log := logger.FromContext(ctx)

	var g errgroup.Group
	g.SetLimit(max(o.cfg.Probe.Concurrency, 1))

	for _, t := range tasks {
		if t.parseErr != nil {
			log.DebugContext(ctx, "unparseable descriptor", "id", nodeid.ID(t.descriptor).Short(), "err", t.parseErr)
			continue
		}
		g.Go(func() error {
			t.result = o.prober.Probe(ctx, t.addr, t.timeout)
			if t.result.Err != nil {
				log.DebugContext(ctx, "probe failed", "addr", t.addr, "err", t.result.Err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// kingFirst moves the king to the front of list, inserting it when the
// king was not among this batch's survivors.
func kingFirst(list []string, choice ledger.KingChoice) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, choice.Descriptor)
	for _, d := range list {
		if nodeid.ID(d) == choice.ID {
			continue
		}
		out = append(out, d)
	}
	return out
}
