package orchestrator

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.nodeking.dev/nodeking/config"
	"go.nodeking.dev/nodeking/ledger"
	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/probe"
	"go.nodeking.dev/nodeking/scoring"
	tu "go.nodeking.dev/nodeking/testutil"
)

var t0 = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

const (
	fast    = "trojan://pw@198.51.100.1:443"
	medium  = "trojan://pw@198.51.100.2:443"
	slow    = "trojan://pw@198.51.100.3:443"
	tooSlow = "trojan://pw@198.51.100.4:443"
	down    = "trojan://pw@198.51.100.5:443"
	junk    = "not a descriptor"
)

// fakeProber answers from a table keyed by address; unknown addresses
// fail.
type fakeProber struct {
	results map[string]probe.Result
	delay   time.Duration

	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32

	mu       sync.Mutex
	timeouts []time.Duration
}

func (p *fakeProber) Probe(ctx context.Context, addr string, timeout time.Duration) probe.Result {
	p.calls.Add(1)
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	p.mu.Lock()
	p.timeouts = append(p.timeouts, timeout)
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if r, ok := p.results[addr]; ok {
		return r
	}
	return probe.Result{Err: errors.New("connection refused")}
}

func ok(ms int) probe.Result {
	return probe.Result{Success: true, Latency: time.Duration(ms) * time.Millisecond}
}

func newProber() *fakeProber {
	return &fakeProber{results: map[string]probe.Result{
		"198.51.100.1:443": ok(30),
		"198.51.100.2:443": ok(120),
		"198.51.100.3:443": ok(400),
		"198.51.100.4:443": ok(2500),
	}}
}

type fixture struct {
	ctx    context.Context
	cfg    config.Config
	ledger *ledger.Ledger
	store  *ledger.FileStore
	prober *fakeProber
	reg    *prometheus.Registry
}

func newFixture(t *testing.T, mod func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Batch.DailyCheckProbability = 0
	if mod != nil {
		mod(&cfg)
	}
	f := &fixture{
		ctx:    tu.NewTestLogger(t).Context(),
		cfg:    cfg,
		store:  ledger.NewFileStore(filepath.Join(t.TempDir(), "ledger.json")),
		prober: newProber(),
		reg:    prometheus.NewRegistry(),
	}
	f.ledger = ledger.New(cfg.Ranking, f.store, ledger.WithClock(tu.NewFrozenTime(t0).Now))
	return f
}

func (f *fixture) orchestrator() *Orchestrator {
	return New(f.cfg, f.ledger, f.prober, f.reg, WithRand(rand.New(rand.NewPCG(1, 2))))
}

func TestEvaluateRanksSurvivors(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()

	res, err := o.Evaluate(f.ctx, []string{slow, junk, down, tooSlow, medium, fast})
	require.NoError(t, err)

	assert.Equal(t, []string{fast, medium, slow}, res.Survivors)
	assert.Equal(t, fast, res.King)
	require.NotNil(t, res.Choice)
	assert.Equal(t, nodeid.ID(fast), res.Choice.ID)
	assert.Equal(t, 6, res.Probed)
	assert.Equal(t, 4, res.Succeeded)
	assert.Equal(t, 0, res.Eliminated)
	assert.NotZero(t, res.BatchID)

	// the unparseable descriptor never reaches the prober
	assert.EqualValues(t, 5, f.prober.calls.Load())

	n, found := f.ledger.Lookup(junk)
	require.True(t, found)
	assert.Equal(t, 1, n.FailCount)

	n, found = f.ledger.Lookup(tooSlow)
	require.True(t, found)
	assert.Equal(t, 1, n.SuccessCount, "slow success still counts in the ledger")

	// persisted at the end of the batch
	doc, err := f.store.Load(f.ctx)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Len(t, doc.Nodes, 6)

	assert.Equal(t, 3.0, testutil.ToFloat64(o.metrics.Survivors))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.metrics.Probes.WithLabelValues("unparseable")))
	assert.Equal(t, 4.0, testutil.ToFloat64(o.metrics.Probes.WithLabelValues("success")))
}

func TestEvaluateDedupesByNodeID(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orchestrator().Evaluate(f.ctx, []string{fast, " " + fast + "\n", fast, "", "  "})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Probed)
	assert.EqualValues(t, 1, f.prober.calls.Load())
	assert.Equal(t, []string{fast}, res.Survivors)
}

func TestEvaluateEmpty(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orchestrator().Evaluate(f.ctx, nil)
	require.ErrorIs(t, err, ErrNoDescriptors)
	assert.True(t, IsEmpty(err))
	require.NotNil(t, res)
	assert.Empty(t, res.Survivors)
}

func TestEvaluateWithoutKing(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.orchestrator().Evaluate(f.ctx, []string{down, junk})
	require.NoError(t, err)

	assert.Empty(t, res.King)
	assert.Nil(t, res.Choice)
	assert.Empty(t, res.Survivors)
	assert.Equal(t, 2, res.Probed)
	assert.Equal(t, 0, res.Succeeded)

	_, hasKing := f.ledger.GetKing()
	assert.False(t, hasKing)
}

func TestEvaluateKingInsertedWhenNotProbed(t *testing.T) {
	f := newFixture(t, nil)

	f.ledger.Update(f.ctx, slow, scoring.Millis(400), true)
	_, crowned := f.ledger.SelectKing(f.ctx)
	require.True(t, crowned)

	res, err := f.orchestrator().Evaluate(f.ctx, []string{medium, fast})
	require.NoError(t, err)

	// the sitting king stays on top until it is displaced
	assert.Equal(t, slow, res.King)
	assert.Equal(t, []string{slow, fast, medium}, res.Survivors)
}

func TestEvaluateFailuresEliminate(t *testing.T) {
	f := newFixture(t, nil)
	o := f.orchestrator()

	var res *Result
	for range f.cfg.Ranking.MaxConsecutiveFails {
		var err error
		res, err = o.Evaluate(f.ctx, []string{fast, down})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, res.Eliminated)
	assert.True(t, f.ledger.IsDead(down))

	res, err := o.Evaluate(f.ctx, []string{fast, down})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Eliminated)
	assert.Equal(t, []string{fast}, res.Survivors)
}

func TestEvaluateTruncatesPool(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Batch.MaxPoolSize = 2
	})

	res, err := f.orchestrator().Evaluate(f.ctx, []string{slow, medium, fast})
	require.NoError(t, err)
	assert.Equal(t, []string{fast, medium}, res.Survivors)
}

func TestEvaluateDailyCheck(t *testing.T) {
	tests := []struct {
		name        string
		probability float64
		want        bool
	}{
		{"always", 1, true},
		{"never", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(c *config.Config) {
				c.Batch.DailyCheckProbability = tt.probability
			})

			res, err := f.orchestrator().Evaluate(f.ctx, []string{fast})
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.DailyCheck)

			doc := f.ledger.Snapshot()
			if tt.want {
				assert.NotNil(t, doc.DailyCheckTime)
			} else {
				assert.Nil(t, doc.DailyCheckTime)
			}
		})
	}
}

func TestEvaluateConcurrencyAndTimeouts(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Probe.Concurrency = 2
		c.Probe.TimeoutMin = time.Second
		c.Probe.TimeoutMax = 2 * time.Second
	})
	f.prober.delay = 20 * time.Millisecond

	_, err := f.orchestrator().Evaluate(f.ctx, []string{fast, medium, slow, tooSlow, down})
	require.NoError(t, err)

	assert.EqualValues(t, 5, f.prober.calls.Load())
	assert.LessOrEqual(t, f.prober.peak.Load(), int32(2))

	require.Len(t, f.prober.timeouts, 5)
	for _, d := range f.prober.timeouts {
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 2*time.Second)
	}
}

func TestKingFirst(t *testing.T) {
	choice := ledger.KingChoice{ID: nodeid.ID(slow), Descriptor: slow}

	assert.Equal(t, []string{slow, fast}, kingFirst([]string{fast, slow}, choice))
	assert.Equal(t, []string{slow, fast}, kingFirst([]string{fast}, choice))
	assert.Equal(t, []string{slow}, kingFirst(nil, choice))
}
