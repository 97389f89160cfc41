package probe

import (
	"context"
	"math/rand/v2"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestTCPProberSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := &TCPProber{}
	res := p.Probe(context.Background(), ln.Addr().String(), time.Second)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Greater(t, res.Latency, time.Duration(0))
	assert.Less(t, res.Latency, time.Second)
}

func TestTCPProberRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	p := &TCPProber{}
	res := p.Probe(context.Background(), addr, time.Second)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestTCPProberCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &TCPProber{}
	res := p.Probe(ctx, "127.0.0.1:9", time.Second)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

type ctxCounter struct {
	noop.Int64Counter
	mu   sync.Mutex
	errs []error
}

func (c *ctxCounter) Add(ctx context.Context, _ int64, _ ...metric.AddOption) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, ctx.Err())
}

func TestFailedDialCountedAfterCancel(t *testing.T) {
	initInstruments()
	counter := &ctxCounter{}
	orig := probesTotal
	probesTotal = counter
	defer func() { probesTotal = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &TCPProber{}
	res := p.Probe(ctx, "127.0.0.1:9", time.Second)
	require.False(t, res.Success)

	counter.mu.Lock()
	defer counter.mu.Unlock()
	require.Len(t, counter.errs, 1)
	assert.NoError(t, counter.errs[0], "failure count recorded with a live context")
}

func TestRandomTimeout(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	lo, hi := time.Second, 2500*time.Millisecond
	for range 1000 {
		d := RandomTimeout(lo, hi, rng)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
	}

	assert.Equal(t, lo, RandomTimeout(lo, lo, nil))
	assert.Equal(t, hi, RandomTimeout(hi, lo, nil))

	d := RandomTimeout(lo, hi, nil)
	assert.GreaterOrEqual(t, d, lo)
	assert.LessOrEqual(t, d, hi)
}
