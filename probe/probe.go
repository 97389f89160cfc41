// Package probe measures how long it takes to open a TCP connection to a
// node.
package probe

import (
	"context"
	"math/rand/v2"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result is the outcome of one connect attempt. Latency is only
// meaningful when Success is true.
type Result struct {
	Latency time.Duration
	Success bool
	Err     error
}

// Prober opens a connection to addr and reports the result. Transport
// errors are returned inside the Result, never as a panic or an abort.
type Prober interface {
	Probe(ctx context.Context, addr string, timeout time.Duration) Result
}

// TCPProber dials with a fresh net.Dialer per attempt.
type TCPProber struct {
	// LocalAddr optionally pins the source address.
	LocalAddr net.Addr
}

func (p *TCPProber) Probe(ctx context.Context, addr string, timeout time.Duration) Result {
	initInstruments()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{LocalAddr: p.LocalAddr}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", addr)
	rtt := time.Since(start)

	if err != nil {
		probesTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.Bool("success", false)))
		return Result{Err: err}
	}
	conn.Close()

	probesTotal.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.Bool("success", true)))
	probeLatency.Record(context.WithoutCancel(ctx), float64(rtt)/float64(time.Millisecond))

	return Result{Latency: rtt, Success: true}
}

// RandomTimeout draws a timeout uniformly from [lo, hi]. A nil rng uses
// the global source.
func RandomTimeout(lo, hi time.Duration, rng *rand.Rand) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	var n int64
	if rng == nil {
		n = rand.Int64N(span + 1)
	} else {
		n = rng.Int64N(span + 1)
	}
	return lo + time.Duration(n)
}
