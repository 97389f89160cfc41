package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"go.ntppool.org/common/tracing"
	"golang.org/x/sync/errgroup"

	"go.nodeking.dev/nodeking/descriptor"
	"go.nodeking.dev/nodeking/ledger"
	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/orchestrator"
	"go.nodeking.dev/nodeking/probe"
	"go.nodeking.dev/nodeking/source"
)

type runCmd struct {
	JSON bool `help:"Print the batch result as JSON"`
}

func (cmd *runCmd) Run(ctx context.Context, app *App) error {
	ctx = app.Context(ctx)

	ctx, span := tracing.Start(ctx, "nodeking.run")
	defer span.End()

	l, closeStore, err := app.OpenLedger(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	r, stop, err := app.newRunner(ctx, l, nil)
	if err != nil {
		return err
	}
	defer stop()

	res, err := r.RunOnce(ctx)
	if err != nil {
		return err
	}

	if cmd.JSON {
		return writeJSON(os.Stdout, res)
	}
	writeResult(os.Stdout, res)
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeResult(w io.Writer, res *orchestrator.Result) {
	fmt.Fprintf(w, "batch %s: %d probed, %d ok, %d published, %d eliminated in %s\n",
		res.BatchID, res.Probed, res.Succeeded, len(res.Survivors), res.Eliminated,
		res.Duration.Round(time.Millisecond))
	if res.Choice == nil {
		fmt.Fprintln(w, "king: none")
	} else {
		c := res.Choice
		how := "current"
		switch {
		case c.Revived:
			how = "revived"
		case c.Historical:
			how = "historical"
		}
		fmt.Fprintf(w, "king: %s score=%.1f latency=%s (%s)\n", c.ID, c.Score, c.Latency, how)
	}
	fmt.Fprintln(w, res.Stats)
}

type checkCmd struct {
	Descriptors []string      `arg:"" optional:"" help:"Descriptors to probe; the configured sources are used when none are given"`
	File        string        `short:"f" type:"existingfile" help:"Read descriptors from a file"`
	Timeout     time.Duration `default:"3s" help:"Connect timeout per node"`
}

func (cmd *checkCmd) Run(ctx context.Context, app *App) error {
	ctx = app.Context(ctx)

	ctx, span := tracing.Start(ctx, "nodeking.check")
	defer span.End()

	descs := cmd.Descriptors
	if cmd.File != "" {
		b, err := os.ReadFile(cmd.File)
		if err != nil {
			return err
		}
		descs = append(descs, source.SplitDescriptors(b)...)
	}
	if len(descs) == 0 {
		var err error
		descs, err = app.newSource().Descriptors(ctx)
		if err != nil {
			return err
		}
	}
	descs = descriptor.Dedupe(descs)
	if len(descs) == 0 {
		return orchestrator.ErrNoDescriptors
	}

	results := checkAll(ctx, &probe.TCPProber{}, descs, cmd.Timeout, app.Config.Probe.Concurrency)
	return writeChecks(os.Stdout, results)
}

type checkResult struct {
	ID      nodeid.NodeID
	Addr    string
	Latency time.Duration
	Err     error
}

// checkAll probes each descriptor once, in input order. Nothing is
// recorded in the ledger.
func checkAll(ctx context.Context, p probe.Prober, descs []string, timeout time.Duration, concurrency int) []checkResult {
	results := make([]checkResult, len(descs))

	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))

	for i, d := range descs {
		results[i].ID = nodeid.ID(d)
		ep, err := descriptor.Parse(d)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Addr = ep.Address()
		g.Go(func() error {
			r := p.Probe(ctx, results[i].Addr, timeout)
			if !r.Success {
				results[i].Err = r.Err
				if results[i].Err == nil {
					results[i].Err = errors.New("probe failed")
				}
				return nil
			}
			results[i].Latency = r.Latency
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func writeChecks(w io.Writer, results []checkResult) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tADDRESS\tRESULT")
	for _, r := range results {
		res := r.Latency.Round(time.Millisecond).String()
		if r.Err != nil {
			res = "fail: " + r.Err.Error()
		}
		addr := r.Addr
		if addr == "" {
			addr = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ID, addr, res)
	}
	return tw.Flush()
}

type statsCmd struct {
	JSON bool `help:"Print statistics as JSON"`
}

func (cmd *statsCmd) Run(ctx context.Context, app *App) error {
	ctx = app.Context(ctx)

	l, closeStore, err := app.OpenLedger(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	st := l.Stats()
	if cmd.JSON {
		return writeJSON(os.Stdout, st)
	}
	writeStats(os.Stdout, st, l)
	return nil
}

func writeStats(w io.Writer, st ledger.Stats, l *ledger.Ledger) {
	fmt.Fprintf(w, "active nodes:   %d\n", st.Active)
	fmt.Fprintf(w, "dead nodes:     %d\n", st.Dead)
	fmt.Fprintf(w, "king history:   %d\n", st.History)
	fmt.Fprintf(w, "avg latency:    %s\n", st.AvgLatency)
	fmt.Fprintf(w, "avg success:    %.1f%%\n", st.AvgSuccess*100)
	fmt.Fprintf(w, "oldest node:    %d days\n", st.OldestNode)
	if !st.LastUpdated.IsZero() {
		fmt.Fprintf(w, "last updated:   %s\n", st.LastUpdated.Format(time.RFC3339))
	}
	if king, ok := l.GetKing(); ok {
		fmt.Fprintf(w, "king:           %s score=%.1f days=%d\n", king.ID, king.Score, king.KingDays)
	} else {
		fmt.Fprintln(w, "king:           none")
	}
}

type kingCmd struct {
	Revive string `help:"Revive the history king with this node ID" placeholder:"ID"`
	Best   bool   `help:"Weigh the current king against past kings and crown the best"`
}

func (cmd *kingCmd) Run(ctx context.Context, app *App) error {
	ctx = app.Context(ctx)

	l, closeStore, err := app.OpenLedger(ctx, nil)
	if err != nil {
		return err
	}
	defer closeStore()

	switch {
	case cmd.Revive != "":
		if err := l.ReviveHistoryKing(ctx, nodeid.NodeID(cmd.Revive)); err != nil {
			return err
		}
	case cmd.Best:
		if _, ok := l.BestKingOverall(ctx); !ok {
			fmt.Fprintln(os.Stderr, "no node qualifies as king")
			return nil
		}
		if err := l.Save(ctx); err != nil {
			return err
		}
	}

	king, ok := l.GetKing()
	if !ok {
		fmt.Fprintln(os.Stderr, "no king")
		return nil
	}
	fmt.Println(king.Descriptor)
	return nil
}
