package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/cenkalti/backoff/v5"
	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/metricsserver"
	"go.ntppool.org/common/tracing"
	"go.ntppool.org/common/version"
	"golang.org/x/sync/errgroup"

	"go.nodeking.dev/nodeking/orchestrator"
	"go.nodeking.dev/nodeking/statusapi"
)

type serveCmd struct {
	Schedule    string `default:"@every 30m" help:"Cron expression for batch runs"`
	MetricsPort int    `default:"9000" help:"Port for the prometheus metrics endpoint"`
	Listen      string `default:"" help:"Address for the status API, e.g. :8080 (disabled when empty)"`
	Watch       bool   `help:"Run a batch when a local descriptor file changes"`
}

func (cmd *serveCmd) Help() string {
	return heredoc.Doc(`
		Runs one batch at startup and then on the cron schedule. Batches never
		overlap; a run that is due while another is in progress waits for it.

		With --watch, local descriptor files listed under source.urls are
		watched and a change triggers a batch.

		Prometheus metrics are served on --metrics-port. When --listen is set
		a read-only JSON status API is started as well.
	`)
}

func (cmd *serveCmd) Run(ctx context.Context, app *App) error {
	ctx = app.Context(ctx)
	log := app.Log

	log.InfoContext(ctx, "starting nodeking", "version", version.Version(), "state_dir", app.StateDir)

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, err := tracing.InitTracer(ctx, &tracing.TracerConfig{
			ServiceName: "nodeking",
		})
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.WarnContext(ctx, "tracing shutdown", "err", err)
			}
		}()
	}

	metricssrv := metricsserver.New()
	version.RegisterMetric("nodeking", metricssrv.Registry())

	l, closeStore, err := app.OpenLedger(ctx, metricssrv.Registry())
	if err != nil {
		return err
	}
	defer closeStore()

	runner, stop, err := app.newRunner(ctx, l, metricssrv.Registry())
	if err != nil {
		return err
	}
	defer stop()

	api := statusapi.New(ctx, l, runner.RunOnce)

	trigger := make(chan string, 1)
	request := func(why string) {
		select {
		case trigger <- why:
		default:
			// a batch is already queued
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	go func() {
		err := metricssrv.ListenAndServe(ctx, cmd.MetricsPort)
		if err != nil {
			log.ErrorContext(ctx, "metricssrv", "err", err)
		}
	}()

	if cmd.Listen != "" {
		g.Go(func() error {
			return api.ListenAndServe(ctx, cmd.Listen)
		})
	}

	c := cron.New()
	if _, err := c.AddFunc(cmd.Schedule, func() { request("schedule") }); err != nil {
		return fmt.Errorf("schedule %q: %w", cmd.Schedule, err)
	}
	c.Start()
	defer c.Stop()

	if cmd.Watch {
		files := localSources(app.Config.Source.URLs)
		if len(files) == 0 {
			log.WarnContext(ctx, "--watch given but no local descriptor files are configured")
		} else {
			g.Go(func() error {
				return watchFiles(ctx, files, 500*time.Millisecond, func() { request("file change") })
			})
		}
	}

	g.Go(func() error {
		return batchLoop(ctx, trigger, func(ctx context.Context) error {
			res, err := runner.RunOnce(ctx)
			api.Record(res)
			return err
		})
	})

	request("startup")

	return g.Wait()
}

// batchLoop runs a batch for every trigger until ctx is done. Failing
// batches are retried with exponential backoff; an empty source is not
// a failure.
func batchLoop(ctx context.Context, trigger <-chan string, run func(context.Context) error) error {
	log := logger.FromContext(ctx)

	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = 30 * time.Second
	expback.MaxInterval = 10 * time.Minute

	var retry <-chan time.Time

	for {
		var why string
		select {
		case <-ctx.Done():
			return nil
		case why = <-trigger:
		case <-retry:
			why = "retry"
		}
		retry = nil

		log.InfoContext(ctx, "starting batch", "trigger", why)
		err := run(ctx)
		switch {
		case err == nil:
			expback.Reset()
		case ctx.Err() != nil:
			return nil
		case orchestrator.IsEmpty(err):
			log.WarnContext(ctx, "no descriptors available", "err", err)
			expback.Reset()
		default:
			wait := expback.NextBackOff()
			log.ErrorContext(ctx, "batch failed", "err", err, "retry_in", wait)
			retry = time.After(wait)
		}
	}
}

// localSources returns the configured source locations that are local
// files.
func localSources(urls []string) []string {
	var files []string
	for _, u := range urls {
		switch {
		case strings.HasPrefix(u, "file://"):
			files = append(files, strings.TrimPrefix(u, "file://"))
		case strings.Contains(u, "://"):
		default:
			files = append(files, u)
		}
	}
	return files
}

// watchFiles calls fn after any of files is written, created or renamed
// into place. Events arriving within debounce of each other result in a
// single call. The parent directories are watched so atomic replaces
// are seen.
func watchFiles(ctx context.Context, files []string, debounce time.Duration, fn func()) error {
	log := logger.FromContext(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("file watcher: %w", err)
	}
	defer watcher.Close()

	names := map[string]bool{}
	dirs := map[string]bool{}
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil {
			return err
		}
		names[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
		log.InfoContext(ctx, "watching for descriptor changes", "dir", dir)
	}

	var debounceTimer *time.Timer
	for {
		var debounceC <-chan time.Time
		if debounceTimer != nil {
			debounceC = debounceTimer.C
		}

		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil

		case <-debounceC:
			debounceTimer = nil
			fn()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !names[filepath.Clean(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			log.DebugContext(ctx, "descriptor file changed", "event", event.String())
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "file watcher error", "err", err)
		}
	}
}
