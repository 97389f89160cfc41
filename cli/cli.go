// Package cli is the kong command tree for the nodeking binary.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"

	"go.nodeking.dev/nodeking/config"
	"go.nodeking.dev/nodeking/ledger"
	"go.nodeking.dev/nodeking/ledger/sqlstore"
	"go.nodeking.dev/nodeking/orchestrator"
	"go.nodeking.dev/nodeking/probe"
	"go.nodeking.dev/nodeking/publish"
	"go.nodeking.dev/nodeking/source"
)

func init() {
	logger.ConfigPrefix = "NODEKING"
}

const configFile = "nodeking.yaml"

type Cmd struct {
	StateDir string `name:"state-dir" help:"Directory for the ledger and published files (default: NODEKING_STATE_DIR, STATE_DIRECTORY or the user config directory)"`
	Config   string `name:"config" short:"c" help:"YAML configuration file (default: <state-dir>/nodeking.yaml when present)" type:"path"`
	Debug    bool   `help:"Enable debug logging" env:"NODEKING_DEBUG"`

	LedgerDSN string `name:"ledger-dsn" env:"NODEKING_LEDGER_DSN" help:"MySQL DSN for the ledger; selects the mysql driver"`

	Run     runCmd     `cmd:"" help:"Fetch, probe and publish one batch"`
	Serve   serveCmd   `cmd:"" help:"Run batches on a schedule"`
	Check   checkCmd   `cmd:"" help:"Probe descriptors without recording results"`
	Stats   statsCmd   `cmd:"" help:"Show ledger statistics"`
	King    kingCmd    `cmd:"" help:"Show or revive the king"`
	Version versionCmd `cmd:"" help:"Show version"`
}

// BeforeApply resolves the state directory. An explicit --state-dir or
// NODEKING_STATE_DIR wins, then the systemd STATE_DIRECTORY, then the
// user config directory.
func (c *Cmd) BeforeApply() error {
	if c.StateDir != "" {
		return nil
	}
	if dir := os.Getenv("NODEKING_STATE_DIR"); dir != "" {
		c.StateDir = dir
		return nil
	}
	if dir := os.Getenv("STATE_DIRECTORY"); dir != "" {
		c.StateDir = dir
		return nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("finding state directory: %w", err)
	}
	c.StateDir = filepath.Join(dir, "nodeking")
	return nil
}

func (c *Cmd) AfterApply(kctx *kong.Context, ctx context.Context) error {
	app, err := c.setup(ctx)
	if err != nil {
		return err
	}
	kctx.Bind(app)
	return nil
}

// App is what every command gets: the loaded configuration and a
// logger, with relative paths resolved against StateDir.
type App struct {
	Config   config.Config
	StateDir string
	Log      *slog.Logger
}

func (c *Cmd) setup(ctx context.Context) (*App, error) {
	var log *slog.Logger
	if c.Debug {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	} else {
		log = logger.Setup()
	}

	path := c.Config
	if path == "" {
		candidate := filepath.Join(c.StateDir, configFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	var overrides []config.Override
	if c.LedgerDSN != "" {
		overrides = append(overrides, func(cfg *config.Config) {
			cfg.Ledger.Driver = config.DriverMySQL
			cfg.Ledger.DSN = c.LedgerDSN
		})
	}

	cfg, err := config.Load(path, overrides...)
	if err != nil {
		return nil, err
	}
	if path != "" {
		log.DebugContext(ctx, "loaded configuration", "path", path)
	}

	return &App{Config: cfg, StateDir: c.StateDir, Log: log}, nil
}

// Context returns ctx carrying the app logger.
func (a *App) Context(ctx context.Context) context.Context {
	return logger.NewContext(ctx, a.Log)
}

// Path resolves p against the state directory.
func (a *App) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.StateDir, p)
}

func (a *App) openStore(ctx context.Context) (ledger.Store, func() error, error) {
	switch a.Config.Ledger.Driver {
	case config.DriverMySQL:
		db, err := sqlstore.Open(ctx, a.Config.Ledger.DSN)
		if err != nil {
			return nil, nil, err
		}
		st := sqlstore.New(db, a.Config.Ledger.Name)
		if err := st.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return st, db.Close, nil
	default:
		if err := os.MkdirAll(a.StateDir, 0o700); err != nil {
			return nil, nil, err
		}
		return ledger.NewFileStore(a.Path(a.Config.Ledger.Path)), func() error { return nil }, nil
	}
}

// OpenLedger opens the configured store and loads the ledger from it.
// A ledger that cannot be read is logged and replaced with an empty
// one. reg may be nil.
func (a *App) OpenLedger(ctx context.Context, reg prometheus.Registerer) (*ledger.Ledger, func() error, error) {
	st, closer, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("opening ledger store: %w", err)
	}

	opts := []ledger.Option{ledger.WithRetention(a.Config.Ledger.DeadRetention)}
	if reg != nil {
		opts = append(opts, ledger.WithMetrics(ledger.NewMetrics(reg)))
	}
	l := ledger.New(a.Config.Ranking, st, opts...)

	if err := l.Load(ctx); err != nil {
		a.Log.WarnContext(ctx, "ledger reset", "err", err)
	}
	return l, closer, nil
}

func (a *App) newSource() *source.Pipeline {
	f := source.NewFetcher(nil, a.Config.Source.HTTPTimeout, a.Config.Source.Retry)
	return source.NewPipeline(a.Config.Source, f)
}

// newPublisher returns the file publisher plus MQTT when a broker is
// configured. The returned stop function disconnects from the broker.
func (a *App) newPublisher(ctx context.Context) (publish.Publisher, func(), error) {
	pubs := publish.Multi{
		&publish.File{
			NodesPath: a.Path(a.Config.Publish.NodesPath),
			KingPath:  a.Path(a.Config.Publish.KingPath),
		},
	}
	stop := func() {}

	if a.Config.Publish.MQTT.Broker != "" {
		mq, cm, err := publish.NewMQTT(ctx, a.Config.Publish.MQTT)
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt: %w", err)
		}
		pubs = append(pubs, mq)
		stop = func() {
			if err := cm.Disconnect(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, context.Canceled) {
				a.Log.WarnContext(ctx, "mqtt disconnect", "err", err)
			}
		}
	}
	return pubs, stop, nil
}

// newRunner wires source, orchestrator and publishers for one ledger.
func (a *App) newRunner(ctx context.Context, l *ledger.Ledger, reg prometheus.Registerer) (*orchestrator.Runner, func(), error) {
	pub, stop, err := a.newPublisher(ctx)
	if err != nil {
		return nil, nil, err
	}
	return &orchestrator.Runner{
		Source:       a.newSource(),
		Orchestrator: orchestrator.New(a.Config, l, &probe.TCPProber{}, reg),
		Publisher:    pub,
	}, stop, nil
}

type versionCmd struct{}

func (versionCmd) Run(ctx context.Context) error {
	fmt.Println("nodeking", version.Version())
	return nil
}
