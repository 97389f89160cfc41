// Package statusapi serves a read-only JSON view of the ledger and the
// most recent batch, plus an endpoint to start a batch on demand.
package statusapi

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	slogecho "github.com/samber/slog-echo"
	"go.ntppool.org/common/logger"
	"go.ntppool.org/common/version"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"go.nodeking.dev/nodeking/ledger"
	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/orchestrator"
)

// Ledger is the part of the ledger the API reads.
type Ledger interface {
	Snapshot() *ledger.Document
	Stats() ledger.Stats
	GetKing() (ledger.Node, bool)
}

// BatchFunc runs one batch, as Runner.RunOnce does.
type BatchFunc func(ctx context.Context) (*orchestrator.Result, error)

type Server struct {
	ledger Ledger
	run    BatchFunc
	log    *slog.Logger

	last *lastResult
}

func New(ctx context.Context, l Ledger, run BatchFunc) *Server {
	return &Server{
		ledger: l,
		run:    run,
		log:    logger.FromContext(ctx).With("component", "statusapi"),
		last:   &lastResult{},
	}
}

// Record stores res as the latest batch shown by /batch.
func (s *Server) Record(res *orchestrator.Result) {
	s.last.set(res)
}

// Handler builds the echo router.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(otelecho.Middleware("nodeking"))
	e.Use(slogecho.New(s.log))

	e.GET("/healthz", s.health)
	e.GET("/stats", s.stats)
	e.GET("/king", s.king)
	e.GET("/nodes", s.nodes)
	e.GET("/kings", s.kings)
	e.GET("/dead", s.dead)
	e.GET("/batch", s.batch)
	e.POST("/run", s.trigger)

	return e
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, listen string) error {
	e := s.Handler()

	errc := make(chan error, 1)
	go func() {
		s.log.InfoContext(ctx, "status api listening", "listen", listen)
		errc <- e.Start(listen)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"ok":      true,
		"version": version.VersionInfo(),
	})
}

func (s *Server) stats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ledger.Stats())
}

func (s *Server) king(c echo.Context) error {
	n, ok := s.ledger.GetKing()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no king")
	}
	return c.JSON(http.StatusOK, n)
}

type nodeJSON struct {
	ID nodeid.NodeID `json:"id"`
	*ledger.NodeRecord
}

func (s *Server) nodes(c echo.Context) error {
	doc := s.ledger.Snapshot()
	r := make([]nodeJSON, 0, len(doc.Nodes))
	for id, rec := range doc.Nodes {
		r = append(r, nodeJSON{ID: id, NodeRecord: rec})
	}
	slices.SortFunc(r, func(a, b nodeJSON) int {
		if n := cmp.Compare(b.Score, a.Score); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return c.JSON(http.StatusOK, r)
}

type kingJSON struct {
	ID nodeid.NodeID `json:"id"`
	*ledger.KingEntry
}

func (s *Server) kings(c echo.Context) error {
	doc := s.ledger.Snapshot()
	r := make([]kingJSON, 0, len(doc.Kings))
	for id, e := range doc.Kings {
		r = append(r, kingJSON{ID: id, KingEntry: e})
	}
	slices.SortFunc(r, func(a, b kingJSON) int {
		if n := b.StartTime.Compare(a.StartTime); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return c.JSON(http.StatusOK, r)
}

type deadJSON struct {
	ID nodeid.NodeID `json:"id"`
	*ledger.DeadRecord
}

func (s *Server) dead(c echo.Context) error {
	doc := s.ledger.Snapshot()
	r := make([]deadJSON, 0, len(doc.Dead))
	for id, d := range doc.Dead {
		r = append(r, deadJSON{ID: id, DeadRecord: d})
	}
	slices.SortFunc(r, func(a, b deadJSON) int {
		if n := b.DeathTimestamp.Compare(a.DeathTimestamp); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return c.JSON(http.StatusOK, r)
}

func (s *Server) batch(c echo.Context) error {
	res := s.last.get()
	if res == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no batch has run yet")
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) trigger(c echo.Context) error {
	if s.run == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "batches are not enabled")
	}
	ctx := c.Request().Context()

	res, err := s.run(ctx)
	if err != nil {
		s.log.WarnContext(ctx, "batch from api failed", "err", err)
		if orchestrator.IsEmpty(err) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		if res == nil {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("batch_id", res.BatchID.String()))
	s.Record(res)
	return c.JSON(http.StatusOK, res)
}

type lastResult struct {
	mu  sync.RWMutex
	res *orchestrator.Result
}

func (l *lastResult) set(res *orchestrator.Result) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.res = res
}

func (l *lastResult) get() *orchestrator.Result {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.res
}
