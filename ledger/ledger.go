// Package ledger keeps the per-node health statistics, the history of
// kings and the set of eliminated nodes, and applies the elimination
// and king selection rules to them.
//
// A Ledger is owned by a single orchestrator run. Its methods lock, so
// readers such as the status API may call Snapshot and Stats while a
// batch is being applied.
package ledger

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.ntppool.org/common/logger"

	"go.nodeking.dev/nodeking/config"
	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/scoring"
)

// DefaultRetention is how long dead records are kept.
const DefaultRetention = 30 * 24 * time.Hour

type Ledger struct {
	mu sync.Mutex

	rc        config.Ranking
	retention time.Duration
	store     Store
	metrics   *Metrics
	now       func() time.Time

	doc *Document
}

type Option func(*Ledger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithRetention sets how long dead records survive a load.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) { l.retention = d }
}

// New returns an empty ledger. Call Load to read the stored state.
func New(rc config.Ranking, store Store, opts ...Option) *Ledger {
	l := &Ledger{
		rc:        rc,
		retention: DefaultRetention,
		store:     store,
		now:       time.Now,
		doc:       NewDocument(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return l
}

// Load replaces the in-memory state with the stored document and prunes
// dead records older than the retention window. When the stored state
// cannot be read or is invalid the ledger starts empty; the returned
// error only reports why.
func (l *Ledger) Load(ctx context.Context) error {
	log := logger.FromContext(ctx)

	doc, err := l.store.Load(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err != nil {
		log.WarnContext(ctx, "could not load ledger, starting empty", "err", err)
		l.doc = NewDocument()
		l.updateGauges()
		return err
	}
	if doc == nil {
		log.InfoContext(ctx, "no stored ledger, starting empty")
		l.doc = NewDocument()
		l.updateGauges()
		return nil
	}

	l.doc = doc
	pruned := l.pruneLocked()
	l.updateGauges()

	log.InfoContext(ctx, "ledger loaded",
		"active", len(doc.Nodes),
		"kings", len(doc.Kings),
		"dead", len(doc.Dead),
		"pruned", pruned,
	)
	return nil
}

func (l *Ledger) pruneLocked() int {
	cutoff := l.now().Add(-l.retention)
	pruned := 0
	for id, dr := range l.doc.Dead {
		if dr.DeathTimestamp.Before(cutoff) {
			delete(l.doc.Dead, id)
			pruned++
		}
	}
	return pruned
}

// Save persists the current state. Failures are logged and counted; the
// in-memory state is kept either way.
func (l *Ledger) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(ctx)
}

func (l *Ledger) saveLocked(ctx context.Context) error {
	l.doc.Version = SchemaVersion
	l.doc.UpdateTime = l.now()
	l.updateGauges()

	err := l.store.Save(ctx, l.doc)
	if err != nil {
		l.metrics.SaveErrors.Inc()
		logger.FromContext(ctx).ErrorContext(ctx, "could not save ledger", "err", err)
	}
	return err
}

func (l *Ledger) updateGauges() {
	l.metrics.ActiveNodes.Set(float64(len(l.doc.Nodes)))
	l.metrics.DeadNodes.Set(float64(len(l.doc.Dead)))
	score := 0.0
	if id, ok := l.kingLocked(); ok {
		score = l.doc.Nodes[id].Score
	}
	l.metrics.KingScore.Set(score)
}

// Outcome reports what an Update did.
type Outcome struct {
	ID nodeid.NodeID
	// Ignored is set when the node is dead and the result was dropped.
	Ignored    bool
	Eliminated bool
	Cause      scoring.Cause
	Reason     string
	Score      float64
	// SaveErr is set when the ledger could not be saved after an
	// elimination. The elimination itself stands.
	SaveErr error
}

// Update records one probe result for descriptor. Results for dead nodes
// are ignored.
func (l *Ledger) Update(ctx context.Context, descriptor string, latency scoring.Latency, success bool) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := nodeid.ID(descriptor)
	if _, dead := l.doc.Dead[id]; dead {
		return Outcome{ID: id, Ignored: true}
	}

	now := l.now()
	rec, ok := l.doc.Nodes[id]
	if !ok {
		rec = newRecord(descriptor, now)
		l.doc.Nodes[id] = rec
	}

	rec.TestsTotal++
	if success {
		rec.SuccessCount++
		rec.ConsecutiveFails = 0
		rec.LastSuccessAt = &now
		if latency.Valid() {
			rec.LatencySum += latency.Value()
			rec.LatencySamples++
			rec.AvgLatency = scoring.Millis(rec.LatencySum / float64(rec.LatencySamples))
			rec.BestLatency = rec.BestLatency.Min(latency)
			rec.WorstLatency = rec.WorstLatency.Max(latency)
		}
	} else {
		rec.FailCount++
		rec.ConsecutiveFails++
		rec.LastFailAt = &now
	}
	rec.SuccessRate = float64(rec.SuccessCount) / float64(rec.TestsTotal)
	rec.LastActiveAt = now
	rec.AgeDays = scoring.WholeDays(now.Sub(rec.CreatedAt))
	rec.Score = scoring.Score(rec.stats())

	out := Outcome{ID: id, Score: rec.Score}
	cause, reason := scoring.EliminationReason(rec.stats(), l.rc, now)
	if cause != scoring.CauseNone {
		l.eliminateLocked(ctx, id, cause, reason)
		out.SaveErr = l.saveLocked(ctx)
		out.Eliminated = true
		out.Cause = cause
		out.Reason = reason
	}
	return out
}

// eliminateLocked moves an active node to the dead set, closing its king
// history entry when it held the crown.
func (l *Ledger) eliminateLocked(ctx context.Context, id nodeid.NodeID, cause scoring.Cause, reason string) {
	rec, ok := l.doc.Nodes[id]
	if !ok {
		return
	}
	now := l.now()

	if rec.Status == StatusKing {
		entry, ok := l.doc.Kings[id]
		if !ok {
			entry = &KingEntry{StartTime: now}
			l.doc.Kings[id] = entry
		}
		entry.refresh(rec)
		entry.EndTime = &now
		entry.Reason = reason
	}

	l.doc.Dead[id] = &DeadRecord{
		NodeRecord:     *rec.clone(),
		DeathTimestamp: now,
		DeathReason:    reason,
	}
	delete(l.doc.Nodes, id)

	l.metrics.Eliminations.WithLabelValues(string(cause)).Inc()
	logger.FromContext(ctx).InfoContext(ctx, "node eliminated",
		"node", id.Short(),
		"reason", reason,
		"king", rec.Status == StatusKing,
		"tests", rec.TestsTotal,
		"score", math.Round(rec.Score*10)/10,
	)
}

// DailyCheck applies the inactivity rule to every active node and
// advances the tenure of the king. Tenure advances at most once per UTC
// day, so running the check again on the same day only re-applies the
// inactivity rule. The ledger is saved at the end.
func (l *Ledger) DailyCheck(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := logger.FromContext(ctx)
	now := l.now()

	type verdict struct {
		id     nodeid.NodeID
		reason string
	}
	var doomed []verdict
	ids := l.sortedActiveLocked()
	for _, id := range ids {
		rec := l.doc.Nodes[id]
		if cause, reason := scoring.Inactivity(rec.LastActiveAt, l.rc, now); cause != scoring.CauseNone {
			doomed = append(doomed, verdict{id, reason})
		}
	}

	newDay := l.doc.DailyCheckTime == nil || !sameUTCDay(*l.doc.DailyCheckTime, now)
	if newDay {
		for _, id := range ids {
			if rec := l.doc.Nodes[id]; rec.Status == StatusKing {
				rec.KingDays++
			}
		}
		l.doc.DailyCheckTime = &now
	}

	for _, v := range doomed {
		l.eliminateLocked(ctx, v.id, scoring.CauseInactive, v.reason)
	}

	king, hasKing := l.kingLocked()
	log.InfoContext(ctx, "daily check done",
		"eliminated", len(doomed),
		"active", len(l.doc.Nodes),
		"dead", len(l.doc.Dead),
		"king", king.Short(),
		"has_king", hasKing,
		"tenure_advanced", newDay,
	)

	return l.saveLocked(ctx)
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (l *Ledger) sortedActiveLocked() []nodeid.NodeID {
	ids := make([]nodeid.NodeID, 0, len(l.doc.Nodes))
	for id := range l.doc.Nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Node is an active record together with its id.
type Node struct {
	ID nodeid.NodeID `json:"id"`
	NodeRecord
}

// GetKing returns the active node holding the crown.
func (l *Ledger) GetKing() (Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.kingLocked()
	if !ok {
		return Node{}, false
	}
	return Node{ID: id, NodeRecord: *l.doc.Nodes[id].clone()}, true
}

func (l *Ledger) kingLocked() (nodeid.NodeID, bool) {
	var king nodeid.NodeID
	found := false
	for id, rec := range l.doc.Nodes {
		if rec.Status != StatusKing {
			continue
		}
		if !found || id < king {
			king = id
			found = true
		}
	}
	return king, found
}

// Lookup returns the active record for a descriptor.
func (l *Ledger) Lookup(descriptor string) (Node, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := nodeid.ID(descriptor)
	rec, ok := l.doc.Nodes[id]
	if !ok {
		return Node{}, false
	}
	return Node{ID: id, NodeRecord: *rec.clone()}, true
}

// IsDead reports whether the descriptor's node has been eliminated.
func (l *Ledger) IsDead(descriptor string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, dead := l.doc.Dead[nodeid.ID(descriptor)]
	return dead
}

// Snapshot returns a deep copy of the current state.
func (l *Ledger) Snapshot() *Document {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.doc.Clone()
}

// Stats summarizes the ledger.
type Stats struct {
	Active      int             `json:"active_nodes"`
	Kings       int             `json:"kings"`
	Dead        int             `json:"dead_nodes"`
	History     int             `json:"king_history"`
	AvgLatency  scoring.Latency `json:"avg_latency"`
	AvgSuccess  float64         `json:"avg_success"`
	OldestNode  int             `json:"oldest_node_days"`
	LastUpdated time.Time       `json:"update_time"`
}

func (s Stats) String() string {
	return fmt.Sprintf("active=%d kings=%d dead=%d avg_latency=%s avg_success=%.1f%% oldest=%dd",
		s.Active, s.Kings, s.Dead, s.AvgLatency, s.AvgSuccess*100, s.OldestNode)
}

func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := Stats{
		Active:      len(l.doc.Nodes),
		Dead:        len(l.doc.Dead),
		History:     len(l.doc.Kings),
		LastUpdated: l.doc.UpdateTime,
	}

	var latSum, rateSum float64
	var latN int
	for _, rec := range l.doc.Nodes {
		if rec.Status == StatusKing {
			st.Kings++
		}
		if rec.AvgLatency.Valid() {
			latSum += rec.AvgLatency.Value()
			latN++
		}
		rateSum += rec.SuccessRate
		st.OldestNode = max(st.OldestNode, rec.AgeDays)
	}
	if latN > 0 {
		st.AvgLatency = scoring.Millis(latSum / float64(latN))
	}
	if st.Active > 0 {
		st.AvgSuccess = rateSum / float64(st.Active)
	}
	return st
}
