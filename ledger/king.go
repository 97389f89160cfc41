package ledger

import (
	"context"
	"errors"
	"math"
	"slices"

	"go.ntppool.org/common/logger"

	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/scoring"
)

// ErrNoHistory is returned when reviving a node that never was king.
var ErrNoHistory = errors.New("ledger: no king history for node")

// KingChoice is the node picked to lead the published list.
type KingChoice struct {
	ID         nodeid.NodeID   `json:"id"`
	Descriptor string          `json:"descriptor"`
	Score      float64         `json:"score"`
	Latency    scoring.Latency `json:"latency"`
	// Composite is the value the choice won with: the live score for a
	// sitting king, the boosted history composite for a past one.
	Composite  float64 `json:"composite"`
	Historical bool    `json:"historical"`
	Revived    bool    `json:"revived"`
}

// SelectKing re-scores every active node and crowns the best eligible
// one. Ties go to the lowest NodeID. When no node is eligible nothing
// changes and ok is false.
func (l *Ledger) SelectKing(ctx context.Context) (KingChoice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selectKingLocked(ctx)
}

func (l *Ledger) selectKingLocked(ctx context.Context) (KingChoice, bool) {
	var (
		winner nodeid.NodeID
		best   = math.Inf(-1)
		found  bool
	)
	for _, id := range l.sortedActiveLocked() {
		rec := l.doc.Nodes[id]
		rec.Score = scoring.Score(rec.stats())
		if !scoring.KingEligible(rec.stats(), rec.Score, l.rc) {
			continue
		}
		if rec.Score > best {
			winner, best, found = id, rec.Score, true
		}
	}
	if !found {
		return KingChoice{}, false
	}

	l.crownLocked(ctx, winner)
	rec := l.doc.Nodes[winner]

	entry, ok := l.doc.Kings[winner]
	if !ok {
		entry = &KingEntry{}
		l.doc.Kings[winner] = entry
	}
	entry.refresh(rec)
	entry.StartTime = l.now()
	entry.EndTime = nil
	entry.Reason = ""

	logger.FromContext(ctx).InfoContext(ctx, "king selected",
		"node", winner.Short(),
		"score", math.Round(rec.Score*10)/10,
		"latency", rec.AvgLatency.String(),
	)

	return KingChoice{
		ID:         winner,
		Descriptor: rec.Descriptor,
		Score:      rec.Score,
		Latency:    rec.AvgLatency,
		Composite:  rec.Score,
	}, true
}

// crownLocked makes id the only king. Every current king is demoted
// first, id included, so the new reign starts at one day.
func (l *Ledger) crownLocked(ctx context.Context, id nodeid.NodeID) {
	rec := l.doc.Nodes[id]
	wasKing := rec.Status == StatusKing
	rec.Status = StatusNormal
	rec.KingDays = 0

	for other, r := range l.doc.Nodes {
		if other == id || r.Status != StatusKing {
			continue
		}
		r.Status = StatusNormal
		r.KingDays = 0
		if entry, ok := l.doc.Kings[other]; ok {
			now := l.now()
			entry.refresh(r)
			entry.EndTime = &now
			entry.Reason = "dethroned by " + id.String()
		}
		logger.FromContext(ctx).DebugContext(ctx, "king demoted", "node", other.Short())
	}

	rec.Status = StatusKing
	rec.KingDays++
	if !wasKing {
		l.metrics.KingChanges.Inc()
	}
}

// historyKingValid reports whether a past king may still be revived.
func (l *Ledger) historyKingValid(id nodeid.NodeID, e *KingEntry) bool {
	if e.Descriptor == "" {
		return false
	}
	if _, dead := l.doc.Dead[id]; dead {
		return false
	}
	if e.Score < l.rc.HistoryKingMinScore {
		return false
	}
	if e.LastActive.IsZero() || scoring.InactiveDays(e.LastActive, l.now()) > l.rc.MaxKingInactiveDays {
		return false
	}
	if !e.AvgLatency.Valid() || e.AvgLatency.Value() > l.rc.HistoryLatencyLimit() {
		return false
	}
	return true
}

// BestKingOverall weighs the sitting king against every past king that
// is still valid. A past king that wins is revived when revival is
// enabled. With no contender at all a fresh SelectKing is run.
func (l *Ledger) BestKingOverall(ctx context.Context) (KingChoice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := logger.FromContext(ctx)

	var (
		best  KingChoice
		found bool
	)
	currentID, hasCurrent := l.kingLocked()
	if hasCurrent {
		rec := l.doc.Nodes[currentID]
		best = KingChoice{
			ID:         currentID,
			Descriptor: rec.Descriptor,
			Score:      rec.Score,
			Latency:    rec.AvgLatency,
			Composite:  rec.Score,
		}
		found = true
	}

	if l.rc.HistoryKingEnabled {
		ids := make([]nodeid.NodeID, 0, len(l.doc.Kings))
		for id := range l.doc.Kings {
			ids = append(ids, id)
		}
		slices.Sort(ids)

		for _, id := range ids {
			if hasCurrent && id == currentID {
				continue
			}
			e := l.doc.Kings[id]
			if !l.historyKingValid(id, e) {
				continue
			}
			composite := scoring.HistoryComposite(e.Score, e.AvgLatency, l.rc)
			log.DebugContext(ctx, "history king candidate",
				"node", id.Short(),
				"score", e.Score,
				"latency", e.AvgLatency.String(),
				"composite", composite,
			)
			if !found || composite > best.Composite {
				best = KingChoice{
					ID:         id,
					Descriptor: e.Descriptor,
					Score:      e.Score,
					Latency:    e.AvgLatency,
					Composite:  composite,
					Historical: true,
				}
				found = true
			}
		}
	}

	if !found {
		return l.selectKingLocked(ctx)
	}

	if best.Historical && l.rc.RevivalEnabled {
		log.InfoContext(ctx, "history king beats current king",
			"node", best.ID.Short(),
			"composite", math.Round(best.Composite*10)/10,
			"current", currentID.Short(),
		)
		if err := l.reviveLocked(ctx, best.ID); err != nil {
			log.ErrorContext(ctx, "could not revive history king", "node", best.ID.Short(), "err", err)
			return best, true
		}
		best.Revived = true
	}

	return best, true
}

// ReviveHistoryKing brings a past king back into the active set as the
// reigning king. Its quality figures are restored from history while
// its trial counters restart from a nominal ten tests, so it has to
// keep earning its place.
func (l *Ledger) ReviveHistoryKing(ctx context.Context, id nodeid.NodeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reviveLocked(ctx, id)
}

const reviveTests = 10

func (l *Ledger) reviveLocked(ctx context.Context, id nodeid.NodeID) error {
	entry, ok := l.doc.Kings[id]
	if !ok || entry.Descriptor == "" {
		return ErrNoHistory
	}
	now := l.now()

	delete(l.doc.Dead, id)

	rate := math.Min(1, math.Max(0, entry.SuccessRate))
	successes := int(math.Round(rate * reviveTests))

	rec := newRecord(entry.Descriptor, now)
	rec.TestsTotal = reviveTests
	rec.SuccessCount = successes
	rec.FailCount = reviveTests - successes
	rec.SuccessRate = rate
	rec.Score = entry.Score
	rec.AvgLatency = entry.AvgLatency
	rec.BestLatency = entry.BestLatency
	rec.WorstLatency = entry.WorstLatency
	if !rec.BestLatency.Valid() {
		rec.BestLatency = entry.AvgLatency
	}
	if !rec.WorstLatency.Valid() {
		rec.WorstLatency = entry.AvgLatency
	}
	if entry.AvgLatency.Valid() {
		rec.LatencySum = entry.AvgLatency.Value() * reviveTests
		rec.LatencySamples = reviveTests
	}
	l.doc.Nodes[id] = rec

	l.crownLocked(ctx, id)
	rec.KingDays = 1

	entry.Revived = true
	entry.ReviveCount++
	entry.ReviveTime = &now
	entry.StartTime = now
	entry.EndTime = nil
	entry.Reason = ""
	entry.LastActive = now

	l.metrics.Revivals.Inc()
	logger.FromContext(ctx).InfoContext(ctx, "history king revived",
		"node", id.Short(),
		"latency", entry.AvgLatency.String(),
		"success_rate", rate,
		"revive_count", entry.ReviveCount,
	)

	return l.saveLocked(ctx)
}
