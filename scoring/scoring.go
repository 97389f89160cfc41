// Package scoring computes node fitness and decides when a node has to
// be eliminated from the active pool.
//
// A score is the sum of four capped parts:
//
//	success      up to 40  success rate * 40
//	speed        up to 30  full at <=100ms, linear to 0 at 500ms
//	stability    up to 20  full at <=100ms spread, linear to 0 at 300ms
//	persistence  up to 10  one point per day of age
//
// minus 5 points per consecutive failure, floored at 0.
package scoring

import (
	"fmt"
	"math"
	"time"

	"go.nodeking.dev/nodeking/config"
)

const (
	MaxScore = 100.0

	successWeight     = 40.0
	speedWeight       = 30.0
	stabilityWeight   = 20.0
	persistenceWeight = 10.0
	failPenalty       = 5.0

	fastLatency = 100.0
	slowLatency = 500.0
	tightSpread = 100.0
	looseSpread = 300.0
)

// Stats is the part of a node record the scoring rules look at.
type Stats struct {
	Tests            int
	ConsecutiveFails int
	SuccessRate      float64
	Avg              Latency
	Best             Latency
	Worst            Latency
	AgeDays          int
	King             bool
	KingDays         int
	LastActive       time.Time
}

// Score returns the composite fitness of a node, in [0, 100].
func Score(s Stats) float64 {
	total := successPart(s) + speedPart(s.Avg) + stabilityPart(s.Best, s.Worst) + persistencePart(s.AgeDays)
	total -= float64(s.ConsecutiveFails) * failPenalty
	return math.Max(0, total)
}

func successPart(s Stats) float64 {
	if s.Tests <= 0 {
		return 0
	}
	return clamp(s.SuccessRate, 0, 1) * successWeight
}

func speedPart(avg Latency) float64 {
	if !avg.Valid() {
		return 0
	}
	ms := avg.Value()
	switch {
	case ms <= fastLatency:
		return speedWeight
	case ms <= slowLatency:
		return speedWeight * (1 - (ms-fastLatency)/(slowLatency-fastLatency))
	}
	return 0
}

func stabilityPart(best, worst Latency) float64 {
	if !best.Valid() || !worst.Valid() {
		return 0
	}
	spread := worst.Value() - best.Value()
	switch {
	case spread <= tightSpread:
		return stabilityWeight
	case spread <= looseSpread:
		return stabilityWeight * (1 - (spread-tightSpread)/(looseSpread-tightSpread))
	}
	return 0
}

func persistencePart(ageDays int) float64 {
	return clamp(float64(ageDays), 0, persistenceWeight)
}

// KingEligible reports whether a node with the given freshly computed
// score may be selected as king.
func KingEligible(s Stats, score float64, rc config.Ranking) bool {
	if score < rc.ScoreThreshold {
		return false
	}
	if s.ConsecutiveFails > 0 {
		return false
	}
	if s.Tests >= rc.KingMinTests && s.SuccessRate < rc.KingMinSuccessRate {
		return false
	}
	return true
}

// Cause classifies why a node was eliminated.
type Cause string

const (
	CauseNone        Cause = ""
	CauseFailures    Cause = "failures"
	CauseSuccessRate Cause = "success_rate"
	CauseTenure      Cause = "tenure"
	CauseInactive    Cause = "inactive"
)

// EliminationReason checks the elimination rules in order and returns
// the first one that matches with a readable reason. CauseNone means
// the node stays.
func EliminationReason(s Stats, rc config.Ranking, now time.Time) (Cause, string) {
	if s.ConsecutiveFails >= rc.MaxConsecutiveFails {
		return CauseFailures, fmt.Sprintf("%d consecutive failures", s.ConsecutiveFails)
	}
	if s.Tests >= rc.MinTestsForRate && s.SuccessRate < rc.MinSuccessRate {
		return CauseSuccessRate, fmt.Sprintf("success rate too low (%.1f%%)", s.SuccessRate*100)
	}
	if s.King && s.KingDays >= rc.KingMaxDays {
		return CauseTenure, fmt.Sprintf("king tenure expired after %d days", s.KingDays)
	}
	if cause, reason := Inactivity(s.LastActive, rc, now); cause != CauseNone {
		return cause, reason
	}
	return CauseNone, ""
}

// Inactivity applies only the calendar rule, for maintenance passes
// that run without a fresh probe.
func Inactivity(lastActive time.Time, rc config.Ranking, now time.Time) (Cause, string) {
	if days := InactiveDays(lastActive, now); days >= rc.InactiveDays {
		return CauseInactive, fmt.Sprintf("inactive for %d days", days)
	}
	return CauseNone, ""
}

// InactiveDays is the number of whole days since t. A zero t counts as
// inactive forever.
func InactiveDays(t, now time.Time) int {
	if t.IsZero() {
		return math.MaxInt32
	}
	return WholeDays(now.Sub(t))
}

// WholeDays truncates a duration to whole days.
func WholeDays(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}

// HistoryComposite ranks a past king against the current one: the past
// score gets the revival boost and faster kings get up to 30 extra
// points.
func HistoryComposite(score float64, avg Latency, rc config.Ranking) float64 {
	boost := 1.0
	if rc.RevivalEnabled {
		boost = rc.RevivalBoost
	}
	bonus := math.Max(0, 100-avg.Value()/10)
	return score*boost + 0.3*bonus
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
