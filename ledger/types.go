package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.nodeking.dev/nodeking/nodeid"
	"go.nodeking.dev/nodeking/scoring"
)

// SchemaVersion is written into every saved document. Documents with a
// different version are discarded on load.
const SchemaVersion = 1

// ErrSchema marks a stored document that could not be decoded or failed
// validation.
var ErrSchema = errors.New("ledger: invalid document")

type Status int

const (
	StatusNormal Status = iota
	StatusKing
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusKing:
		return "king"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) {
	switch s {
	case StatusNormal, StatusKing:
		return []byte(s.String()), nil
	}
	return nil, fmt.Errorf("unknown status %d", int(s))
}

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "normal":
		*s = StatusNormal
	case "king":
		*s = StatusKing
	default:
		return fmt.Errorf("unknown status %q", b)
	}
	return nil
}

// NodeRecord is the health history of one active node.
type NodeRecord struct {
	Descriptor string `json:"descriptor"`

	CreatedAt     time.Time  `json:"created_at"`
	LastActiveAt  time.Time  `json:"last_active_at"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailAt    *time.Time `json:"last_fail_at,omitempty"`

	TestsTotal       int `json:"tests_total"`
	SuccessCount     int `json:"success_count"`
	FailCount        int `json:"fail_count"`
	ConsecutiveFails int `json:"consecutive_fails"`

	LatencySum     float64         `json:"latency_sum"`
	LatencySamples int             `json:"latency_samples"`
	AvgLatency     scoring.Latency `json:"avg_latency"`
	BestLatency    scoring.Latency `json:"best_latency"`
	WorstLatency   scoring.Latency `json:"worst_latency"`

	SuccessRate float64 `json:"success_rate"`
	AgeDays     int     `json:"age_days"`
	KingDays    int     `json:"king_days"`
	Score       float64 `json:"score"`
	Status      Status  `json:"status"`
}

const initialScore = 50

func newRecord(descriptor string, now time.Time) *NodeRecord {
	return &NodeRecord{
		Descriptor:   descriptor,
		CreatedAt:    now,
		LastActiveAt: now,
		Score:        initialScore,
		Status:       StatusNormal,
	}
}

func (r *NodeRecord) stats() scoring.Stats {
	return scoring.Stats{
		Tests:            r.TestsTotal,
		ConsecutiveFails: r.ConsecutiveFails,
		SuccessRate:      r.SuccessRate,
		Avg:              r.AvgLatency,
		Best:             r.BestLatency,
		Worst:            r.WorstLatency,
		AgeDays:          r.AgeDays,
		King:             r.Status == StatusKing,
		KingDays:         r.KingDays,
		LastActive:       r.LastActiveAt,
	}
}

func (r *NodeRecord) clone() *NodeRecord {
	c := *r
	c.LastSuccessAt = cloneTime(r.LastSuccessAt)
	c.LastFailAt = cloneTime(r.LastFailAt)
	return &c
}

// DeadRecord is an eliminated node, frozen at the moment of death.
type DeadRecord struct {
	NodeRecord
	DeathTimestamp time.Time `json:"death_timestamp"`
	DeathReason    string    `json:"death_reason"`
}

// KingEntry is the history of a node that held the crown at some point.
type KingEntry struct {
	Descriptor   string          `json:"descriptor"`
	Score        float64         `json:"score"`
	AvgLatency   scoring.Latency `json:"avg_latency"`
	BestLatency  scoring.Latency `json:"best_latency"`
	WorstLatency scoring.Latency `json:"worst_latency"`
	SuccessRate  float64         `json:"success_rate"`
	AgeDays      int             `json:"age_days"`

	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	LastActive time.Time  `json:"last_active"`
	Reason     string     `json:"reason,omitempty"`

	Revived     bool       `json:"revived,omitempty"`
	ReviveCount int        `json:"revive_count,omitempty"`
	ReviveTime  *time.Time `json:"revive_time,omitempty"`
}

// refresh copies the current quality of rec into the entry.
func (e *KingEntry) refresh(rec *NodeRecord) {
	e.Descriptor = rec.Descriptor
	e.Score = rec.Score
	e.AvgLatency = rec.AvgLatency
	e.BestLatency = rec.BestLatency
	e.WorstLatency = rec.WorstLatency
	e.SuccessRate = rec.SuccessRate
	e.AgeDays = rec.AgeDays
	e.LastActive = rec.LastActiveAt
}

func (e *KingEntry) clone() *KingEntry {
	c := *e
	c.EndTime = cloneTime(e.EndTime)
	c.ReviveTime = cloneTime(e.ReviveTime)
	return &c
}

// Document is the persisted form of the ledger.
type Document struct {
	Version        int                           `json:"version"`
	Nodes          map[nodeid.NodeID]*NodeRecord `json:"nodes"`
	Kings          map[nodeid.NodeID]*KingEntry  `json:"kings"`
	Dead           map[nodeid.NodeID]*DeadRecord `json:"dead"`
	UpdateTime     time.Time                     `json:"update_time"`
	DailyCheckTime *time.Time                    `json:"daily_check_time,omitempty"`
}

func NewDocument() *Document {
	return &Document{
		Version: SchemaVersion,
		Nodes:   map[nodeid.NodeID]*NodeRecord{},
		Kings:   map[nodeid.NodeID]*KingEntry{},
		Dead:    map[nodeid.NodeID]*DeadRecord{},
	}
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := NewDocument()
	c.Version = d.Version
	c.UpdateTime = d.UpdateTime
	c.DailyCheckTime = cloneTime(d.DailyCheckTime)
	for id, r := range d.Nodes {
		c.Nodes[id] = r.clone()
	}
	for id, k := range d.Kings {
		c.Kings[id] = k.clone()
	}
	for id, dr := range d.Dead {
		dc := *dr
		dc.NodeRecord = *dr.NodeRecord.clone()
		c.Dead[id] = &dc
	}
	return c
}

// Validate checks the structural rules a loaded document has to meet.
func (d *Document) Validate() error {
	if d.Version != SchemaVersion {
		return fmt.Errorf("%w: version %d, want %d", ErrSchema, d.Version, SchemaVersion)
	}
	if d.Nodes == nil {
		d.Nodes = map[nodeid.NodeID]*NodeRecord{}
	}
	if d.Kings == nil {
		d.Kings = map[nodeid.NodeID]*KingEntry{}
	}
	if d.Dead == nil {
		d.Dead = map[nodeid.NodeID]*DeadRecord{}
	}
	for id, r := range d.Nodes {
		if r == nil || r.Descriptor == "" {
			return fmt.Errorf("%w: node %s has no descriptor", ErrSchema, id)
		}
		if nodeid.ID(r.Descriptor) != id {
			return fmt.Errorf("%w: node %s is stored under the wrong id", ErrSchema, id)
		}
		if _, dead := d.Dead[id]; dead {
			return fmt.Errorf("%w: node %s is both active and dead", ErrSchema, id)
		}
	}
	for id, k := range d.Kings {
		if k == nil {
			return fmt.Errorf("%w: king entry %s is empty", ErrSchema, id)
		}
	}
	for id, dr := range d.Dead {
		if dr == nil || dr.Descriptor == "" {
			return fmt.Errorf("%w: dead node %s has no descriptor", ErrSchema, id)
		}
	}
	return nil
}

// Decode parses and validates a stored document.
func Decode(b []byte) (*Document, error) {
	doc := &Document{}
	if err := json.Unmarshal(b, doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Encode renders the document as indented JSON.
func Encode(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
