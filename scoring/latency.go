package scoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Latency is a round trip time in milliseconds that may not have been
// measured yet. The zero value is "no data", which ranks worse than any
// measured value and encodes as JSON null.
type Latency struct {
	ms    float64
	valid bool
}

// Millis returns a measured latency. Non-finite values are treated as
// no data.
func Millis(ms float64) Latency {
	if math.IsInf(ms, 0) || math.IsNaN(ms) {
		return Latency{}
	}
	return Latency{ms: ms, valid: true}
}

// Unset is the "no data" latency.
func Unset() Latency { return Latency{} }

func (l Latency) Valid() bool { return l.valid }

// Value returns the latency in milliseconds, or +Inf when unset.
func (l Latency) Value() float64 {
	if !l.valid {
		return math.Inf(1)
	}
	return l.ms
}

// Less reports whether l is strictly better (lower) than o.
func (l Latency) Less(o Latency) bool {
	switch {
	case !l.valid:
		return false
	case !o.valid:
		return true
	}
	return l.ms < o.ms
}

// Min returns the better of the two latencies.
func (l Latency) Min(o Latency) Latency {
	if o.Less(l) {
		return o
	}
	return l
}

// Max returns the worse measured latency; an unset value never wins.
func (l Latency) Max(o Latency) Latency {
	switch {
	case !l.valid:
		return o
	case !o.valid:
		return l
	}
	if o.ms > l.ms {
		return o
	}
	return l
}

func (l Latency) String() string {
	if !l.valid {
		return "n/a"
	}
	return fmt.Sprintf("%.1fms", l.ms)
}

func (l Latency) MarshalJSON() ([]byte, error) {
	if !l.valid {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, l.ms, 'f', -1, 64), nil
}

func (l *Latency) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*l = Latency{}
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("latency: %w", err)
	}
	*l = Millis(f)
	return nil
}
