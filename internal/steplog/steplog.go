// Package steplog is the bounded history of applied steps a room keeps so a
// client that fell behind can be replayed forward instead of reset.
package steplog

import "encoding/json"

// DefaultMaxStoredSteps bounds the log when no retention is configured.
const DefaultMaxStoredSteps = 1000

// Record is one applied step. Version is the document version the step
// produced.
type Record struct {
	Step     json.RawMessage `json:"step"`
	Version  int             `json:"version"`
	ClientID string          `json:"clientID"`
}

// Log is ordered by Version, oldest first.
type Log []Record

// Append returns a new log holding at most max records: the most recent
// existing ones followed by steps, numbered baseVersion+1, baseVersion+2, ...
// in submission order. Oldest records are evicted first. A max <= 0 means
// DefaultMaxStoredSteps.
func (l Log) Append(baseVersion int, clientID string, steps []json.RawMessage, max int) Log {
	if max <= 0 {
		max = DefaultMaxStoredSteps
	}

	keep := max - len(steps)
	if keep < 0 {
		keep = 0
	}
	existing := l
	if len(existing) > keep {
		existing = existing[len(existing)-keep:]
	}

	out := make(Log, 0, len(existing)+len(steps))
	out = append(out, existing...)
	for i, step := range steps {
		out = append(out, Record{
			Step:     step,
			Version:  baseVersion + i + 1,
			ClientID: clientID,
		})
	}

	// More new steps than the whole budget: only the newest survive.
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// Since returns the records with Version > version in log order.
func (l Log) Since(version int) Log {
	out := Log{}
	for _, r := range l {
		if r.Version > version {
			out = append(out, r)
		}
	}
	return out
}

// Steps returns the bare step payloads in log order.
func (l Log) Steps() []json.RawMessage {
	out := make([]json.RawMessage, len(l))
	for i, r := range l {
		out[i] = r.Step
	}
	return out
}

// Oldest returns the smallest version still retained, or 0 for an empty log.
func (l Log) Oldest() int {
	if len(l) == 0 {
		return 0
	}
	return l[0].Version
}
