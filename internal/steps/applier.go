// Package steps applies client edit steps to document snapshots. The sync
// engine treats both as opaque JSON; an Applier is the only place that knows
// what a step means.
package steps

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedStep is returned for a stepType the applier does not know.
	ErrUnsupportedStep = errors.New("unsupported step type")

	// ErrInvalidStep is returned when a step does not fit the document.
	ErrInvalidStep = errors.New("invalid step")
)

// Applier turns (doc, step) into the next doc. Implementations must be
// deterministic: replaying the same steps from the same doc yields the same
// bytes.
type Applier interface {
	Apply(doc, step json.RawMessage) (json.RawMessage, error)
}

// ApplyAll applies steps in order and stops at the first failure.
func ApplyAll(a Applier, doc json.RawMessage, steps []json.RawMessage) (json.RawMessage, error) {
	for i, step := range steps {
		next, err := a.Apply(doc, step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		doc = next
	}
	return doc, nil
}

// Opaque accepts any well-formed JSON step and leaves the document unchanged.
// Use it when clients own the document model and the server only relays.
type Opaque struct{}

func (Opaque) Apply(doc, step json.RawMessage) (json.RawMessage, error) {
	if !json.Valid(step) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidStep)
	}
	return doc, nil
}

// ByName returns the applier registered under name.
func ByName(name string) (Applier, error) {
	switch name {
	case "", "prosemirror", "text":
		return NewProseMirror(nil), nil
	case "opaque":
		return Opaque{}, nil
	default:
		return nil, fmt.Errorf("unknown applier %q", name)
	}
}
