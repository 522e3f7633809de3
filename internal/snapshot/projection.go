package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/strom-io/strom/internal/event"
)

// Projection folds events into entity state. Implementations must be pure
// and deterministic: the same state and event always produce the same bytes.
// That property makes snapshotting idempotent and state reads byte-stable
// across calls.
type Projection interface {
	// Init returns the empty state an entity starts from at version 0.
	Init() []byte
	// Apply folds one event into state, returning the next state. The input
	// slice must not be mutated.
	Apply(state []byte, ev event.Event) ([]byte, error)
}

// JSONMerge is the default projection: state is a JSON object and each event
// payload, itself a JSON object, is shallow-merged into it key by key.
// encoding/json emits object keys sorted, so output bytes are deterministic.
type JSONMerge struct{}

// Init returns an empty JSON object.
func (JSONMerge) Init() []byte { return []byte("{}") }

// Apply merges the event payload into state. A payload that is not a JSON
// object is rejected; state is returned unchanged alongside the error.
func (JSONMerge) Apply(state []byte, ev event.Event) ([]byte, error) {
	var cur map[string]json.RawMessage
	if err := json.Unmarshal(state, &cur); err != nil {
		return state, fmt.Errorf("snapshot: corrupt state at %s@%d: %w", ev.EntityID, ev.Version, err)
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(ev.Payload, &patch); err != nil {
		return state, fmt.Errorf("snapshot: payload of %s@%d is not a JSON object: %w", ev.EntityID, ev.Version, err)
	}
	if cur == nil {
		cur = map[string]json.RawMessage{}
	}
	for k, v := range patch {
		cur[k] = v
	}
	out, err := json.Marshal(cur)
	if err != nil {
		return state, err
	}
	return out, nil
}

// Fold replays events in order through proj starting from state.
func Fold(proj Projection, state []byte, evs []event.Event) ([]byte, error) {
	var err error
	for _, ev := range evs {
		state, err = proj.Apply(state, ev)
		if err != nil {
			return nil, err
		}
	}
	return state, nil
}
