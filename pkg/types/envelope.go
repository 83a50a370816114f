package types

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire form of an event outside the store: the variant is
// carried next to the payload so the event can be decoded again.
type Envelope struct {
	Kind       EventKind       `json:"kind"`
	Collection Collection      `json:"collection"`
	SourceID   string          `json:"source_id"`
	Event      json.RawMessage `json:"event"`
}

// Wrap encodes ev into an Envelope.
func Wrap(ev Event) (Envelope, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	return Envelope{
		Kind:       ev.Kind(),
		Collection: ev.Collection(),
		SourceID:   ev.Metadata().SourceID,
		Event:      payload,
	}, nil
}

// WrapAll encodes a batch, stopping at the first event that fails.
func WrapAll(events []Event) ([]Envelope, error) {
	out := make([]Envelope, 0, len(events))
	for _, ev := range events {
		env, err := Wrap(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// Decode returns the event carried by the envelope.
func (e Envelope) Decode() (Event, error) {
	ev, ok := NewEvent(e.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err := json.Unmarshal(e.Event, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", e.Kind, err)
	}
	return ev, nil
}
