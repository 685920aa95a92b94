package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Item is one decoded entry of a batch. Err is set when the entry could not
// be decoded or failed validation; Event is nil in that case.
type Item struct {
	Index int
	Type  Type
	Event Event
	Err   error
}

// InvalidEventError reports a batch entry that is not a well-formed event.
type InvalidEventError struct {
	Index int
	Err   error
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("event %d: %v", e.Index, e.Err)
}

func (e *InvalidEventError) Unwrap() error { return e.Err }

// Batch is the request envelope for POST /v1/events.
type Batch struct {
	Events []json.RawMessage `json:"events"`
}

// Decode reads a {"events": [...]} envelope. Only a malformed envelope is an
// error; malformed entries are reported on their Item.
func Decode(r io.Reader) ([]Item, error) {
	var b Batch
	if err := json.NewDecoder(r).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	if b.Events == nil {
		return nil, errors.New("decode batch: missing events")
	}
	return DecodeRaw(b.Events), nil
}

// DecodeRaw decodes each raw entry independently.
func DecodeRaw(raw []json.RawMessage) []Item {
	items := make([]Item, len(raw))
	for i, msg := range raw {
		items[i] = decodeOne(i, msg)
	}
	return items
}

func decodeOne(i int, msg json.RawMessage) Item {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(msg, &head); err != nil {
		return Item{Index: i, Err: &InvalidEventError{Index: i, Err: err}}
	}
	ev, err := Unmarshal(head.Type, msg)
	if err != nil {
		return Item{Index: i, Type: head.Type, Err: &InvalidEventError{Index: i, Err: err}}
	}
	return Item{Index: i, Type: head.Type, Event: ev}
}

// Unmarshal decodes and validates msg as an event of type t.
func Unmarshal(t Type, msg []byte) (Event, error) {
	var ev Event
	var err error
	switch t {
	case TypeRunStart:
		var e RunStart
		err = json.Unmarshal(msg, &e)
		ev = e
	case TypeRunEnd:
		var e RunEnd
		err = json.Unmarshal(msg, &e)
		ev = e
	case TypeStepStart:
		var e StepStart
		err = json.Unmarshal(msg, &e)
		ev = e
	case TypeStepEnd:
		var e StepEnd
		err = json.Unmarshal(msg, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", t, err)
	}
	return ev, nil
}

// Marshal encodes ev with its type discriminator.
func Marshal(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	m["type"] = ev.Type()
	return json.Marshal(m)
}
