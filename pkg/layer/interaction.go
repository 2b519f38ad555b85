package layer

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// EventKind is what the forwarder derived from an interaction event.
type EventKind int

const (
	PointerOver EventKind = iota + 1
	PointerUp
	PointerOut
)

func (k EventKind) String() string {
	switch k {
	case PointerOver:
		return "pointer_over"
	case PointerUp:
		return "pointer_up"
	case PointerOut:
		return "pointer_out"
	default:
		return "unknown"
	}
}

// ParseEventKind is the inverse of EventKind.String.
func ParseEventKind(s string) (EventKind, bool) {
	for _, k := range []EventKind{PointerOver, PointerUp, PointerOut} {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

var ErrMissingHandler = errors.New("layer: handler not configured")

// Handlers are the optional caller callbacks. Nil slots are skipped.
type Handlers struct {
	Over  func(data Feature)
	Click func(latlng orb.Point, data Feature)
	Out   func()
}

// Classify maps an interaction event to a pointer kind; ok is false for
// browser events the forwarder does not handle.
func Classify(kind InteractionKind, ev RawEvent) (EventKind, bool) {
	if kind == InteractionOff {
		return PointerOut, true
	}
	if kind != InteractionOn {
		return 0, false
	}
	switch ev.Type {
	case "mousemove":
		return PointerOver, true
	case "mouseup":
		return PointerUp, true
	default:
		return 0, false
	}
}

// Forwarder routes interaction events to Handlers.
type Forwarder struct {
	Map      Map
	Handlers Handlers
}

// Dispatch delivers p to the matching handler. A missing handler yields an
// error wrapping ErrMissingHandler; the caller decides whether to surface it.
func (f Forwarder) Dispatch(kind InteractionKind, p Payload) (EventKind, error) {
	ek, ok := Classify(kind, p.Event)
	if !ok {
		return 0, nil
	}
	switch ek {
	case PointerOver:
		if f.Handlers.Over == nil {
			return ek, fmt.Errorf("%w: mouse over", ErrMissingHandler)
		}
		f.Handlers.Over(p.Data)
	case PointerUp:
		if f.Handlers.Click == nil {
			return ek, fmt.Errorf("%w: mouse click", ErrMissingHandler)
		}
		latlng := f.Map.LayerPointToLatLng(f.Map.MouseEventToLayerPoint(p.Event))
		f.Handlers.Click(latlng, p.Data)
	case PointerOut:
		if f.Handlers.Out == nil {
			return ek, fmt.Errorf("%w: mouse out", ErrMissingHandler)
		}
		f.Handlers.Out()
	}
	return ek, nil
}
