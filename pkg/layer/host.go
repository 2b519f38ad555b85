package layer

import (
	"context"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

// Feature is the attribute payload decoded from a UTF-grid cell.
type Feature = map[string]any

// RawEvent is the browser event multiplexed inside an interaction payload.
type RawEvent struct {
	Type    string  `json:"type"`
	ClientX float64 `json:"client_x"`
	ClientY float64 `json:"client_y"`
}

// Point is a pixel position relative to the map's layer pane.
type Point struct {
	X, Y float64
}

type Payload struct {
	Event RawEvent `json:"event"`
	Data  Feature  `json:"data"`
}

// InteractionKind names the two events an interaction layer emits.
type InteractionKind string

const (
	InteractionOn  InteractionKind = "on"
	InteractionOff InteractionKind = "off"
)

// Map is the host map widget.
type Map interface {
	AddLayer(l TileLayer)
	RemoveLayer(l TileLayer)
	FitBounds(b orb.Bound)
	MouseEventToLayerPoint(ev RawEvent) Point
	LayerPointToLatLng(p Point) orb.Point
}

// Reorderer is implemented by maps that can change a layer's z-index.
type Reorderer interface {
	SetLayerOrder(l TileLayer, position int)
}

type TileLayer interface {
	SetOpacity(opacity float64)
}

// Interaction decodes grid payloads and emits on/off events. On replaces any
// handler already registered for kind.
type Interaction interface {
	On(kind InteractionKind, fn func(Payload))
	Off(kind InteractionKind)
}

type TileLayerOptions struct {
	Attribution string
	Opacity     float64
}

// Library constructs host layers from URL templates.
type Library interface {
	NewTileLayer(url string, opts TileLayerOptions) TileLayer
	NewConnector(tj tileurl.TileJSON) TileLayer
	NewInteraction(m Map, tj tileurl.TileJSON) Interaction
}

// BoundsSource resolves the clamped extent of a table.
type BoundsSource interface {
	Extent(ctx context.Context, account, table string) (orb.Bound, error)
}

// Observer receives lifecycle and delivery notifications, e.g. for metrics.
type Observer interface {
	LayerSwapped(reason string)
	InteractionForwarded(kind EventKind, delivered bool)
}

type nopObserver struct{}

func (nopObserver) LayerSwapped(string)                  {}
func (nopObserver) InteractionForwarded(EventKind, bool) {}
