// Package headless is an in-memory host map for driving a layer.Adapter
// without a browser. It records every call so callers can inspect state.
package headless

import (
	"math"
	"slices"
	"sync"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

const tileSize = 256

// Map is a web-mercator viewport at a fixed zoom whose top-left layer point
// sits at Origin (world pixels).
type Map struct {
	mu      sync.Mutex
	layers  []layer.TileLayer
	bounds  []orb.Bound
	Zoom    int
	Origin  layer.Point
	Offset  layer.Point // container offset subtracted from client coordinates
	removed int
}

func NewMap(zoom int) *Map {
	return &Map{Zoom: zoom}
}

func (m *Map) AddLayer(l layer.TileLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.layers = append(m.layers, l)
}

func (m *Map) RemoveLayer(l layer.TileLayer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.layers, l)
	if i < 0 {
		return
	}
	m.layers = slices.Delete(m.layers, i, i+1)
	m.removed++
}

func (m *Map) SetLayerOrder(l layer.TileLayer, position int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := slices.Index(m.layers, l)
	if i < 0 {
		return
	}
	m.layers = slices.Delete(m.layers, i, i+1)
	position = max(0, min(position, len(m.layers)))
	m.layers = slices.Insert(m.layers, position, l)
}

func (m *Map) FitBounds(b orb.Bound) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bounds = append(m.bounds, b)
}

func (m *Map) MouseEventToLayerPoint(ev layer.RawEvent) layer.Point {
	return layer.Point{X: ev.ClientX - m.Offset.X, Y: ev.ClientY - m.Offset.Y}
}

// LayerPointToLatLng inverts the spherical mercator pixel projection.
func (m *Map) LayerPointToLatLng(p layer.Point) orb.Point {
	world := float64(tileSize) * math.Exp2(float64(m.Zoom))
	fx := (m.Origin.X + p.X) / world
	fy := (m.Origin.Y + p.Y) / world
	lon := fx*360 - 180
	lat := math.Atan(math.Sinh(math.Pi*(1-2*fy))) * 180 / math.Pi
	return orb.Point{lon, lat}
}

func (m *Map) Layers() []layer.TileLayer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.layers)
}

// Fitted returns every rectangle passed to FitBounds, oldest first.
func (m *Map) Fitted() []orb.Bound {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.bounds)
}

func (m *Map) Removed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

// Tile is a raster layer; connectors carry the TileJSON they were built from.
type Tile struct {
	mu       sync.Mutex
	URL      string
	TileJSON *tileurl.TileJSON
	Attrib   string
	opacity  float64
}

func (t *Tile) SetOpacity(opacity float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opacity = opacity
}

func (t *Tile) Opacity() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opacity
}

type Interaction struct {
	mu       sync.Mutex
	handlers map[layer.InteractionKind]func(layer.Payload)
	TileJSON tileurl.TileJSON
}

func (i *Interaction) On(kind layer.InteractionKind, fn func(layer.Payload)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.handlers == nil {
		i.handlers = map[layer.InteractionKind]func(layer.Payload){}
	}
	i.handlers[kind] = fn
}

func (i *Interaction) Off(kind layer.InteractionKind) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.handlers, kind)
}

func (i *Interaction) Subscribed(kind layer.InteractionKind) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.handlers[kind]
	return ok
}

// Emit simulates the grid decoder firing kind; it reports whether anyone listened.
func (i *Interaction) Emit(kind layer.InteractionKind, p layer.Payload) bool {
	i.mu.Lock()
	fn := i.handlers[kind]
	i.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(p)
	return true
}

// Library builds headless layers and remembers what it built.
type Library struct {
	mu           sync.Mutex
	Tiles        []*Tile
	Connectors   []*Tile
	Interactions []*Interaction
}

func (l *Library) NewTileLayer(url string, opts layer.TileLayerOptions) layer.TileLayer {
	t := &Tile{URL: url, Attrib: opts.Attribution, opacity: opts.Opacity}
	l.mu.Lock()
	l.Tiles = append(l.Tiles, t)
	l.mu.Unlock()
	return t
}

func (l *Library) NewConnector(tj tileurl.TileJSON) layer.TileLayer {
	t := &Tile{URL: tj.Tiles[0], TileJSON: &tj, Attrib: tj.Attribution, opacity: tj.Opacity}
	l.mu.Lock()
	l.Connectors = append(l.Connectors, t)
	l.mu.Unlock()
	return t
}

func (l *Library) NewInteraction(_ layer.Map, tj tileurl.TileJSON) layer.Interaction {
	i := &Interaction{TileJSON: tj}
	l.mu.Lock()
	l.Interactions = append(l.Interactions, i)
	l.mu.Unlock()
	return i
}

// LastInteraction returns the most recently built interaction, or nil.
func (l *Library) LastInteraction() *Interaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Interactions) == 0 {
		return nil
	}
	return l.Interactions[len(l.Interactions)-1]
}
