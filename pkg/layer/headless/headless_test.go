package headless

import (
	"math"
	"testing"

	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
)

func TestLayerPointToLatLng(t *testing.T) {
	m := NewMap(0)
	cases := []struct {
		p        layer.Point
		lon, lat float64
	}{
		{layer.Point{X: 128, Y: 128}, 0, 0},
		{layer.Point{X: 0, Y: 128}, -180, 0},
		{layer.Point{X: 256, Y: 0}, 180, 85.0511},
	}
	for _, tc := range cases {
		ll := m.LayerPointToLatLng(tc.p)
		if math.Abs(ll.Lon()-tc.lon) > 1e-4 || math.Abs(ll.Lat()-tc.lat) > 1e-4 {
			t.Fatalf("%v -> %v want (%v,%v)", tc.p, ll, tc.lon, tc.lat)
		}
	}

	m.Offset = layer.Point{X: 10, Y: 20}
	if p := m.MouseEventToLayerPoint(layer.RawEvent{ClientX: 138, ClientY: 148}); p != (layer.Point{X: 128, Y: 128}) {
		t.Fatalf("offset not applied: %v", p)
	}
}

func TestMap_OrderAndRemove(t *testing.T) {
	m := NewMap(1)
	a, b, c := &Tile{URL: "a"}, &Tile{URL: "b"}, &Tile{URL: "c"}
	m.AddLayer(a)
	m.AddLayer(b)
	m.AddLayer(c)

	m.SetLayerOrder(c, 0)
	if got := m.Layers(); got[0] != c || got[1] != a || got[2] != b {
		t.Fatalf("order=%v", got)
	}
	m.SetLayerOrder(a, 99)
	if got := m.Layers(); got[2] != a {
		t.Fatalf("clamped order=%v", got)
	}

	m.RemoveLayer(b)
	m.RemoveLayer(b)
	if len(m.Layers()) != 2 || m.Removed() != 1 {
		t.Fatalf("layers=%d removed=%d", len(m.Layers()), m.Removed())
	}
}

func TestInteraction_Emit(t *testing.T) {
	var in Interaction
	if in.Emit(layer.InteractionOn, layer.Payload{}) {
		t.Fatalf("emit without subscriber must report false")
	}
	calls := 0
	in.On(layer.InteractionOn, func(layer.Payload) { calls++ })
	in.On(layer.InteractionOn, func(layer.Payload) { calls += 10 })
	if !in.Emit(layer.InteractionOn, layer.Payload{}) || calls != 10 {
		t.Fatalf("On must replace the handler, calls=%d", calls)
	}
	in.Off(layer.InteractionOn)
	if in.Subscribed(layer.InteractionOn) {
		t.Fatalf("still subscribed after Off")
	}
}
