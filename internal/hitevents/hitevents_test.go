package hitevents

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama/mocks"
	"github.com/paulmach/orb"
	"github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestFromInteraction_ClickCarriesCell(t *testing.T) {
	ll := orb.Point{18.0686, 59.3293}
	ev := FromInteraction("acct", "rivers", layer.PointerUp, ll, layer.Feature{"id": 1}, 9)

	if ev.Kind != "pointer_up" || ev.Lon != 18.0686 || ev.Lat != 59.3293 {
		t.Fatalf("unexpected event %+v", ev)
	}
	want, err := h3.LatLngToCell(h3.NewLatLng(59.3293, 18.0686), 9)
	if err != nil {
		t.Fatalf("LatLngToCell: %v", err)
	}
	if ev.H3Cell != want.String() {
		t.Fatalf("cell=%s want %s", ev.H3Cell, want.String())
	}
}

func TestFromInteraction_HoverHasNoPosition(t *testing.T) {
	ev := FromInteraction("acct", "rivers", layer.PointerOver, orb.Point{1, 2}, nil, 9)
	if ev.H3Cell != "" || ev.Lon != 0 || ev.Lat != 0 {
		t.Fatalf("hover must not carry a position: %+v", ev)
	}
}

func TestCellFor_InvalidResolution(t *testing.T) {
	if c := CellFor(orb.Point{0, 0}, 16); c != "" {
		t.Fatalf("cell=%s want empty", c)
	}
	if c := CellFor(orb.Point{0, 0}, -1); c != "" {
		t.Fatalf("cell=%s want empty", c)
	}
}

func TestPublisher_SendsJSONKeyedByTable(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	prod.ExpectInputWithCheckerFunctionAndSucceed(func(b []byte) error {
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return err
		}
		if ev.Account != "acct" || ev.Table != "rivers" || ev.Kind != "pointer_up" {
			return fmt.Errorf("unexpected event %+v", ev)
		}
		return nil
	})

	p := newPublisher(discard(), prod, "interactions", 4)
	if !p.Publish(FromInteraction("acct", "rivers", layer.PointerUp, orb.Point{1, 1}, nil, 7)) {
		t.Fatalf("publish dropped")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestPublisher_DropsWhenQueueFull(t *testing.T) {
	p := &Publisher{events: make(chan Event, 1)}
	if !p.Publish(Event{}) {
		t.Fatalf("first publish must be queued")
	}
	if p.Publish(Event{}) {
		t.Fatalf("second publish must be dropped")
	}
}

func TestPublisher_PublishAfterCloseDrops(t *testing.T) {
	prod := mocks.NewAsyncProducer(t, nil)
	p := newPublisher(discard(), prod, "interactions", 4)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.Publish(Event{Account: "acct", Table: "rivers"}) {
		t.Fatalf("publish after close must be dropped")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPublisher_ConcurrentPublishAndClose(t *testing.T) {
	// no worker drains the queue, so the mock producer never sees input
	stopped := make(chan struct{})
	close(stopped)
	p := &Publisher{
		events:  make(chan Event, 1024),
		prod:    mocks.NewAsyncProducer(t, nil),
		stopped: stopped,
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				p.Publish(Event{Account: "acct", Table: "rivers", Kind: "pointer_out"})
			}
		}()
	}
	_ = p.Close()
	wg.Wait()
}
