package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/bounds"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/config"
	"github.com/mohammed-shakir/cartodb-layer/internal/hitevents"
	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() config.Config {
	return config.Config{Carto: config.CartoCfg{Scheme: "https", Domain: "cartodb.com", Account: "dflt"}}
}

func get(t *testing.T, h http.HandlerFunc, path string, q url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil)
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestParseBuilder(t *testing.T) {
	q := url.Values{"table": {"rivers"}, "opacity": {"0.4"}, "interactivity": {"name"}}
	req := httptest.NewRequest(http.MethodGet, "/tilejson?"+q.Encode(), nil)
	b, err := ParseBuilder(req, testConfig())
	if err != nil {
		t.Fatalf("ParseBuilder: %v", err)
	}
	if b.Account != "dflt" || b.Table != "rivers" || b.Opacity != 0.4 || b.Interactivity != "name" {
		t.Fatalf("unexpected builder %+v", b)
	}

	for _, bad := range []url.Values{
		{"account": {"a"}},
		{"table": {"t"}, "opacity": {"x"}},
		{"table": {"t"}, "opacity": {"1.5"}},
	} {
		req := httptest.NewRequest(http.MethodGet, "/tilejson?"+bad.Encode(), nil)
		if _, err := ParseBuilder(req, testConfig()); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestHandleTileJSON(t *testing.T) {
	h := HandleTileJSON(discard(), testConfig())
	rr := get(t, h, "/tilejson", url.Values{"account": {"acct"}, "table": {"rivers"}, "interactivity": {"name, flow"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var tj tileurl.TileJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &tj); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(tj.Tiles) != 1 || !strings.HasPrefix(tj.Tiles[0], "https://acct.cartodb.com/tiles/rivers/{z}/{x}/{y}.png?") {
		t.Fatalf("tiles=%v", tj.Tiles)
	}
	if len(tj.Grids) != 1 || !strings.Contains(tj.Grids[0], "interactivity=name%2Cflow") {
		t.Fatalf("grids=%v", tj.Grids)
	}

	if rr := get(t, h, "/tilejson", url.Values{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing table status=%d want 400", rr.Code)
	}
}

type fakeSource struct {
	b   orb.Bound
	err error
}

func (f fakeSource) Extent(context.Context, string, string) (orb.Bound, error) { return f.b, f.err }

func TestHandleBounds(t *testing.T) {
	cases := []struct {
		name string
		src  fakeSource
		q    url.Values
		code int
	}{
		{"ok", fakeSource{b: orb.Bound{Min: orb.Point{-1, -2}, Max: orb.Point{3, 4}}}, url.Values{"table": {"t"}}, 200},
		{"empty", fakeSource{err: bounds.ErrEmptyExtent}, url.Values{"table": {"t"}}, 404},
		{"upstream", fakeSource{err: errors.New("sql api status 500")}, url.Values{"table": {"t"}}, 502},
		{"no table", fakeSource{}, url.Values{}, 400},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := get(t, HandleBounds(discard(), testConfig(), tc.src), "/bounds", tc.q)
			if rr.Code != tc.code {
				t.Fatalf("status=%d want %d body=%s", rr.Code, tc.code, rr.Body.String())
			}
			if tc.code == 200 && strings.TrimSpace(rr.Body.String()) != `{"bounds":[-1,-2,3,4]}` {
				t.Fatalf("body=%s", rr.Body.String())
			}
		})
	}
}

func TestHandleBounds_RejectsUnsafeTarget(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, `{"rows":[{"st_extent":"BOX(1 1,2 2)"}]}`)
	}))
	defer upstream.Close()
	host := strings.TrimPrefix(upstream.URL, "http://")

	f := bounds.NewFetcher(discard(), upstream.Client(), "http", "cartodb.com")
	h := HandleBounds(discard(), testConfig(), f)

	cases := []struct {
		name string
		q    url.Values
		want error
	}{
		{"host in account", url.Values{"account": {host + "/internal-admin?"}, "table": {"t"}}, tileurl.ErrInvalidAccount},
		{"userinfo in account", url.Values{"account": {"x@" + host}, "table": {"t"}}, tileurl.ErrInvalidAccount},
		{"sql in table", url.Values{"account": {"acct"}, "table": {"t; delete from t"}}, tileurl.ErrInvalidTable},
		{"path in table", url.Values{"account": {"acct"}, "table": {"../../admin"}}, tileurl.ErrInvalidTable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := get(t, h, "/bounds", tc.q)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status=%d want 400 body=%s", rr.Code, rr.Body.String())
			}
			if !strings.Contains(rr.Body.String(), tc.want.Error()) {
				t.Fatalf("body=%q want %q", rr.Body.String(), tc.want)
			}
		})
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("upstream received %d requests, want none", n)
	}
}

func TestHandleTileJSON_RejectsUnsafeTarget(t *testing.T) {
	h := HandleTileJSON(discard(), testConfig())
	for _, q := range []url.Values{
		{"account": {"127.0.0.1:9999/x?"}, "table": {"t"}},
		{"account": {"acct"}, "table": {"t union select 1"}},
	} {
		rr := get(t, h, "/tilejson", q)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%v: status=%d want 400", q, rr.Code)
		}
		if strings.Contains(rr.Body.String(), "tiles") {
			t.Fatalf("%v: must not hand out urls: %s", q, rr.Body.String())
		}
	}
}

type recordingSink struct {
	events []hitevents.Event
	full   bool
}

func (s *recordingSink) Publish(ev hitevents.Event) bool {
	if s.full {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func TestHandleEvents(t *testing.T) {
	sink := &recordingSink{}
	h := HandleEvents(discard(), sink, 8)

	rr := post(h, `{"account":"acct","table":"rivers","kind":"pointer_up","lat":59.33,"lon":18.07,"data":{"id":3}}`)
	if rr.Code != http.StatusAccepted || !strings.Contains(rr.Body.String(), `"queued":true`) {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if len(sink.events) != 1 {
		t.Fatalf("events=%d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Kind != "pointer_up" || ev.H3Cell == "" || ev.Data["id"] != float64(3) {
		t.Fatalf("unexpected event %+v", ev)
	}

	for _, bad := range []string{
		`{`,
		`{"account":"a","table":"t","kind":"hover"}`,
		`{"account":"","table":"t","kind":"pointer_out"}`,
		`{"account":"a","table":"t","kind":"pointer_up","lat":91}`,
		`{"account":"a","table":"t","kind":"pointer_up","extra":1}`,
		`{"account":"evil.com/x?","table":"t","kind":"pointer_out"}`,
		`{"account":"a","table":"t;drop table t","kind":"pointer_out"}`,
	} {
		if rr := post(h, bad); rr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status=%d want 400", bad, rr.Code)
		}
	}
}

func TestHandleEvents_QueueFullOrNoSink(t *testing.T) {
	body := `{"account":"a","table":"t","kind":"pointer_out"}`
	rr := post(HandleEvents(discard(), &recordingSink{full: true}, 8), body)
	if rr.Code != http.StatusAccepted || !strings.Contains(rr.Body.String(), `"queued":false`) {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = post(HandleEvents(discard(), nil, 8), body)
	if rr.Code != http.StatusAccepted || !strings.Contains(rr.Body.String(), `"queued":false`) {
		t.Fatalf("nil sink status=%d body=%s", rr.Code, rr.Body.String())
	}
}
