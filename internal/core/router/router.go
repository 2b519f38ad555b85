// Package router holds the HTTP handlers exposing layer URLs, table extents
// and the interaction event sink.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/config"
	"github.com/mohammed-shakir/cartodb-layer/internal/core/observability"
	"github.com/mohammed-shakir/cartodb-layer/internal/hitevents"
	mylog "github.com/mohammed-shakir/cartodb-layer/internal/logger"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

// EventSink accepts interaction events; *hitevents.Publisher satisfies it.
type EventSink interface {
	Publish(ev hitevents.Event) bool
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records route metrics around h
func instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ParseBuilder reads layer parameters from the query string, falling back
// to the configured account, scheme and domain.
func ParseBuilder(r *http.Request, cfg config.Config) (tileurl.Builder, error) {
	q := r.URL.Query()
	b := tileurl.Builder{
		Scheme:        cfg.Carto.Scheme,
		Domain:        cfg.Carto.Domain,
		Account:       strings.TrimSpace(q.Get("account")),
		Table:         strings.TrimSpace(q.Get("table")),
		Query:         q.Get("sql"),
		Style:         q.Get("style"),
		Interactivity: q.Get("interactivity"),
		Opacity:       layer.DefaultOpacity,
	}
	if b.Account == "" {
		b.Account = cfg.Carto.Account
	}
	if raw := strings.TrimSpace(q.Get("opacity")); raw != "" {
		op, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return tileurl.Builder{}, fmt.Errorf("invalid opacity: %w", err)
		}
		if op < 0 || op > 1 {
			return tileurl.Builder{}, errors.New("opacity must be in [0,1]")
		}
		b.Opacity = op
	}
	if err := b.Validate(); err != nil {
		return tileurl.Builder{}, err
	}
	return b, nil
}

func HandleTileJSON(logger *slog.Logger, cfg config.Config) http.HandlerFunc {
	return instrument("/tilejson", func(w http.ResponseWriter, r *http.Request) {
		b, err := ParseBuilder(r, cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tj, err := b.TileJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.DebugContext(r.Context(), "tilejson", "account", b.Account, "table", b.Table)
		writeJSON(w, http.StatusOK, tj)
	})
}

type boundsResponse struct {
	Bounds [4]float64 `json:"bounds"`
}

func HandleBounds(logger *slog.Logger, cfg config.Config, src layer.BoundsSource) http.HandlerFunc {
	return instrument("/bounds", func(w http.ResponseWriter, r *http.Request) {
		account := strings.TrimSpace(r.URL.Query().Get("account"))
		if account == "" {
			account = cfg.Carto.Account
		}
		table := strings.TrimSpace(r.URL.Query().Get("table"))
		if account == "" || table == "" {
			http.Error(w, "missing required parameter: account and table", http.StatusBadRequest)
			return
		}
		if err := tileurl.ValidateTarget(account, table); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		ctx := mylog.WithTable(mylog.WithAccount(r.Context(), account), table)
		b, err := src.Extent(ctx, account, table)
		switch {
		case errors.Is(err, layer.ErrNoExtent):
			http.Error(w, "table has no extent", http.StatusNotFound)
			return
		case err != nil:
			logger.WarnContext(ctx, "extent lookup failed", "err", err)
			http.Error(w, "upstream extent lookup failed", http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, boundsResponse{Bounds: toArray(b)})
	})
}

func toArray(b orb.Bound) [4]float64 {
	return [4]float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()}
}

type eventRequest struct {
	Account string        `json:"account"`
	Table   string        `json:"table"`
	Kind    string        `json:"kind"`
	Lat     float64       `json:"lat"`
	Lon     float64       `json:"lon"`
	Data    layer.Feature `json:"data"`
}

type eventResponse struct {
	Queued bool `json:"queued"`
}

// HandleEvents accepts a forwarded interaction and hands it to sink without
// blocking. A full queue is reported, not treated as an error.
func HandleEvents(logger *slog.Logger, sink EventSink, h3Res int) http.HandlerFunc {
	return instrument("/events", func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		dec := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "invalid event body: "+err.Error(), http.StatusBadRequest)
			return
		}
		kind, ok := layer.ParseEventKind(req.Kind)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown event kind %q", req.Kind), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.Table) == "" {
			http.Error(w, "account and table are required", http.StatusBadRequest)
			return
		}
		if err := tileurl.ValidateTarget(req.Account, req.Table); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
			http.Error(w, "coordinates out of range", http.StatusBadRequest)
			return
		}

		ev := hitevents.FromInteraction(req.Account, req.Table, kind, orb.Point{req.Lon, req.Lat}, req.Data, h3Res)
		queued := sink != nil && sink.Publish(ev)
		if !queued {
			logger.DebugContext(r.Context(), "interaction event dropped", "kind", ev.Kind)
		}
		writeJSON(w, http.StatusAccepted, eventResponse{Queued: queued})
	})
}
