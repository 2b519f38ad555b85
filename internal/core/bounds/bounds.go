// Package bounds resolves the geographic extent of a CartoDB table through
// the SQL API and normalizes it for web-mercator maps.
package bounds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/observability"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

const (
	MaxLat = 85.0511
	MaxLon = 179.0

	sqlPath = "/api/v1/sql/"
)

var (
	ErrEmptyExtent     = fmt.Errorf("%w: st_extent is null", layer.ErrNoExtent)
	ErrMalformedExtent = fmt.Errorf("%w: malformed BOX", layer.ErrNoExtent)
)

// SQLURL is the one-shot extent query for table against the SQL API at origin.
func SQLURL(origin, table string) string {
	v := url.Values{}
	v.Set("q", "select ST_Extent(the_geom) from "+table)
	return strings.TrimRight(origin, "/") + sqlPath + "?" + v.Encode()
}

// ParseBox reads a PostGIS "BOX(lon0 lat0,lon1 lat1)" envelope.
func ParseBox(s string) (orb.Bound, error) {
	s = strings.TrimSpace(s)
	inner, ok := strings.CutPrefix(s, "BOX(")
	if !ok {
		return orb.Bound{}, fmt.Errorf("%w: %q", ErrMalformedExtent, s)
	}
	inner, ok = strings.CutSuffix(inner, ")")
	if !ok {
		return orb.Bound{}, fmt.Errorf("%w: %q", ErrMalformedExtent, s)
	}
	a, b, ok := strings.Cut(inner, ",")
	if !ok {
		return orb.Bound{}, fmt.Errorf("%w: %q", ErrMalformedExtent, s)
	}
	p0, err := parsePoint(a)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("%w: %q: %v", ErrMalformedExtent, s, err)
	}
	p1, err := parsePoint(b)
	if err != nil {
		return orb.Bound{}, fmt.Errorf("%w: %q: %v", ErrMalformedExtent, s, err)
	}
	return orb.Bound{Min: p0, Max: p1}, nil
}

func parsePoint(s string) (orb.Point, error) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return orb.Point{}, fmt.Errorf("want 2 coordinates, got %d", len(f))
	}
	lon, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return orb.Point{}, err
	}
	lat, err := strconv.ParseFloat(f[1], 64)
	if err != nil {
		return orb.Point{}, err
	}
	return orb.Point{lon, lat}, nil
}

// Clamp limits both corners to ±MaxLon and ±MaxLat.
func Clamp(b orb.Bound) orb.Bound {
	return orb.Bound{Min: clampPoint(b.Min), Max: clampPoint(b.Max)}
}

func clampPoint(p orb.Point) orb.Point {
	return orb.Point{
		min(max(p.Lon(), -MaxLon), MaxLon),
		min(max(p.Lat(), -MaxLat), MaxLat),
	}
}

type sqlResponse struct {
	Rows []struct {
		STExtent *string `json:"st_extent"`
	} `json:"rows"`
}

// Fetcher queries the SQL API of an account. It implements layer.BoundsSource.
type Fetcher struct {
	logger   *slog.Logger
	client   *http.Client
	scheme   string
	domain   string
	endpoint string
	startNow func() time.Time // for tests
}

func NewFetcher(logger *slog.Logger, client *http.Client, scheme, domain string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		logger:   logger,
		client:   client,
		scheme:   scheme,
		domain:   domain,
		startNow: time.Now,
	}
}

// WithEndpoint sends every query to origin instead of the account subdomain.
func (f *Fetcher) WithEndpoint(origin string) *Fetcher {
	cp := *f
	cp.endpoint = origin
	return &cp
}

func (f *Fetcher) origin(account string) string {
	if f.endpoint != "" {
		return f.endpoint
	}
	return tileurl.Builder{Scheme: f.scheme, Domain: f.domain, Account: account}.Origin()
}

// Extent fetches, parses and clamps the extent of account/table. Tables
// without geometries yield ErrEmptyExtent. account and table must pass
// tileurl.ValidateTarget even when an endpoint override is set.
func (f *Fetcher) Extent(ctx context.Context, account, table string) (orb.Bound, error) {
	if err := tileurl.ValidateTarget(account, table); err != nil {
		observability.IncExtentFetch("invalid")
		return orb.Bound{}, err
	}
	u := SQLURL(f.origin(account), table)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		observability.IncExtentFetch("error")
		return orb.Bound{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := f.startNow()
	resp, err := f.client.Do(req)
	if err != nil {
		observability.IncExtentFetch("error")
		return orb.Bound{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ObserveUpstreamLatency("sql_api", time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		observability.IncExtentFetch("error")
		return orb.Bound{}, fmt.Errorf("sql api status %d: %s", resp.StatusCode, string(b))
	}

	var body sqlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		observability.IncExtentFetch("error")
		return orb.Bound{}, fmt.Errorf("decode sql response: %w", err)
	}
	if len(body.Rows) == 0 || body.Rows[0].STExtent == nil {
		observability.IncExtentFetch("empty")
		return orb.Bound{}, ErrEmptyExtent
	}

	box, err := ParseBox(*body.Rows[0].STExtent)
	if err != nil {
		observability.IncExtentFetch("malformed")
		f.logger.Debug("unparseable extent", "table", table, "err", err)
		return orb.Bound{}, err
	}
	observability.IncExtentFetch("ok")
	return Clamp(box), nil
}
