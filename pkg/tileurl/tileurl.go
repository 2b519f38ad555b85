// Package tileurl builds CartoDB raster tile and UTF-grid URL templates.
package tileurl

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb/maptile"
)

const (
	// TablePlaceholder is replaced with the table name inside queries and styles.
	TablePlaceholder = "{{table_name}}"

	DefaultQuery  = "SELECT * FROM " + TablePlaceholder
	DefaultDomain = "cartodb.com"
	DefaultScheme = "https"

	Attribution = "CartoDB"
)

var (
	ErrMissingTable   = errors.New("tileurl: table name is required")
	ErrMissingAccount = errors.New("tileurl: account is required")
	ErrInvalidAccount = errors.New("tileurl: account must be a lowercase DNS label")
	ErrInvalidTable   = errors.New("tileurl: table must be an SQL identifier")

	accountRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	tableRE   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)
)

const maxLabel = 63

// Formatter post-processes the feature attributes decoded from a grid.
type Formatter func(data map[string]any) map[string]any

// IdentityFormatter hands grid data through untouched.
func IdentityFormatter(data map[string]any) map[string]any { return data }

// TileJSON is the layer description handed to tile and interaction layer constructors.
type TileJSON struct {
	TileJSON    string    `json:"tilejson" yaml:"tilejson"`
	Scheme      string    `json:"scheme" yaml:"scheme"`
	Attribution string    `json:"attribution,omitempty" yaml:"attribution,omitempty"`
	Tiles       []string  `json:"tiles" yaml:"tiles"`
	Grids       []string  `json:"grids" yaml:"grids"`
	TilesBase   string    `json:"tiles_base" yaml:"tiles_base"`
	GridsBase   string    `json:"grids_base" yaml:"grids_base"`
	Opacity     float64   `json:"opacity" yaml:"opacity"`
	Formatter   Formatter `json:"-" yaml:"-"`
}

// Builder holds everything needed to compose tile URLs for one table.
type Builder struct {
	Scheme        string
	Domain        string
	Account       string
	Table         string
	Query         string
	Style         string
	Interactivity string
	Opacity       float64
}

func (b Builder) Validate() error {
	return ValidateTarget(b.Account, b.Table)
}

// ValidateTarget checks account and table before they end up in a host name,
// a URL path or an SQL statement. The account becomes a subdomain, so it must
// be a single DNS label; the table may be schema-qualified.
func ValidateTarget(account, table string) error {
	if strings.TrimSpace(account) == "" {
		return ErrMissingAccount
	}
	if strings.TrimSpace(table) == "" {
		return ErrMissingTable
	}
	if len(account) > maxLabel || !accountRE.MatchString(account) {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	if !tableRE.MatchString(table) {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	return nil
}

// TileURL returns the raster template ending in {z}/{x}/{y}.png plus parameters.
func (b Builder) TileURL() (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	return b.withParams(b.baseURL() + ".png"), nil
}

// GridURL returns the UTF-grid template ending in {z}/{x}/{y}.grid.json plus parameters.
func (b Builder) GridURL() (string, error) {
	if err := b.Validate(); err != nil {
		return "", err
	}
	return b.withParams(b.baseURL() + ".grid.json"), nil
}

func (b Builder) TileJSON() (TileJSON, error) {
	tile, err := b.TileURL()
	if err != nil {
		return TileJSON{}, err
	}
	grid, err := b.GridURL()
	if err != nil {
		return TileJSON{}, err
	}
	return TileJSON{
		TileJSON:    "1.0.0",
		Scheme:      "xyz",
		Attribution: Attribution,
		Tiles:       []string{tile},
		Grids:       []string{grid},
		TilesBase:   tile,
		GridsBase:   grid,
		Opacity:     b.Opacity,
		Formatter:   IdentityFormatter,
	}, nil
}

// Origin is scheme://account.domain, shared with the SQL API.
func (b Builder) Origin() string {
	scheme := b.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	domain := b.Domain
	if domain == "" {
		domain = DefaultDomain
	}
	return scheme + "://" + b.Account + "." + domain
}

func (b Builder) baseURL() string {
	return b.Origin() + "/tiles/" + b.Table + "/{z}/{x}/{y}"
}

func (b Builder) withParams(u string) string {
	for _, p := range b.params() {
		u = AddURLData(u, p)
	}
	return u
}

// params yields sql, style and interactivity in that order, skipping empty ones.
func (b Builder) params() []string {
	query := b.Query
	if strings.TrimSpace(query) == "" {
		query = DefaultQuery
	}
	out := []string{"sql=" + EncodeParam(SubstituteTable(query, b.Table))}
	if b.Style != "" {
		out = append(out, "style="+EncodeParam(SubstituteTable(b.Style, b.Table)))
	}
	if cols := stripSpace(b.Interactivity); cols != "" {
		out = append(out, "interactivity="+EncodeParam(cols))
	}
	return out
}

// SubstituteTable replaces every TablePlaceholder occurrence with table.
func SubstituteTable(s, table string) string {
	return strings.ReplaceAll(s, TablePlaceholder, table)
}

// componentUnescape turns QueryEscape output into encodeURIComponent output:
// spaces as %20 and the marks !'()* left literal.
var componentUnescape = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// EncodeParam percent-encodes a query value byte-for-byte like encodeURIComponent.
func EncodeParam(s string) string {
	return componentUnescape.Replace(url.QueryEscape(s))
}

// AddURLData appends a key=value pair, choosing '?' or '&' from the URL's current query.
func AddURLData(u, data string) string {
	if data == "" {
		return u
	}
	head, frag, hasFrag := strings.Cut(u, "#")
	switch {
	case strings.HasSuffix(head, "?") || strings.HasSuffix(head, "&"):
		head += data
	case hasQuery(head):
		head += "&" + data
	default:
		head += "?" + data
	}
	if hasFrag {
		return head + "#" + frag
	}
	return head
}

func hasQuery(u string) bool {
	_, q, ok := strings.Cut(u, "?")
	return ok && q != ""
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}

// Expand fills the {z}, {x} and {y} placeholders of a template for one tile.
func Expand(template string, t maptile.Tile) string {
	r := strings.NewReplacer(
		"{z}", strconv.FormatUint(uint64(t.Z), 10),
		"{x}", strconv.FormatUint(uint64(t.X), 10),
		"{y}", strconv.FormatUint(uint64(t.Y), 10),
	)
	return r.Replace(template)
}
