// Package layer attaches a CartoDB tile layer to a host map and keeps it in
// sync with its configuration.
//
// An Adapter owns at most one live layer. Every setter except SetOpacity
// swaps it out: the old layer is detached, URLs are rebuilt, and a new one is
// attached. The current-layer reference is guarded by a mutex so swaps
// triggered from several goroutines never remove a layer twice.
package layer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

const DefaultOpacity = 0.99

var ErrNoExtent = errors.New("layer: table has no extent")

type DiagnosticKind string

const (
	DiagMissingHandler DiagnosticKind = "missing_handler"
	DiagBoundsFetch    DiagnosticKind = "bounds_fetch"
)

// Diagnostic is a non-fatal notice, only produced in debug mode.
type Diagnostic struct {
	Kind DiagnosticKind
	Err  error
}

func (d Diagnostic) Error() string { return string(d.Kind) + ": " + d.Err.Error() }

func (d Diagnostic) Unwrap() error { return d.Err }

type Options struct {
	Account       string
	Table         string
	Query         string
	Style         string
	Interactivity string
	Domain        string
	Scheme        string
	// Opacity in [0,1]. Zero means unset and becomes DefaultOpacity, so a
	// layer that must start fully transparent calls SetOpacity(0) after New.
	Opacity   float64
	AutoBound bool
	Debug     bool

	Handlers     Handlers
	OnDiagnostic func(Diagnostic)
	Bounds       BoundsSource
	Observer     Observer
	Logger       *slog.Logger
}

type Adapter struct {
	mu   sync.Mutex
	m    Map
	lib  Library
	opts Options

	layer       TileLayer
	interaction Interaction
	hidden      bool
	interactive bool

	boundsDone chan struct{}
}

// New validates opts and, when AutoBound is set, starts the one-shot extent
// fetch. The layer itself is created by Attach.
func New(ctx context.Context, m Map, lib Library, opts Options) (*Adapter, error) {
	if m == nil || lib == nil {
		return nil, errors.New("layer: map and library are required")
	}
	if err := opts.builder().Validate(); err != nil {
		return nil, fmt.Errorf("layer options: %w", err)
	}
	if opts.Opacity == 0 {
		opts.Opacity = DefaultOpacity
	}
	opts.Opacity = clampOpacity(opts.Opacity)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	a := &Adapter{
		m:           m,
		lib:         lib,
		opts:        opts,
		interactive: true,
		boundsDone:  make(chan struct{}),
	}
	if opts.AutoBound && opts.Bounds != nil {
		go a.autoBound(ctx)
	} else {
		close(a.boundsDone)
	}
	return a, nil
}

// BoundsDone is closed once the auto-bound fetch finished (or was never started).
func (a *Adapter) BoundsDone() <-chan struct{} { return a.boundsDone }

func (a *Adapter) Attach() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.layer != nil {
		return nil
	}
	return a.attachLocked()
}

// Detach removes the layer from the map. It is a no-op when nothing is attached.
func (a *Adapter) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.detachLocked()
}

func (a *Adapter) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.layer != nil
}

// Options returns a copy of the current configuration.
func (a *Adapter) Options() Options {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts
}

// SetOpacity clamps opacity to [0,1] and applies it in place. Unlike
// Options.Opacity, zero here is an explicit fully transparent layer.
func (a *Adapter) SetOpacity(opacity float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Opacity = clampOpacity(opacity)
	if a.layer != nil && !a.hidden {
		a.layer.SetOpacity(a.opts.Opacity)
	}
}

func (a *Adapter) SetQuery(sql string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Query = sql
	return a.replaceLocked("query")
}

func (a *Adapter) SetStyle(style string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Style = style
	return a.replaceLocked("style")
}

// SetInteractivity sets the grid column list; an empty list turns grids off.
func (a *Adapter) SetInteractivity(columns string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Interactivity = columns
	return a.replaceLocked("interactivity")
}

// SetInteraction toggles delivery of interaction events without rebuilding.
func (a *Adapter) SetInteraction(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interactive = enabled
	a.syncSubscriptionLocked()
}

// SetLayerOrder moves the layer when the host map supports reordering.
func (a *Adapter) SetLayerOrder(position int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.m.(Reorderer)
	if !ok || a.layer == nil {
		return
	}
	r.SetLayerOrder(a.layer, position)
}

func (a *Adapter) Hide() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hidden = true
	if a.layer != nil {
		a.layer.SetOpacity(0)
	}
	a.syncSubscriptionLocked()
}

// Show restores the configured opacity and re-enables interaction.
func (a *Adapter) Show() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hidden = false
	a.interactive = true
	if a.layer != nil {
		a.layer.SetOpacity(a.opts.Opacity)
	}
	a.syncSubscriptionLocked()
}

func (a *Adapter) attachLocked() error {
	b := a.opts.builder()
	opacity := a.opts.Opacity
	if a.hidden {
		opacity = 0
	}

	if strings.TrimSpace(a.opts.Interactivity) == "" {
		u, err := b.TileURL()
		if err != nil {
			return fmt.Errorf("build tile url: %w", err)
		}
		a.layer = a.lib.NewTileLayer(u, TileLayerOptions{Attribution: tileurl.Attribution, Opacity: opacity})
		a.m.AddLayer(a.layer)
		a.opts.Logger.Debug("layer attached", "table", a.opts.Table, "interactive", false)
		return nil
	}

	tj, err := b.TileJSON()
	if err != nil {
		return fmt.Errorf("build tilejson: %w", err)
	}
	tj.Opacity = opacity
	a.layer = a.lib.NewConnector(tj)
	a.m.AddLayer(a.layer)
	a.interaction = a.lib.NewInteraction(a.m, tj)
	a.syncSubscriptionLocked()
	a.opts.Logger.Debug("layer attached", "table", a.opts.Table, "interactive", true)
	return nil
}

func (a *Adapter) detachLocked() {
	if a.layer == nil {
		return
	}
	if a.interaction != nil {
		a.interaction.Off(InteractionOn)
		a.interaction.Off(InteractionOff)
		a.interaction = nil
	}
	a.m.RemoveLayer(a.layer)
	a.layer = nil
}

// replaceLocked rebuilds the live layer; configuration changes on a detached
// adapter are stored and picked up by the next Attach.
func (a *Adapter) replaceLocked(reason string) error {
	if a.layer == nil {
		return nil
	}
	a.detachLocked()
	if err := a.attachLocked(); err != nil {
		return err
	}
	a.opts.Observer.LayerSwapped(reason)
	return nil
}

func (a *Adapter) syncSubscriptionLocked() {
	if a.interaction == nil {
		return
	}
	if a.hidden || !a.interactive {
		a.interaction.Off(InteractionOn)
		a.interaction.Off(InteractionOff)
		return
	}
	a.interaction.On(InteractionOn, func(p Payload) { a.forward(InteractionOn, p) })
	a.interaction.On(InteractionOff, func(p Payload) { a.forward(InteractionOff, p) })
}

// forward runs on the host's event goroutine; handlers are called without
// holding the lock so they may call setters.
func (a *Adapter) forward(kind InteractionKind, p Payload) {
	a.mu.Lock()
	f := Forwarder{Map: a.m, Handlers: a.opts.Handlers}
	obs := a.opts.Observer
	a.mu.Unlock()

	ek, err := f.Dispatch(kind, p)
	if ek == 0 {
		return
	}
	obs.InteractionForwarded(ek, err == nil)
	if err != nil {
		a.diagnose(DiagMissingHandler, err)
	}
}

func (a *Adapter) autoBound(ctx context.Context) {
	defer close(a.boundsDone)

	a.mu.Lock()
	src, account, table := a.opts.Bounds, a.opts.Account, a.opts.Table
	logger := a.opts.Logger
	a.mu.Unlock()

	b, err := src.Extent(ctx, account, table)
	switch {
	case errors.Is(err, ErrNoExtent):
		logger.Debug("table has no extent; viewport unchanged", "table", table)
		return
	case err != nil:
		a.diagnose(DiagBoundsFetch, fmt.Errorf("error getting table bounds: %w", err))
		return
	}
	a.m.FitBounds(b)
}

func (a *Adapter) diagnose(kind DiagnosticKind, err error) {
	a.mu.Lock()
	debug, cb, logger := a.opts.Debug, a.opts.OnDiagnostic, a.opts.Logger
	a.mu.Unlock()

	if !debug {
		return
	}
	d := Diagnostic{Kind: kind, Err: err}
	logger.Warn("diagnostic", "kind", string(kind), "err", err)
	if cb != nil {
		cb(d)
	}
}

func (o Options) builder() tileurl.Builder {
	return tileurl.Builder{
		Scheme:        o.Scheme,
		Domain:        o.Domain,
		Account:       o.Account,
		Table:         o.Table,
		Query:         o.Query,
		Style:         o.Style,
		Interactivity: o.Interactivity,
		Opacity:       o.Opacity,
	}
}

func clampOpacity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
