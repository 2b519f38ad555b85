package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/observability"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer/headless"
)

const simulateHelp = `Attach the layer to an in-memory map, replay the given steps and print
what the map saw. Steps:

  attach | detach | hide | show | state
  opacity:<0..1>  query:<sql>  style:<css>  interactivity:<cols>
  interaction:on|off  order:<n>
  hover[:<json>]  click:<x>,<y>  out`

func newSimulateCmd(flags *layerFlags) *cobra.Command {
	bf := &boundsFlags{}
	var zoom int
	cmd := &cobra.Command{
		Use:   "simulate [step...]",
		Short: "Drive the layer against a headless map",
		Long:  simulateHelp,
		RunE: func(cmd *cobra.Command, steps []string) error {
			s, err := flags.spec(cmd)
			if err != nil {
				return err
			}
			opts := s.Options()
			opts.Scheme, opts.Domain = flags.scheme, flags.domain
			opts.Logger = flags.logger(cmd.ErrOrStderr(), "simulate")
			if opts.AutoBound {
				opts.Bounds = bf.fetcher(flags, cmd)
			}
			sim, err := newSimulation(cmd.Context(), cmd.OutOrStdout(), opts, zoom)
			if err != nil {
				return err
			}
			if flags.zeroOpacity(cmd, s) {
				sim.a.SetOpacity(0)
			}
			return sim.run(steps)
		},
	}
	bf.register(cmd)
	cmd.Flags().IntVar(&zoom, "zoom", 2, "zoom level of the headless map")
	return cmd
}

type simulation struct {
	out io.Writer
	m   *headless.Map
	lib *headless.Library
	a   *layer.Adapter
}

func newSimulation(ctx context.Context, out io.Writer, opts layer.Options, zoom int) (*simulation, error) {
	sim := &simulation{out: out, m: headless.NewMap(zoom), lib: &headless.Library{}}
	opts.Handlers = layer.Handlers{
		Over: func(data layer.Feature) {
			fmt.Fprintf(out, "over %s\n", compact(data))
		},
		Click: func(ll orb.Point, data layer.Feature) {
			fmt.Fprintf(out, "click %.4f,%.4f %s\n", ll.Lat(), ll.Lon(), compact(data))
		},
		Out: func() { fmt.Fprintln(out, "out") },
	}
	opts.OnDiagnostic = func(d layer.Diagnostic) {
		fmt.Fprintf(out, "diagnostic %s\n", d.Error())
	}
	opts.Observer = observability.LayerObserver{}

	a, err := layer.New(ctx, sim.m, sim.lib, opts)
	if err != nil {
		return nil, err
	}
	sim.a = a
	if err := a.Attach(); err != nil {
		return nil, err
	}
	return sim, nil
}

func (s *simulation) run(steps []string) error {
	for _, step := range steps {
		if err := s.step(step); err != nil {
			return fmt.Errorf("step %q: %w", step, err)
		}
	}
	<-s.a.BoundsDone()
	s.printState()
	return nil
}

func (s *simulation) step(step string) error {
	op, arg, _ := strings.Cut(step, ":")
	switch op {
	case "attach":
		return s.a.Attach()
	case "detach":
		s.a.Detach()
	case "hide":
		s.a.Hide()
	case "show":
		s.a.Show()
	case "state":
		s.printState()
	case "opacity":
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return err
		}
		s.a.SetOpacity(v)
	case "query":
		return s.a.SetQuery(arg)
	case "style":
		return s.a.SetStyle(arg)
	case "interactivity":
		return s.a.SetInteractivity(arg)
	case "interaction":
		s.a.SetInteraction(arg != "off")
	case "order":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return err
		}
		s.a.SetLayerOrder(n)
	case "hover":
		data := layer.Feature{"cartodb_id": 1}
		if arg != "" {
			if err := json.Unmarshal([]byte(arg), &data); err != nil {
				return fmt.Errorf("hover data: %w", err)
			}
		}
		s.emit(step, layer.InteractionOn, layer.Payload{Event: layer.RawEvent{Type: "mousemove"}, Data: data})
	case "click":
		xs, ys, ok := strings.Cut(arg, ",")
		x, errX := strconv.ParseFloat(xs, 64)
		y, errY := strconv.ParseFloat(ys, 64)
		if !ok || errX != nil || errY != nil {
			return fmt.Errorf("want click:<x>,<y>")
		}
		s.emit(step, layer.InteractionOn, layer.Payload{
			Event: layer.RawEvent{Type: "mouseup", ClientX: x, ClientY: y},
			Data:  layer.Feature{"cartodb_id": 1},
		})
	case "out":
		s.emit(step, layer.InteractionOff, layer.Payload{})
	default:
		return fmt.Errorf("unknown step")
	}
	return nil
}

func (s *simulation) emit(step string, kind layer.InteractionKind, p layer.Payload) {
	in := s.lib.LastInteraction()
	if in == nil || !in.Emit(kind, p) {
		fmt.Fprintf(s.out, "ignored %s\n", step)
	}
}

func (s *simulation) printState() {
	layers := s.m.Layers()
	fmt.Fprintf(s.out, "layers=%d", len(layers))
	if n := len(layers); n > 0 {
		if t, ok := layers[n-1].(*headless.Tile); ok {
			fmt.Fprintf(s.out, " opacity=%.2f url=%s", t.Opacity(), t.URL)
		}
	}
	for _, b := range s.m.Fitted() {
		fmt.Fprintf(s.out, " fitted=[%g,%g,%g,%g]", b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat())
	}
	fmt.Fprintln(s.out)
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
