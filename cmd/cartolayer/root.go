package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/cartodb-layer/internal/core/layerfile"
	"github.com/mohammed-shakir/cartodb-layer/internal/logger"
	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

// layerFlags are shared by every subcommand that needs a layer; set flags
// override values loaded from --file.
type layerFlags struct {
	file          string
	name          string
	account       string
	table         string
	sql           string
	style         string
	interactivity string
	opacity       float64
	autoBound     bool
	debug         bool
	scheme        string
	domain        string
	logLevel      string
}

func (f *layerFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.file, "file", "f", "", "YAML layer file")
	pf.StringVar(&f.name, "layer", "", "layer name (or table) to pick from --file")
	pf.StringVarP(&f.account, "account", "a", os.Getenv("CARTO_ACCOUNT"), "CartoDB account (user_name)")
	pf.StringVarP(&f.table, "table", "t", "", "table name")
	pf.StringVar(&f.sql, "sql", "", "SQL query; {{table_name}} is replaced with the table")
	pf.StringVar(&f.style, "style", "", "CartoCSS style")
	pf.StringVar(&f.interactivity, "interactivity", "", "comma separated UTF-grid columns")
	pf.Float64Var(&f.opacity, "opacity", 0, "layer opacity in [0,1]")
	pf.BoolVar(&f.autoBound, "auto-bound", false, "fit the map to the table extent")
	pf.BoolVar(&f.debug, "debug", false, "surface diagnostics")
	pf.StringVar(&f.scheme, "scheme", tileurl.DefaultScheme, "URL scheme")
	pf.StringVar(&f.domain, "domain", tileurl.DefaultDomain, "CartoDB domain")
	pf.StringVar(&f.logLevel, "log-level", "warn", "log level")
}

// spec resolves the layer from --file and the flags set on cmd.
func (f *layerFlags) spec(cmd *cobra.Command) (layerfile.Spec, error) {
	var s layerfile.Spec
	if f.file != "" {
		lf, err := layerfile.Load(f.file)
		if err != nil {
			return s, err
		}
		var ok bool
		if s, ok = lf.Lookup(f.name); !ok {
			return s, fmt.Errorf("layer %q not found in %s", f.name, f.file)
		}
	}
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("account") || s.UserName == "" {
		s.UserName = f.account
	}
	if changed("table") || s.TableName == "" {
		s.TableName = f.table
	}
	if changed("sql") {
		s.Query = f.sql
	}
	if changed("style") {
		s.TileStyle = f.style
	}
	if changed("interactivity") {
		s.Interactivity = f.interactivity
	}
	if changed("opacity") {
		s.Opacity = f.opacity
	}
	if changed("auto-bound") {
		s.AutoBound = f.autoBound
	}
	if changed("debug") {
		s.Debug = f.debug
	}
	return s, nil
}

// zeroOpacity reports an explicit --opacity 0, which must not fall back to
// the default opacity.
func (f *layerFlags) zeroOpacity(cmd *cobra.Command, s layerfile.Spec) bool {
	return s.Opacity == 0 && cmd.Flags().Changed("opacity")
}

func (f *layerFlags) builder(s layerfile.Spec) tileurl.Builder {
	return tileurl.Builder{
		Scheme:        f.scheme,
		Domain:        f.domain,
		Account:       s.UserName,
		Table:         s.TableName,
		Query:         s.Query,
		Style:         s.TileStyle,
		Interactivity: s.Interactivity,
		Opacity:       s.Opacity,
	}
}

func (f *layerFlags) logger(w io.Writer, component string) *slog.Logger {
	zl := logger.Build(logger.Config{
		Level:     f.logLevel,
		Console:   true,
		Service:   "cartolayer",
		Component: component,
	}, w)
	return logger.NewSlog(&zl)
}

func newRootCmd() *cobra.Command {
	flags := &layerFlags{}
	root := &cobra.Command{
		Use:           "cartolayer",
		Short:         "CartoDB tile layer tooling",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(root)

	root.AddCommand(
		newURLsCmd(flags),
		newTileJSONCmd(flags),
		newBoundsCmd(flags),
		newServeCmd(flags),
		newSimulateCmd(flags),
	)
	return root
}

func newURLsCmd(flags *layerFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "urls",
		Short: "Print the tile (and grid) URL templates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := flags.spec(cmd)
			if err != nil {
				return err
			}
			b := flags.builder(s)
			tile, err := b.TileURL()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "tiles:", tile)
			if s.Interactivity != "" {
				grid, err := b.GridURL()
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "grids:", grid)
			}
			return nil
		},
	}
}

func newTileJSONCmd(flags *layerFlags) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "tilejson",
		Short: "Print the TileJSON document of the layer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := flags.spec(cmd)
			if err != nil {
				return err
			}
			b := flags.builder(s)
			if b.Opacity == 0 && !flags.zeroOpacity(cmd, s) {
				b.Opacity = layer.DefaultOpacity
			}
			tj, err := b.TileJSON()
			if err != nil {
				return err
			}
			var output []byte
			if asYAML {
				output, err = yaml.Marshal(tj)
			} else {
				output, err = json.MarshalIndent(tj, "", "  ")
			}
			if err != nil {
				return fmt.Errorf("encode tilejson: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&asYAML, "yaml", "y", false, "output as YAML instead of JSON")
	return cmd
}
