// Package layerfile loads layer definitions from YAML.
//
//	layers:
//	  - user_name: acct
//	    table_name: rivers
//	    query: "SELECT * FROM {{table_name}} WHERE flow > 10"
//	    interactivity: name,flow
//	    auto_bound: true
package layerfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/cartodb-layer/pkg/layer"
	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

type Spec struct {
	Name          string  `yaml:"name,omitempty"`
	UserName      string  `yaml:"user_name"`
	TableName     string  `yaml:"table_name"`
	Query         string  `yaml:"query,omitempty"`
	TileStyle     string  `yaml:"tile_style,omitempty"`
	Interactivity string  `yaml:"interactivity,omitempty"`
	Opacity       float64 `yaml:"opacity,omitempty"`
	AutoBound     bool    `yaml:"auto_bound,omitempty"`
	Debug         bool    `yaml:"debug,omitempty"`
}

type File struct {
	Layers []Spec `yaml:"layers"`
}

func Load(path string) (File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read layer file: %w", err)
	}
	f, err := Parse(b)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a layer file; unknown keys are rejected.
func Parse(b []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("decode layer file: %w", err)
	}
	if len(f.Layers) == 0 {
		return File{}, errors.New("layer file defines no layers")
	}
	for i, s := range f.Layers {
		if err := s.builder().Validate(); err != nil {
			return File{}, fmt.Errorf("layer %d: %w", i, err)
		}
		if s.Opacity < 0 || s.Opacity > 1 {
			return File{}, fmt.Errorf("layer %d: opacity %v outside [0,1]", i, s.Opacity)
		}
	}
	return f, nil
}

// Lookup returns the layer named name, or the first layer when name is empty.
func (f File) Lookup(name string) (Spec, bool) {
	if name == "" && len(f.Layers) > 0 {
		return f.Layers[0], true
	}
	for _, s := range f.Layers {
		if s.Name == name || s.TableName == name {
			return s, true
		}
	}
	return Spec{}, false
}

func (s Spec) builder() tileurl.Builder {
	return tileurl.Builder{Account: s.UserName, Table: s.TableName}
}

// Options maps the file fields onto adapter options; callbacks and
// collaborators are left for the caller.
func (s Spec) Options() layer.Options {
	return layer.Options{
		Account:       s.UserName,
		Table:         s.TableName,
		Query:         s.Query,
		Style:         s.TileStyle,
		Interactivity: s.Interactivity,
		Opacity:       s.Opacity,
		AutoBound:     s.AutoBound,
		Debug:         s.Debug,
	}
}

func Marshal(f File) ([]byte, error) {
	b, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode layer file: %w", err)
	}
	return b, nil
}
