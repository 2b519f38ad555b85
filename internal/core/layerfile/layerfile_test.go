package layerfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammed-shakir/cartodb-layer/pkg/tileurl"
)

const sample = `
layers:
  - name: rivers
    user_name: acct
    table_name: rivers
    query: "SELECT * FROM {{table_name}} WHERE flow > 10"
    tile_style: "#{{table_name}}{line-color:#00f}"
    interactivity: name, flow
    opacity: 0.5
    auto_bound: true
  - user_name: acct
    table_name: lakes
    debug: true
`

func TestParse_MapsFields(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Layers) != 2 {
		t.Fatalf("layers=%d", len(f.Layers))
	}
	o := f.Layers[0].Options()
	if o.Account != "acct" || o.Table != "rivers" || o.Opacity != 0.5 || !o.AutoBound || o.Debug {
		t.Fatalf("unexpected options %+v", o)
	}
	if o.Interactivity != "name, flow" || !strings.Contains(o.Style, "{{table_name}}") {
		t.Fatalf("unexpected options %+v", o)
	}
	if !f.Layers[1].Options().Debug {
		t.Fatalf("second layer must carry debug")
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"no table":      "layers:\n  - user_name: acct\n",
		"no account":    "layers:\n  - table_name: t\n",
		"unknown field": "layers:\n  - user_name: a\n    table_name: t\n    colour: red\n",
		"opacity":       "layers:\n  - user_name: a\n    table_name: t\n    opacity: 1.5\n",
	}
	for name, in := range cases {
		if _, err := Parse([]byte(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	_, err := Parse([]byte("layers:\n  - user_name: acct\n"))
	if !errors.Is(err, tileurl.ErrMissingTable) {
		t.Fatalf("err=%v want ErrMissingTable", err)
	}
}

func TestLookup(t *testing.T) {
	f, _ := Parse([]byte(sample))
	if s, ok := f.Lookup(""); !ok || s.TableName != "rivers" {
		t.Fatalf("default lookup=%+v", s)
	}
	if s, ok := f.Lookup("lakes"); !ok || s.TableName != "lakes" {
		t.Fatalf("lookup by table=%+v", s)
	}
	if _, ok := f.Lookup("nope"); ok {
		t.Fatalf("unexpected hit")
	}
}

func TestLoad_RoundTripsThroughMarshal(t *testing.T) {
	f, _ := Parse([]byte(sample))
	b, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	p := filepath.Join(t.TempDir(), "layers.yaml")
	if err := os.WriteFile(p, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Layers[0] != f.Layers[0] {
		t.Fatalf("got %+v want %+v", got.Layers[0], f.Layers[0])
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
