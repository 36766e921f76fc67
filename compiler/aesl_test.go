package compiler

import (
	"errors"
	"strings"
	"testing"
)

const sampleNetwork = `<!DOCTYPE aesl-source>
<network>
<keywords flag="true"/>
<event size="2" name="ping"/>
<event size="0" name="pong"/>
<constant value="12" name="LIMIT"/>
<node nodeId="0" name="node">var a = LIMIT</node>
<node nodeId="7" name="node">var a = 7</node>
<node nodeId="3" name="thymio-II">var b = 3</node>
<node nodeId="5" name="thymio-II">var b = 5</node>
</network>`

func TestLoadNetwork(t *testing.T) {
	n, err := LoadNetwork(strings.NewReader(sampleNetwork), "sample.aesl")
	if err != nil {
		t.Fatalf("LoadNetwork() error = %v", err)
	}
	if len(n.Definitions.Events) != 2 || n.Definitions.Events[0].Name != "ping" || n.Definitions.Events[0].Value != 2 {
		t.Fatalf("events = %+v", n.Definitions.Events)
	}
	if v, ok := n.Definitions.Constant("LIMIT"); !ok || v != 12 {
		t.Fatalf("constant LIMIT = %d, %v", v, ok)
	}

	tests := []struct {
		name string
		id   int
		want string
	}{
		{"node", 7, "var a = 7"},
		{"node", 9, "var a = LIMIT"},
		{"thymio-II", 5, "var b = 5"},
		{"thymio-II", 8, "var b = 3"},
	}
	for _, tc := range tests {
		got, err := n.CodeFor(tc.name, tc.id)
		if err != nil {
			t.Fatalf("CodeFor(%q, %d) error = %v", tc.name, tc.id, err)
		}
		if got != tc.want {
			t.Fatalf("CodeFor(%q, %d) = %q, want %q", tc.name, tc.id, got, tc.want)
		}
	}

	if _, err := n.CodeFor("e-puck", 1); !errors.Is(err, ErrNoCode) {
		t.Fatalf("CodeFor(missing) error = %v, want ErrNoCode", err)
	}
}

func TestLoadNetworkRejectsLargeEvent(t *testing.T) {
	doc := `<network><event size="40" name="big"/></network>`
	if _, err := LoadNetwork(strings.NewReader(doc), "big.aesl"); err == nil {
		t.Fatalf("LoadNetwork() error = nil, want size error")
	}
}

func TestCompiledNetworkUsesConstants(t *testing.T) {
	n, err := LoadNetwork(strings.NewReader(sampleNetwork), "sample.aesl")
	if err != nil {
		t.Fatalf("LoadNetwork() error = %v", err)
	}
	code, err := n.CodeFor("node", 1)
	if err != nil {
		t.Fatalf("CodeFor() error = %v", err)
	}
	target := testTarget()
	res := mustCompile(t, target, &n.Definitions, code)
	v, _ := runInit(t, target, res)
	if got := variable(t, v, res, "a")[0]; got != 12 {
		t.Fatalf("a = %d, want 12", got)
	}
}
