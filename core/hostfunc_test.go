package core

import (
	"testing"

	"github.com/signalsfoundry/aseba-hub/model"
)

func TestHostFunctionReceivesAndWritesArguments(t *testing.T) {
	callbacks := NewCallbacks()
	var seen [][]int16
	callbacks.Register("double", func(n *Node, args [][]int16) [][]int16 {
		seen = args
		out := make([]int16, len(args[0]))
		for i, v := range args[0] {
			out[i] = 2 * v
		}
		return [][]int16{args[0], out}
	})

	n := newTestNode(t, newLocalHost(), 1, nil, callbacks)
	for _, name := range []string{"src", "dst"} {
		if err := n.AddVariable(name, 3); err != nil {
			t.Fatalf("AddVariable() error = %v", err)
		}
	}
	args := []model.FunctionArgument{{Name: "src", Size: -1}, {Name: "dst", Size: -1}}
	if err := n.AddFunction("host.double", "doubles src into dst", args, "double"); err != nil {
		t.Fatalf("AddFunction() error = %v", err)
	}
	if err := n.SetVariable("src", []int16{1, 2, 3}); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}

	mustLoad(t, n, "call host.double(src, dst)")

	if len(seen) != 2 || len(seen[0]) != 3 || seen[0][2] != 3 {
		t.Fatalf("callback saw %v", seen)
	}
	got, _ := n.GetVariable("dst")
	if got[0] != 2 || got[1] != 4 || got[2] != 6 {
		t.Fatalf("dst = %v, want [2 4 6]", got)
	}
}

func TestUnregisteredHostFunctionIsSkipped(t *testing.T) {
	h := newLocalHost()
	n := newTestNode(t, h, 1, nil, NewCallbacks())
	if err := n.AddVariable("after", 1); err != nil {
		t.Fatalf("AddVariable() error = %v", err)
	}
	if err := n.AddFunction("host.nothing", "", []model.FunctionArgument{{Name: "v", Size: 1}}, "nothing"); err != nil {
		t.Fatalf("AddFunction() error = %v", err)
	}

	mustLoad(t, n, "call host.nothing(4)\nafter = 1")

	if got, _ := n.GetVariable("after"); got[0] != 1 {
		t.Fatalf("script stopped at missing callback: after = %d", got[0])
	}
	if len(h.faults) != 0 {
		t.Fatalf("faults: %v", h.faults)
	}
}

func TestCallbacksUnregister(t *testing.T) {
	c := NewCallbacks()
	c.Register("f", func(*Node, [][]int16) [][]int16 { return nil })
	if _, ok := c.Lookup("f"); !ok {
		t.Fatalf("registered callback not found")
	}
	c.Unregister("f")
	if _, ok := c.Lookup("f"); ok {
		t.Fatalf("callback still found after Unregister")
	}
	var nilCallbacks *Callbacks
	if _, ok := nilCallbacks.Lookup("f"); ok {
		t.Fatalf("nil callbacks returned a function")
	}
}
