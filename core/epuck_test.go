package core

import (
	"testing"
	"time"
)

func TestEPuckTimersRaiseEvents(t *testing.T) {
	h := newLocalHost()
	n := newTestNode(t, h, 1, NewEPuckSet(), nil)
	for _, name := range []string{"cams", "irs", "ticks"} {
		if err := n.AddVariable(name, 1); err != nil {
			t.Fatalf("AddVariable(%s) error = %v", name, err)
		}
	}
	mustLoad(t, n, `timer.period = 30
onevent camera
cams++
onevent ir_sensors
irs++
onevent timer
ticks++`)
	n.Activate()

	for i := 0; i < 10; i++ {
		n.Step(10 * time.Millisecond)
	}

	want := map[string]int16{"cams": 10, "irs": 6, "ticks": 3, "battery": epuckBattery}
	for name, w := range want {
		got, err := n.GetVariable(name)
		if err != nil || got[0] != w {
			t.Fatalf("%s = %v, %v; want %d", name, got, err, w)
		}
	}
	prox, _ := n.GetVariable("prox")
	ambient, _ := n.GetVariable("ambiant")
	for i := range prox {
		if prox[i] != epuckProximity || ambient[i] != epuckAmbient {
			t.Fatalf("prox = %v, ambiant = %v", prox, ambient)
		}
	}
	if len(h.faults) != 0 {
		t.Fatalf("faults: %v", h.faults)
	}
}

func TestEPuckSelectorChangeRaisesEvent(t *testing.T) {
	n := newTestNode(t, newLocalHost(), 2, NewEPuckSet(), nil)
	if err := n.AddVariable("sels", 1); err != nil {
		t.Fatalf("AddVariable() error = %v", err)
	}
	mustLoad(t, n, "onevent sel\nsels++")
	n.Activate()

	if err := n.SetVariable("sel", []int16{3}); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}
	n.Step(10 * time.Millisecond) // first step only records the selector
	if got, _ := n.GetVariable("sels"); got[0] != 0 {
		t.Fatalf("sels = %d after first step, want 0", got[0])
	}

	if err := n.SetVariable("sel", []int16{5}); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}
	n.Step(10 * time.Millisecond)
	n.Step(10 * time.Millisecond)
	if got, _ := n.GetVariable("sels"); got[0] != 1 {
		t.Fatalf("sels = %d, want 1", got[0])
	}
}

func TestEPuckMotorTargetsAreClamped(t *testing.T) {
	n := newTestNode(t, newLocalHost(), 3, NewEPuckSet(), nil)
	n.Activate()
	if err := n.SetVariable("speed.left", []int16{3000}); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}
	if err := n.SetVariable("speed.right", []int16{-5000}); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}
	n.Step(10 * time.Millisecond)

	left, _ := n.GetVariable("speed.left")
	right, _ := n.GetVariable("speed.right")
	if left[0] != 1000 || right[0] != -1000 {
		t.Fatalf("speeds = %d, %d; want 1000, -1000", left[0], right[0])
	}
}

func TestEPuckNativesAreLogged(t *testing.T) {
	set := NewEPuckSet()
	set.Log.SetEnabled(true)
	n := newTestNode(t, newLocalHost(), 4, set, nil)
	if err := n.AddVariable("ground", 3); err != nil {
		t.Fatalf("AddVariable() error = %v", err)
	}

	mustLoad(t, n, "call ground.get_values(ground)\ncall cam.set_exposure(7)")

	if got, _ := n.GetVariable("ground"); got[0] != epuckGround || got[1] != epuckGround || got[2] != epuckGround {
		t.Fatalf("ground = %v, want all %d", got, epuckGround)
	}
	calls := set.Log.Drain()
	if len(calls) != 2 {
		t.Fatalf("logged %d calls, want 2: %+v", len(calls), calls)
	}
	if calls[0].Name != "ground.get_values" || len(calls[0].Args) != 0 {
		t.Fatalf("ground.get_values call = %+v", calls[0])
	}
	if calls[1].Name != "cam.set_exposure" || calls[1].ID != 2 || len(calls[1].Args) != 1 || calls[1].Args[0] != 7 {
		t.Fatalf("cam.set_exposure call = %+v", calls[1])
	}
}

func TestEPuckSetLayout(t *testing.T) {
	if _, ok := SetByName(EPuckName).(*EPuckSet); !ok {
		t.Fatalf("SetByName(%q) is not an EPuckSet", EPuckName)
	}
	n := newTestNode(t, newLocalHost(), 5, NewEPuckSet(), nil)
	if got := n.Table().FunctionCount(); got != 13+4 {
		t.Fatalf("e-puck functions = %d, want 17", got)
	}
	if got := n.Table().EventCount(); got != 4 {
		t.Fatalf("e-puck events = %d, want 4", got)
	}
	if got := n.Table().Cursor(); got != 259 {
		t.Fatalf("e-puck variables use %d words, want 259", got)
	}

	want := map[string]int16{"id": 5, ProductIDVariable: ProductEPuck, "cam.line": epuckCameraLine}
	for name, w := range want {
		got, err := n.GetVariable(name)
		if err != nil || got[0] != w {
			t.Fatalf("%s = %v, %v; want %d", name, got, err, w)
		}
	}

	if err := n.SetVariable("cam.line", []int16{12}); err != nil {
		t.Fatalf("SetVariable() error = %v", err)
	}
	n.Reset()
	if got, _ := n.GetVariable("cam.line"); got[0] != epuckCameraLine {
		t.Fatalf("cam.line = %d after reset, want %d", got[0], epuckCameraLine)
	}
}
