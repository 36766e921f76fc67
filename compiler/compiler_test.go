package compiler

import (
	"errors"
	"strings"
	"testing"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/protocol"
	"github.com/signalsfoundry/aseba-hub/vm"
)

type testHost struct {
	natives []vm.Native
	sent    []protocol.Message
	faults  []*vm.Fault
}

func (h *testHost) SendMessage(_ *vm.VM, m protocol.Message)     { h.sent = append(h.sent, m) }
func (h *testHost) ReceiveMessage(*vm.VM) (protocol.Frame, bool) { return protocol.Frame{}, false }
func (h *testHost) Description(*vm.VM) *model.TargetDescription  { return nil }
func (h *testHost) Reset(*vm.VM)                                 {}
func (h *testHost) Fault(_ *vm.VM, f *vm.Fault)                  { h.faults = append(h.faults, f) }
func (h *testHost) Notify(*vm.VM, protocol.Message)              {}
func (h *testHost) NativeFunction(v *vm.VM, id uint16)           { h.natives[id].Fn(v) }

func testTarget(extra ...model.VariableDescription) *model.TargetDescription {
	d := &model.TargetDescription{
		Name:            "node",
		ProtocolVersion: protocol.Version,
		BytecodeSize:    1534,
		StackSize:       32,
		VariablesSize:   1024,
		Variables: append([]model.VariableDescription{
			{Name: "id", Size: 1},
			{Name: "source", Size: 1},
			{Name: "args", Size: 32},
			{Name: "_productId", Size: 1},
		}, extra...),
		Events: []model.EventDescription{{Name: "tick", Description: "periodic"}},
	}
	for _, n := range vm.StdNatives() {
		d.Functions = append(d.Functions, n.Description)
	}
	return d
}

func mustCompile(t *testing.T, target *model.TargetDescription, defs *model.CommonDefinitions, src string) *Result {
	t.Helper()
	res, err := Compile(target, defs, src)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return res
}

// runInit loads the compiled program into a fresh VM and runs the init event.
func runInit(t *testing.T, target *model.TargetDescription, res *Result) (*vm.VM, *testHost) {
	t.Helper()
	host := &testHost{natives: vm.StdNatives()}
	v := vm.New(1, host, make([]int16, target.VariablesSize), int(target.BytecodeSize), int(target.StackSize))
	v.DebugMessage(protocol.SetBytecodeCommand(1, 0, res.Bytecode))
	v.DebugMessage(protocol.Command(protocol.TypeRun, 1))
	v.Run(vm.DefaultRunLimit)
	if len(host.faults) != 0 {
		t.Fatalf("vm faults: %v", host.faults)
	}
	return v, host
}

func variable(t *testing.T, v *vm.VM, res *Result, name string) []int16 {
	t.Helper()
	info, ok := res.Variables[name]
	if !ok {
		t.Fatalf("variable %q not in result", name)
	}
	return v.Variables[info.Address : info.Address+info.Size]
}

func TestCompileAssignsTargetVariable(t *testing.T) {
	target := testTarget(model.VariableDescription{Name: "speed.left", Size: 1})
	res := mustCompile(t, target, nil, "speed.left = 500")
	v, _ := runInit(t, target, res)
	if got := variable(t, v, res, "speed.left"); got[0] != 500 {
		t.Fatalf("speed.left = %d, want 500", got[0])
	}
}

func TestCompileExpressions(t *testing.T) {
	target := testTarget()
	src := `
var a = 2 + 3 * 4
var b = (2 + 3) * 4
var c = -7 / 2
var d = 1 << 4 | 3
var e = abs(0 - 9)
var f = 5 > 3 and not (2 == 2)
var g = 3000 + 1000
var h
h = a
h += 6
h--
`
	res := mustCompile(t, target, nil, src)
	v, _ := runInit(t, target, res)
	want := map[string]int16{"a": 14, "b": 20, "c": -3, "d": 19, "e": 9, "f": 0, "g": 4000, "h": 19}
	for name, w := range want {
		if got := variable(t, v, res, name)[0]; got != w {
			t.Fatalf("%s = %d, want %d", name, got, w)
		}
	}
}

func TestCompileControlFlow(t *testing.T) {
	target := testTarget()
	src := `
var i
var sum = 0
var evens = 0
var kind
var n = 0
for i in 1:10 do
	sum += i
	if i % 2 == 0 then
		evens++
	end
end
if sum > 100 then
	kind = 1
elseif sum == 55 then
	kind = 2
else
	kind = 3
end
while n < 7 do
	n = n + 2
end
`
	res := mustCompile(t, target, nil, src)
	v, _ := runInit(t, target, res)
	for name, w := range map[string]int16{"sum": 55, "evens": 5, "kind": 2, "n": 8} {
		if got := variable(t, v, res, name)[0]; got != w {
			t.Fatalf("%s = %d, want %d", name, got, w)
		}
	}
}

func TestCompileArrays(t *testing.T) {
	target := testTarget()
	src := `
var a[3] = [1, 2, 3]
var b[] = [4, 5, 6]
var i = 2
var x
a[i] = 30
x = a[i] + b[0]
b = a
`
	res := mustCompile(t, target, nil, src)
	v, _ := runInit(t, target, res)
	if got := variable(t, v, res, "x")[0]; got != 34 {
		t.Fatalf("x = %d, want 34", got)
	}
	b := variable(t, v, res, "b")
	if b[0] != 1 || b[1] != 2 || b[2] != 30 {
		t.Fatalf("b = %v, want [1 2 30]", b)
	}
}

func TestCompileSubroutineAndNative(t *testing.T) {
	target := testTarget()
	src := `
var counter = 0
var buf[4]
callsub bump
callsub bump
call math.fill(buf, counter)

sub bump
counter++
`
	res := mustCompile(t, target, nil, src)
	v, _ := runInit(t, target, res)
	if got := variable(t, v, res, "counter")[0]; got != 2 {
		t.Fatalf("counter = %d, want 2", got)
	}
	for i, x := range variable(t, v, res, "buf") {
		if x != 2 {
			t.Fatalf("buf[%d] = %d, want 2", i, x)
		}
	}
}

func TestCompileEventsAndEmit(t *testing.T) {
	target := testTarget()
	defs := &model.CommonDefinitions{
		Events:    []model.NamedValue{{Name: "ping", Value: 2}},
		Constants: []model.NamedValue{{Name: "LIMIT", Value: 12}},
	}
	src := `
var seen = 0

onevent tick
seen = LIMIT
emit ping [seen, 3]
`
	res := mustCompile(t, target, defs, src)
	v, host := runInit(t, target, res)
	if addr := v.SetupEvent(vm.LocalEventID(0)); addr == 0 {
		t.Fatalf("no handler for local event tick")
	}
	v.Run(vm.DefaultRunLimit)
	if got := variable(t, v, res, "seen")[0]; got != 12 {
		t.Fatalf("seen = %d, want 12", got)
	}
	var pings []protocol.Message
	for _, m := range host.sent {
		if m.Type == 0 {
			pings = append(pings, m)
		}
	}
	if len(pings) != 1 {
		t.Fatalf("emitted ping events = %d, want 1", len(pings))
	}
	if w := pings[0].Words(); len(w) != 2 || w[0] != 12 || w[1] != 3 {
		t.Fatalf("ping args = %v, want [12 3]", w)
	}
}

func TestCompileErrors(t *testing.T) {
	target := testTarget()
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "unknown variable", src: "\n  speed = 1", want: "line 2, column 3"},
		{name: "duplicate", src: "var id", want: "already defined"},
		{name: "constant index", src: "var a[2]\na[5] = 1", want: "out of bounds"},
		{name: "unknown event", src: "onevent nothing", want: "unknown event"},
		{name: "unknown function", src: "call math.nope()", want: "unknown function"},
		{name: "template mismatch", src: "var a[2]\nvar b[3]\ncall math.copy(a, b)", want: "must have size"},
		{name: "unterminated if", src: "if 1 then", want: "missing"},
		{name: "array as scalar", src: "var a[2]\nvar b = a", want: "used as a scalar"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(target, nil, tc.src)
			var cerr *Error
			if !errors.As(err, &cerr) {
				t.Fatalf("Compile(%q) error = %v, want *Error", tc.src, err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Compile(%q) error = %q, want it to contain %q", tc.src, err, tc.want)
			}
		})
	}
}

func TestCompileRejectsOversizedProgram(t *testing.T) {
	target := testTarget()
	target.BytecodeSize = 8
	_, err := Compile(target, nil, "var a = 1\na = 2\na = 3\na = 4\na = 5")
	if err == nil {
		t.Fatalf("Compile() error = nil, want bytecode overflow")
	}
}
