package core

import (
	"context"
	"time"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/vm"
)

// EPuckName is the class name of e-puck nodes.
const EPuckName = "e-puck"

const (
	epuckCameraLine  = 50
	epuckBattery     = 88
	epuckProximity   = 131
	epuckAmbient     = 313
	epuckGround      = 101
	epuckMotorLimit  = 1000
	epuckSensorsRate = time.Second / 64
)

// Local events of the e-puck, in table order.
const (
	EPuckEventIRSensors = iota
	EPuckEventCamera
	EPuckEventSelector
	EPuckEventTimer
)

var epuckVariables = []model.VariableDescription{
	{Name: "id", Size: 1},
	{Name: "source", Size: 1},
	{Name: "args", Size: vm.MaxEventArgs},
	{Name: ProductIDVariable, Size: 1},
	{Name: "speed.left", Size: 1},
	{Name: "speed.right", Size: 1},
	{Name: "leds", Size: 10},
	{Name: "prox", Size: 8},
	{Name: "ambiant", Size: 8},
	{Name: "acc", Size: 3},
	{Name: "cam.line", Size: 1},
	{Name: "cam.red", Size: 60},
	{Name: "cam.green", Size: 60},
	{Name: "cam.blue", Size: 60},
	{Name: "steps.left", Size: 1},
	{Name: "steps.right", Size: 1},
	{Name: "mic", Size: 3},
	{Name: "sel", Size: 1},
	{Name: "rc5", Size: 1},
	{Name: "timer.period", Size: 1},
	{Name: "battery", Size: 1},
	{Name: "gyro", Size: 3},
}

var epuckEvents = []model.EventDescription{
	{Name: "ir_sensors", Description: "IR sensors updated"},
	{Name: "camera", Description: "camera updated"},
	{Name: "sel", Description: "Selector status changed"},
	{Name: "timer", Description: "Timer"},
}

var epuckNatives = []robotNative{
	{
		name:    "ground.get_values",
		doc:     "read the values of the ground sensors",
		args:    []model.FunctionArgument{{Name: "dest", Size: 3}},
		outputs: map[int]int16{0: epuckGround},
	},
	{
		name: "cam.set_awb_ae",
		doc:  "enable (1)/disable (0) the automatic white balance and exposure",
		args: []model.FunctionArgument{{Name: "awb", Size: 1}, {Name: "ae", Size: 1}},
	},
	{name: "cam.set_exposure", doc: "set the camera exposure", args: one("exposure")},
	{
		name: "cam.set_rgb_gain",
		doc:  "set the camera r/g/b gain",
		args: []model.FunctionArgument{{Name: "red_gain", Size: 1}, {Name: "green_gain", Size: 1}, {Name: "blue_gain", Size: 1}},
	},
}

// EPuckSet is the e-puck surface. Camera and ground natives only log, like
// the Thymio natives.
type EPuckSet struct {
	Log *NativeLog
}

func NewEPuckSet() *EPuckSet { return &EPuckSet{Log: &NativeLog{}} }

func (s *EPuckSet) Name() string                           { return EPuckName }
func (s *EPuckSet) ProductID() int16                       { return ProductEPuck }
func (s *EPuckSet) Variables() []model.VariableDescription { return epuckVariables }
func (s *EPuckSet) Events() []model.EventDescription       { return epuckEvents }
func (s *EPuckSet) Functions() []model.FunctionDescription { return functionsOf(s.Natives()) }
func (s *EPuckSet) Natives() []vm.Native                   { return robotNatives(s.Log, epuckNatives) }
func (s *EPuckSet) Behavior() Behavior                     { return &epuckBehavior{} }

// epuckBehavior runs the user timer (timer.period in milliseconds), the
// 64 Hz sensor timer and the per-step camera event. The sel variable stands
// in for the selector knob: a change raises the sel event.
type epuckBehavior struct {
	timer      *SoftTimer
	sensors    *SoftTimer
	period     int16
	cameraLine int16
	selector   int16
	first      bool
}

func (b *epuckBehavior) init(n *Node) {
	if b.timer != nil {
		return
	}
	b.timer = NewSoftTimer(func() { _ = n.EmitIndex(EPuckEventTimer) }, 0)
	b.sensors = NewSoftTimer(func() { b.updateSensors(n) }, epuckSensorsRate)
}

func (b *epuckBehavior) Reset(n *Node) {
	b.init(n)
	setWord(n, "cam.line", epuckCameraLine)
	setWord(n, "timer.period", 0)
	b.cameraLine = epuckCameraLine
	b.period = 0
	b.first = true
	b.timer.SetPeriod(0)
	b.sensors.SetPeriod(epuckSensorsRate)
}

func (b *epuckBehavior) BeforeRun(n *Node, dt time.Duration) {
	b.init(n)
	setWord(n, "battery", epuckBattery)

	if line := word(n, "cam.line"); line != b.cameraLine {
		b.cameraLine = line
		n.Logger().Debug(context.Background(), "camera line changed", logging.Int("line", int(line)))
	}
	_ = n.EmitIndex(EPuckEventCamera)

	sel := word(n, "sel")
	if !b.first && sel != b.selector {
		_ = n.EmitIndex(EPuckEventSelector)
	}
	b.selector = sel

	b.timer.Step(dt)
	b.sensors.Step(dt)
}

func (b *epuckBehavior) AfterRun(n *Node) {
	if p := word(n, "timer.period"); p != b.period {
		b.period = p
		b.timer.SetPeriod(time.Duration(p) * time.Millisecond)
	}
	for _, name := range []string{"speed.left", "speed.right"} {
		setWord(n, name, min(max(word(n, name), -epuckMotorLimit), epuckMotorLimit))
	}
	b.first = false
}

func (b *epuckBehavior) updateSensors(n *Node) {
	fillWords(n, "prox", epuckProximity)
	fillWords(n, "ambiant", epuckAmbient)
	_ = n.EmitIndex(EPuckEventIRSensors)
}

func word(n *Node, name string) int16 {
	if r, ok := n.Table().Variable(name); ok {
		return n.Variables()[r.Offset]
	}
	return 0
}

func setWord(n *Node, name string, v int16) {
	if r, ok := n.Table().Variable(name); ok {
		n.Variables()[r.Offset] = v
	}
}

func fillWords(n *Node, name string, v int16) {
	if r, ok := n.Table().Variable(name); ok {
		region := n.Variables()[r.Offset : r.Offset+r.Size]
		for i := range region {
			region[i] = v
		}
	}
}
