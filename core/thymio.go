package core

import (
	"sync"
	"time"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/vm"
)

// ThymioName is the class name of Thymio-II nodes.
const ThymioName = "thymio-II"

const (
	thymioFirmwareVersion = 11
	thymioTemperature     = 220
)

// Local events of the Thymio-II, in table order.
const (
	ThymioEventButtonBackward = iota
	ThymioEventButtonLeft
	ThymioEventButtonCenter
	ThymioEventButtonForward
	ThymioEventButtonRight
	ThymioEventButtons
	ThymioEventProx
	ThymioEventProxComm
	ThymioEventTap
	ThymioEventAcc
	ThymioEventMic
	ThymioEventSoundFinished
	ThymioEventTemperature
	ThymioEventRC5
	ThymioEventMotor
	ThymioEventTimer0
	ThymioEventTimer1
)

var thymioVariables = []model.VariableDescription{
	{Name: "_id", Size: 1},
	{Name: "event.source", Size: 1},
	{Name: "event.args", Size: vm.MaxEventArgs},
	{Name: ProductIDVariable, Size: 1},
	{Name: "_fwversion", Size: 2},

	{Name: "button.backward", Size: 1},
	{Name: "button.left", Size: 1},
	{Name: "button.center", Size: 1},
	{Name: "button.forward", Size: 1},
	{Name: "button.right", Size: 1},

	{Name: "prox.horizontal", Size: 7},

	{Name: "prox.comm.rx._payloads", Size: 7},
	{Name: "prox.comm.rx._intensities", Size: 7},
	{Name: "prox.comm.rx", Size: 1},
	{Name: "prox.comm.tx", Size: 1},

	{Name: "prox.ground.ambiant", Size: 2},
	{Name: "prox.ground.reflected", Size: 2},
	{Name: "prox.ground.delta", Size: 2},

	{Name: "motor.left.target", Size: 1},
	{Name: "motor.right.target", Size: 1},
	{Name: "motor.left.speed", Size: 1},
	{Name: "motor.right.speed", Size: 1},
	{Name: "motor.left.pwm", Size: 1},
	{Name: "motor.right.pwm", Size: 1},

	{Name: "acc", Size: 3},

	{Name: "temperature", Size: 1},

	{Name: "rc5.address", Size: 1},
	{Name: "rc5.command", Size: 1},

	{Name: "mic.intensity", Size: 1},
	{Name: "mic.threshold", Size: 1},

	{Name: "timer.period", Size: 2},

	{Name: "sd.present", Size: 1},
}

var thymioEvents = []model.EventDescription{
	{Name: "button.backward", Description: "Backward button status changed"},
	{Name: "button.left", Description: "Left button status changed"},
	{Name: "button.center", Description: "Center button status changed"},
	{Name: "button.forward", Description: "Forward button status changed"},
	{Name: "button.right", Description: "Right button status changed"},
	{Name: "buttons", Description: "Buttons values updated"},
	{Name: "prox", Description: "Proximity values updated"},
	{Name: "prox.comm", Description: "Data received on the proximity communication"},
	{Name: "tap", Description: "A tap is detected"},
	{Name: "acc", Description: "Accelerometer values updated"},
	{Name: "mic", Description: "Fired when microphone intensity is above threshold"},
	{Name: "sound.finished", Description: "Fired when the playback of a user initiated sound is finished"},
	{Name: "temperature", Description: "Temperature value updated"},
	{Name: "rc5", Description: "RC5 message received"},
	{Name: "motor", Description: "Motor timer"},
	{Name: "timer0", Description: "Timer 0"},
	{Name: "timer1", Description: "Timer 1"},
}

// robotNative describes a robot native that has no hardware behind it: the
// call is logged and its output arguments are filled with fixed values.
type robotNative struct {
	name, doc string
	args      []model.FunctionArgument
	// outputs fill whole argument regions after the call, keyed by
	// argument index.
	outputs map[int]int16
}

func leds(n int) []model.FunctionArgument {
	out := make([]model.FunctionArgument, n)
	for i := range out {
		out[i] = model.FunctionArgument{Name: "led " + string(rune('0'+i)), Size: 1}
	}
	return out
}

func rgb() []model.FunctionArgument {
	return []model.FunctionArgument{{Name: "red", Size: 1}, {Name: "green", Size: 1}, {Name: "blue", Size: 1}}
}

func one(name string) []model.FunctionArgument {
	return []model.FunctionArgument{{Name: name, Size: 1}}
}

// Thymio natives after the standard library, in function id order.
var thymioNatives = []robotNative{
	{name: "sound.record", doc: "Start recording of rN.wav", args: one("N")},
	{name: "sound.play", doc: "Start playback of pN.wav", args: one("N")},
	{name: "sound.replay", doc: "Start playback of rN.wav", args: one("N")},
	{name: "sound.system", doc: "Start playback of system sound N", args: one("N")},
	{name: "leds.circle", doc: "Set circular ring leds", args: leds(8)},
	{name: "leds.top", doc: "Set RGB top led", args: rgb()},
	{name: "leds.bottom.right", doc: "Set RGB botom right led", args: rgb()},
	{name: "leds.bottom.left", doc: "Set RGB botom left led", args: rgb()},
	{name: "sound.freq", doc: "Play frequency", args: []model.FunctionArgument{{Name: "Hz", Size: 1}, {Name: "ds", Size: 1}}},
	{name: "leds.buttons", doc: "Set buttons leds", args: leds(4)},
	{name: "leds.prox.h", doc: "Set horizontal proximity leds", args: leds(8)},
	{name: "leds.prox.v", doc: "Set vertical proximity leds", args: leds(2)},
	{name: "leds.rc", doc: "Set rc led", args: one("led")},
	{name: "leds.sound", doc: "Set sound led", args: one("led")},
	{name: "leds.temperature", doc: "Set ntc led", args: []model.FunctionArgument{{Name: "red", Size: 1}, {Name: "blue", Size: 1}}},
	{name: "sound.wave", doc: "Set the primary wave of the tone generator", args: []model.FunctionArgument{{Name: "wave", Size: 142}}},
	{name: "prox.comm.enable", doc: "Enable or disable the proximity communication", args: one("state")},
	{
		name:    "sd.open",
		doc:     "Open a file on the SD card",
		args:    []model.FunctionArgument{{Name: "number", Size: 1}, {Name: "status", Size: 1}},
		outputs: map[int]int16{1: -1},
	},
	{
		name:    "sd.write",
		doc:     "Write data to the opened file",
		args:    []model.FunctionArgument{{Name: "data", Size: -1}, {Name: "written", Size: 1}},
		outputs: map[int]int16{1: 0},
	},
	{
		name:    "sd.read",
		doc:     "Read data from the opened file",
		args:    []model.FunctionArgument{{Name: "data", Size: -1}, {Name: "read", Size: 1}},
		outputs: map[int]int16{1: 0},
	},
	{
		name:    "sd.seek",
		doc:     "Seek the opened file",
		args:    []model.FunctionArgument{{Name: "position", Size: 1}, {Name: "status", Size: 1}},
		outputs: map[int]int16{1: -1},
	},
	{
		name:    "sound.duration",
		doc:     "Give duration in 1/10s of rN.wav",
		args:    []model.FunctionArgument{{Name: "N", Size: 1}, {Name: "duration", Size: 1}},
		outputs: map[int]int16{1: 0},
	},
}

// NativeCall is one logged call to a robot native.
type NativeCall struct {
	// ID is the index among the robot's own natives, not the function id.
	ID   int
	Name string
	Args []int16
}

// NativeLog records robot native calls. There is no physical robot, so
// the log is how callers observe leds, sounds and the like.
type NativeLog struct {
	mu      sync.Mutex
	enabled bool
	calls   []NativeCall
}

func (l *NativeLog) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

func (l *NativeLog) add(c NativeCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled {
		l.calls = append(l.calls, c)
	}
}

// Drain returns the logged calls and empties the log.
func (l *NativeLog) Drain() []NativeCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.calls
	l.calls = nil
	return out
}

// ThymioSet is the Thymio-II surface, firmware 11. Each node needs its own
// set because the natives write into the set's log.
type ThymioSet struct {
	Log *NativeLog
}

func NewThymioSet() *ThymioSet { return &ThymioSet{Log: &NativeLog{}} }

func (s *ThymioSet) Name() string                           { return ThymioName }
func (s *ThymioSet) ProductID() int16                       { return ProductThymio2 }
func (s *ThymioSet) Variables() []model.VariableDescription { return thymioVariables }
func (s *ThymioSet) Events() []model.EventDescription       { return thymioEvents }
func (s *ThymioSet) Functions() []model.FunctionDescription { return functionsOf(s.Natives()) }
func (s *ThymioSet) Behavior() Behavior                     { return &thymioBehavior{} }

func (s *ThymioSet) Natives() []vm.Native { return robotNatives(s.Log, thymioNatives) }

// robotNatives appends the logged robot natives to the standard library.
func robotNatives(log *NativeLog, specs []robotNative) []vm.Native {
	natives := vm.StdNatives()
	for i, rn := range specs {
		natives = append(natives, vm.Native{
			Description: model.FunctionDescription{Name: rn.name, Description: rn.doc, Arguments: rn.args},
			Fn:          logged(log, i, rn),
		})
	}
	return natives
}

func logged(log *NativeLog, id int, tn robotNative) func(v *vm.VM) {
	return func(v *vm.VM) {
		addrs := make([]int, len(tn.args))
		for i := range tn.args {
			addrs[i] = v.PopArg()
		}
		template := 0
		for _, a := range tn.args {
			if a.Size < 0 {
				template = v.PopArg()
				break
			}
		}
		size := func(a model.FunctionArgument) int {
			if a.Size < 0 {
				return template
			}
			return int(a.Size)
		}
		var values []int16
		for i, a := range tn.args {
			if _, out := tn.outputs[i]; out {
				continue
			}
			region := v.Slice(addrs[i], size(a))
			if region == nil && size(a) > 0 {
				return
			}
			values = append(values, region...)
		}
		for i, x := range tn.outputs {
			region := v.Slice(addrs[i], size(tn.args[i]))
			for j := range region {
				region[j] = x
			}
		}
		if log != nil {
			log.add(NativeCall{ID: id, Name: tn.name, Args: values})
		}
	}
}

// thymioBehavior reproduces the firmware timers: two user timers driven by
// timer.period (milliseconds) and a 100 Hz timer raising the periodic
// sensor events.
type thymioBehavior struct {
	timer0     *SoftTimer
	timer1     *SoftTimer
	timer100Hz *SoftTimer
	counter    int
	period     [2]int16
}

func (b *thymioBehavior) init(n *Node) {
	if b.timer0 != nil {
		return
	}
	b.timer0 = NewSoftTimer(func() { _ = n.EmitIndex(ThymioEventTimer0) }, 0)
	b.timer1 = NewSoftTimer(func() { _ = n.EmitIndex(ThymioEventTimer1) }, 0)
	b.timer100Hz = NewSoftTimer(func() { b.tick100Hz(n) }, 10*time.Millisecond)
}

func (b *thymioBehavior) Reset(n *Node) {
	b.init(n)
	vars := n.Variables()
	if r, ok := n.Table().Variable("_fwversion"); ok {
		vars[r.Offset] = thymioFirmwareVersion
		vars[r.Offset+1] = 0
	}
	if r, ok := n.Table().Variable("temperature"); ok {
		vars[r.Offset] = thymioTemperature
	}
	b.counter = 0
	b.period = [2]int16{}
	b.timer0.SetPeriod(0)
	b.timer1.SetPeriod(0)
	b.timer100Hz.SetPeriod(10 * time.Millisecond)
}

func (b *thymioBehavior) BeforeRun(n *Node, dt time.Duration) {
	b.init(n)
	b.timer0.Step(dt)
	b.timer1.Step(dt)
	b.timer100Hz.Step(dt)
}

func (b *thymioBehavior) AfterRun(n *Node) {
	r, ok := n.Table().Variable("timer.period")
	if !ok {
		return
	}
	vars := n.Variables()
	timers := [2]*SoftTimer{b.timer0, b.timer1}
	for i := range timers {
		p := vars[r.Offset+i]
		if p != b.period[i] {
			b.period[i] = p
			timers[i].SetPeriod(time.Duration(p) * time.Millisecond)
		}
	}
}

func (b *thymioBehavior) tick100Hz(n *Node) {
	b.counter++
	_ = n.EmitIndex(ThymioEventMotor)
	if b.counter%5 == 0 {
		_ = n.EmitIndex(ThymioEventButtons)
	}
	if b.counter%10 == 0 {
		_ = n.EmitIndex(ThymioEventProx)
	}
	if b.counter%6 == 0 {
		_ = n.EmitIndex(ThymioEventAcc)
	}
	if b.counter%100 == 0 {
		_ = n.EmitIndex(ThymioEventTemperature)
	}
}
