package vm

import (
	"github.com/signalsfoundry/aseba-hub/protocol"
)

// ProcessIncomingEvents consumes the pending inbound frame, if any. User
// events start the matching handler; IDE requests go to DebugMessage.
func (v *VM) ProcessIncomingEvents() {
	f, ok := v.host.ReceiveMessage(v)
	if !ok {
		return
	}
	switch {
	case protocol.IsUserEvent(f.Type):
		args := f.Words()
		n := min(len(args), MaxEventArgs, len(v.Variables)-SlotArgs)
		for i := 0; i < n; i++ {
			v.Variables[SlotArgs+i] = int16(args[i])
		}
		v.Variables[SlotSource] = int16(f.Source)
		v.SetupEvent(f.Type)
	case protocol.IsFromIDE(f.Type):
		v.DebugMessage(f.Message)
	}
}

// DebugMessage handles an IDE request. Requests carrying a destination are
// ignored unless it is this node.
func (v *VM) DebugMessage(m protocol.Message) {
	if m.Type != protocol.TypeGetDescription && m.Type != protocol.TypeListNodes {
		dest, err := m.Destination()
		if err != nil || dest != v.NodeID {
			return
		}
		m = protocol.Message{Type: m.Type, Payload: m.Payload[2:]}
	}
	data := m.Words()

	switch m.Type {
	case protocol.TypeGetDescription, protocol.TypeGetNodeDescription:
		for _, msg := range protocol.DescriptionSequence(v.host.Description(v)) {
			v.send(msg)
		}

	case protocol.TypeListNodes:
		v.send(protocol.NodePresent(protocol.Version))

	case protocol.TypeSetBytecode:
		if len(data) == 0 {
			return
		}
		start := int(data[0])
		code := data[1:]
		if start+len(code) > len(v.Bytecode) {
			v.fault(ErrBytecodeOutOfBounds)
			return
		}
		copy(v.Bytecode[start:], code)
		v.reset()

	case protocol.TypeReset:
		v.reset()

	case protocol.TypeRun:
		if v.IsEventActive() && v.IsStepByStep() && v.atBreakpoint() {
			v.Step()
		}
		v.Flags &^= FlagStepByStep
		v.sendExecutionState()

	case protocol.TypePause:
		v.Flags |= FlagStepByStep
		v.sendExecutionState()

	case protocol.TypeStep:
		if v.IsEventActive() {
			v.Step()
		}
		v.sendExecutionState()

	case protocol.TypeStop:
		v.Flags = FlagStepByStep
		v.sendExecutionState()

	case protocol.TypeGetExecutionState:
		v.sendExecutionState()

	case protocol.TypeBreakpointSet:
		if len(data) == 0 {
			return
		}
		v.send(protocol.BreakpointSetResult(data[0], v.setBreakpoint(data[0])))

	case protocol.TypeBreakpointClear:
		if len(data) > 0 {
			v.clearBreakpoint(data[0])
		}

	case protocol.TypeBreakpointClearAll:
		v.ClearBreakpoints()

	case protocol.TypeGetVariables:
		if len(data) < 2 {
			return
		}
		start, length := int(data[0]), int(data[1])
		if start+length > len(v.Variables) {
			return
		}
		v.send(protocol.Variables(uint16(start), v.Variables[start:start+length]))

	case protocol.TypeSetVariables:
		if len(data) == 0 {
			return
		}
		start := int(data[0])
		for i, w := range data[1:] {
			if start+i >= len(v.Variables) {
				break
			}
			v.Variables[start+i] = int16(w)
		}

	case protocol.TypeWriteBytecode, protocol.TypeReboot, protocol.TypeSuspendToRAM,
		protocol.TypeGetDeviceInfo, protocol.TypeSetDeviceInfo, protocol.TypeGetChangedVariables:
		v.host.Notify(v, m)
	}
}

// reset stops execution and runs the init event in step-by-step mode.
func (v *VM) reset() {
	v.Flags = FlagStepByStep
	v.host.Reset(v)
	if v.SetupEvent(EventInit) == 0 {
		v.sendExecutionState()
	}
}

func (v *VM) setBreakpoint(pc uint16) bool {
	if int(pc) >= len(v.Bytecode) {
		return false
	}
	for _, bp := range v.breakpoints {
		if bp == pc {
			return true
		}
	}
	if len(v.breakpoints) >= MaxBreakpoints {
		return false
	}
	v.breakpoints = append(v.breakpoints, pc)
	return true
}

func (v *VM) clearBreakpoint(pc uint16) {
	for i, bp := range v.breakpoints {
		if bp == pc {
			v.breakpoints = append(v.breakpoints[:i], v.breakpoints[i+1:]...)
			return
		}
	}
}

func divisionByZero(v *VM) protocol.Message { return protocol.DivisionByZero(v.PC) }
