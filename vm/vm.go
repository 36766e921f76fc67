// Package vm is a bytecode engine for event-driven nodes. A VM owns no
// memory of its own besides its stack: its variables are a window onto the
// block of the node hosting it, and every interaction with the outside world
// goes through the Host interface.
package vm

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/protocol"
)

// Flags is the execution state reported to the IDE.
type Flags uint16

const (
	FlagEventActive  Flags = 1 << 0
	FlagStepByStep   Flags = 1 << 1
	FlagEventRunning Flags = 1 << 2
)

// Reserved variable slots.
const (
	SlotID     = 0
	SlotSource = 1
	SlotArgs   = 2
)

// Event ids with a fixed meaning.
const (
	EventInit             uint16 = 0xFFFF
	EventLocalEventsStart uint16 = 0xFFFE
)

// LocalEventID returns the event id of the i-th local event.
func LocalEventID(i int) uint16 { return EventLocalEventsStart - uint16(i) }

const (
	// MaxEventArgs is the size of the args region of every node.
	MaxEventArgs = 32
	// MaxBreakpoints bounds the number of simultaneous breakpoints.
	MaxBreakpoints = 16
	// DefaultRunLimit is the per-call instruction ceiling used by nodes.
	DefaultRunLimit = 1000
)

var (
	ErrStackOverflow       = errors.New("stack overflow")
	ErrStackUnderflow      = errors.New("stack underflow")
	ErrInvalidOpcode       = errors.New("invalid opcode")
	ErrPCOutOfRange        = errors.New("program counter out of bytecode")
	ErrVariableOutOfRange  = errors.New("variable address out of range")
	ErrUnknownNative       = errors.New("unknown native function")
	ErrBytecodeOutOfBounds = errors.New("bytecode write out of bounds")
)

// Fault is an execution error the engine cannot recover from by itself.
type Fault struct {
	PC  uint16
	Err error
}

func (f *Fault) Error() string { return fmt.Sprintf("vm fault at pc %d: %v", f.PC, f.Err) }
func (f *Fault) Unwrap() error { return f.Err }

// Host is implemented by whatever embeds the engine.
type Host interface {
	// SendMessage transmits a message with this VM's node as source.
	SendMessage(v *VM, m protocol.Message)
	// ReceiveMessage hands over the pending inbound frame, once.
	ReceiveMessage(v *VM) (protocol.Frame, bool)
	// Description returns the node's current capability snapshot.
	Description(v *VM) *model.TargetDescription
	// NativeFunction executes native function id.
	NativeFunction(v *VM, id uint16)
	// Reset restores the reserved variables of the node.
	Reset(v *VM)
	// Fault reports an unrecoverable execution error.
	Fault(v *VM, f *Fault)
	// Notify forwards requests the engine does not implement itself
	// (bytecode persistence, reboot, sleep, device info).
	Notify(v *VM, m protocol.Message)
}

// VM is one engine instance.
type VM struct {
	NodeID uint16

	Bytecode  []uint16
	Variables []int16

	stack []int16
	sp    int

	PC    uint16
	Flags Flags

	breakpoints []uint16

	host Host
	rand uint16
}

// New creates an engine bound to variables. The slice is used in place.
func New(nodeID uint16, host Host, variables []int16, bytecodeSize, stackSize int) *VM {
	v := &VM{
		NodeID:    nodeID,
		Bytecode:  make([]uint16, bytecodeSize),
		Variables: variables,
		stack:     make([]int16, stackSize),
		host:      host,
		rand:      0xACE1 ^ nodeID,
	}
	v.Init()
	return v
}

// Init clears bytecode, variables, breakpoints and state.
func (v *VM) Init() {
	clear(v.Bytecode)
	clear(v.Variables)
	v.breakpoints = v.breakpoints[:0]
	v.sp = 0
	v.PC = 0
	v.Flags = 0
}

func (v *VM) IsEventActive() bool { return v.Flags&FlagEventActive != 0 }
func (v *VM) IsStepByStep() bool  { return v.Flags&FlagStepByStep != 0 }
func (v *VM) IsRunning() bool     { return v.Flags&FlagEventRunning != 0 }

// BreakpointCount is the number of breakpoints currently set.
func (v *VM) BreakpointCount() int { return len(v.breakpoints) }

// ClearBreakpoints removes every breakpoint.
func (v *VM) ClearBreakpoints() { v.breakpoints = v.breakpoints[:0] }

// EventAddress returns the entry point of event in the vector table, or 0.
func (v *VM) EventAddress(event uint16) uint16 {
	if len(v.Bytecode) == 0 {
		return 0
	}
	n := int(v.Bytecode[0])
	if n > len(v.Bytecode) {
		n = len(v.Bytecode)
	}
	for i := 1; i+1 < n; i += 2 {
		if v.Bytecode[i] == event {
			return v.Bytecode[i+1]
		}
	}
	return 0
}

// SetupEvent prepares execution of event and returns its address, or 0
// when the bytecode has no handler for it. An event still executing is
// killed.
func (v *VM) SetupEvent(event uint16) uint16 {
	addr := v.EventAddress(event)
	if addr == 0 {
		return 0
	}
	if v.IsEventActive() {
		v.send(protocol.EventExecutionKilled(v.PC))
	}
	v.PC = addr
	v.sp = 0
	v.Flags |= FlagEventActive
	if v.IsStepByStep() {
		v.sendExecutionState()
	}
	return addr
}

// Run executes the active event until it completes, a breakpoint is
// reached, or limit instructions have run. It reports whether anything ran.
func (v *VM) Run(limit int) bool {
	if !v.IsEventActive() || v.IsStepByStep() {
		return false
	}
	v.Flags |= FlagEventRunning
	defer func() { v.Flags &^= FlagEventRunning }()

	for i := 0; v.IsEventActive() && !v.IsStepByStep(); i++ {
		if limit > 0 && i >= limit {
			break
		}
		if len(v.breakpoints) > 0 && v.atBreakpoint() {
			v.Flags |= FlagStepByStep
			v.sendExecutionState()
			break
		}
		v.Step()
	}
	return true
}

// Step executes a single instruction.
func (v *VM) Step() {
	if !v.IsEventActive() {
		return
	}
	if err := v.exec(); err != nil {
		v.fault(err)
	}
}

func (v *VM) fault(err error) {
	v.Flags &^= FlagEventActive | FlagEventRunning
	v.host.Fault(v, &Fault{PC: v.PC, Err: err})
}

func (v *VM) atBreakpoint() bool {
	for _, bp := range v.breakpoints {
		if bp == v.PC {
			return true
		}
	}
	return false
}

func (v *VM) send(m protocol.Message) { v.host.SendMessage(v, m) }

func (v *VM) sendExecutionState() {
	v.send(protocol.ExecutionStateChanged(v.PC, uint16(v.Flags)))
}

func (v *VM) push(x int16) error {
	if v.sp >= len(v.stack) {
		return ErrStackOverflow
	}
	v.stack[v.sp] = x
	v.sp++
	return nil
}

func (v *VM) pop() (int16, error) {
	if v.sp == 0 {
		return 0, ErrStackUnderflow
	}
	v.sp--
	return v.stack[v.sp], nil
}

func (v *VM) word(addr int) (uint16, error) {
	if addr < 0 || addr >= len(v.Bytecode) {
		return 0, ErrPCOutOfRange
	}
	return v.Bytecode[addr], nil
}

func (v *VM) checkVar(addr int) error {
	if addr < 0 || addr >= len(v.Variables) {
		return fmt.Errorf("%w: %d", ErrVariableOutOfRange, addr)
	}
	return nil
}

// stopEvent ends the current event after a script-level runtime error.
func (v *VM) stopEvent(m protocol.Message) {
	v.send(m)
	v.Flags &^= FlagEventActive
}

func (v *VM) exec() error {
	pc := int(v.PC)
	w, err := v.word(pc)
	if err != nil {
		return err
	}
	op, imm := decode(w)
	if instructionLength[op] == 0 {
		return fmt.Errorf("%w %#x", ErrInvalidOpcode, op)
	}
	if pc+instructionLength[op] > len(v.Bytecode) {
		return ErrPCOutOfRange
	}
	next := uint16(pc + instructionLength[op])

	switch op {
	case OpStop:
		v.Flags &^= FlagEventActive
		return nil

	case OpSmallImmediate:
		if err := v.push(signExtend12(imm)); err != nil {
			return err
		}

	case OpLargeImmediate:
		if err := v.push(int16(v.Bytecode[pc+1])); err != nil {
			return err
		}

	case OpLoad:
		if err := v.checkVar(int(imm)); err != nil {
			return err
		}
		if err := v.push(v.Variables[imm]); err != nil {
			return err
		}

	case OpStore:
		if err := v.checkVar(int(imm)); err != nil {
			return err
		}
		x, err := v.pop()
		if err != nil {
			return err
		}
		v.Variables[imm] = x

	case OpLoadIndirect, OpStoreIndirect:
		size := v.Bytecode[pc+1]
		index, err := v.pop()
		if err != nil {
			return err
		}
		var value int16
		if op == OpStoreIndirect {
			if value, err = v.pop(); err != nil {
				return err
			}
		}
		if index < 0 || uint16(index) >= size {
			v.stopEvent(protocol.ArrayAccessOutOfBounds(v.PC, size, uint16(index)))
			return nil
		}
		addr := int(imm) + int(index)
		if err := v.checkVar(addr); err != nil {
			return err
		}
		if op == OpStoreIndirect {
			v.Variables[addr] = value
		} else if err := v.push(v.Variables[addr]); err != nil {
			return err
		}

	case OpUnary:
		x, err := v.pop()
		if err != nil {
			return err
		}
		r, err := unary(imm, x)
		if err != nil {
			return err
		}
		_ = v.push(r)

	case OpBinary:
		b, err := v.pop()
		if err != nil {
			return err
		}
		a, err := v.pop()
		if err != nil {
			return err
		}
		if (imm == BinaryDiv || imm == BinaryMod) && b == 0 {
			v.stopEvent(protocol.DivisionByZero(v.PC))
			return nil
		}
		r, err := binary(imm, a, b)
		if err != nil {
			return err
		}
		_ = v.push(r)

	case OpJump:
		next = uint16(pc + int(signExtend12(imm)))

	case OpConditionalBranch:
		cond, err := v.pop()
		if err != nil {
			return err
		}
		if cond == 0 {
			next = uint16(pc + int(int16(v.Bytecode[pc+1])))
		}

	case OpEmit:
		start, count := int(v.Bytecode[pc+1]), int(v.Bytecode[pc+2])
		if start < 0 || start+count > len(v.Variables) {
			return fmt.Errorf("%w: emit %d+%d", ErrVariableOutOfRange, start, count)
		}
		v.send(protocol.UserEvent(imm, v.Variables[start:start+count]))

	case OpNativeCall:
		v.PC = next
		v.host.NativeFunction(v, imm)
		return nil

	case OpSubCall:
		if err := v.push(int16(next)); err != nil {
			return err
		}
		next = imm

	case OpSubRet:
		ret, err := v.pop()
		if err != nil {
			return err
		}
		next = uint16(ret)
	}

	v.PC = next
	return nil
}

func unary(op uint16, x int16) (int16, error) {
	switch op {
	case UnaryNeg:
		return -x, nil
	case UnaryAbs:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case UnaryBitNot:
		return ^x, nil
	case UnaryNot:
		if x == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: unary operator %d", ErrInvalidOpcode, op)
}

func boolValue(b bool) int16 {
	if b {
		return 1
	}
	return 0
}

func binary(op uint16, a, b int16) (int16, error) {
	switch op {
	case BinaryShiftLeft:
		return a << (uint16(b) & 0xF), nil
	case BinaryShiftRight:
		return a >> (uint16(b) & 0xF), nil
	case BinaryAdd:
		return a + b, nil
	case BinarySub:
		return a - b, nil
	case BinaryMult:
		return a * b, nil
	case BinaryDiv:
		return a / b, nil
	case BinaryMod:
		return a % b, nil
	case BinaryBitOr:
		return a | b, nil
	case BinaryBitXor:
		return a ^ b, nil
	case BinaryBitAnd:
		return a & b, nil
	case BinaryEqual:
		return boolValue(a == b), nil
	case BinaryNotEqual:
		return boolValue(a != b), nil
	case BinaryBiggerThan:
		return boolValue(a > b), nil
	case BinaryBiggerEqualThan:
		return boolValue(a >= b), nil
	case BinarySmallerThan:
		return boolValue(a < b), nil
	case BinarySmallerEqualThan:
		return boolValue(a <= b), nil
	case BinaryOr:
		return boolValue(a != 0 || b != 0), nil
	case BinaryAnd:
		return boolValue(a != 0 && b != 0), nil
	}
	return 0, fmt.Errorf("%w: binary operator %d", ErrInvalidOpcode, op)
}

// Evaluate applies binary operator op the way the engine does.
func Evaluate(op uint16, a, b int16) (int16, error) { return binary(op, a, b) }
