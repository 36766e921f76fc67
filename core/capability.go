package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/protocol"
)

var (
	ErrDuplicateName   = errors.New("name already defined")
	ErrOutOfSpace      = errors.New("not enough free variable space")
	ErrInvalidSize     = errors.New("invalid size")
	ErrUnknownName     = errors.New("unknown name")
	ErrCompileFailure  = errors.New("compilation failed")
	ErrNoScriptForNode = errors.New("no script for node")
)

// VariableRegion is a named slice of a node's variable block.
type VariableRegion struct {
	Name   string
	Offset int
	Size   int
}

// CapabilityTable is the advertisable surface of a node: named variable
// regions, local events and native functions. All three lists only grow.
//
// The table is not safe for concurrent use. Callers serialize mutation with
// VM execution (see network.Manager.Do).
type CapabilityTable struct {
	name      string
	blockSize int

	variables []VariableRegion
	byName    map[string]int
	cursor    int

	events      []model.EventDescription
	eventByName map[string]int

	functions  []model.FunctionDescription
	funcByName map[string]int
	builtins   int
	callbacks  []string

	snapshot *model.TargetDescription
}

// NewCapabilityTable returns an empty table for a node class name whose
// variable block holds blockSize words.
func NewCapabilityTable(name string, blockSize int) *CapabilityTable {
	return &CapabilityTable{
		name:        name,
		blockSize:   blockSize,
		byName:      make(map[string]int),
		eventByName: make(map[string]int),
		funcByName:  make(map[string]int),
	}
}

// AddVariable appends a region of size words at the allocation cursor.
// Zeroing the backing memory is the caller's job.
func (t *CapabilityTable) AddVariable(name string, size int) (VariableRegion, error) {
	if _, exists := t.byName[name]; exists {
		return VariableRegion{}, fmt.Errorf("variable %q: %w", name, ErrDuplicateName)
	}
	if size <= 0 {
		return VariableRegion{}, fmt.Errorf("variable %q of size %d: %w", name, size, ErrInvalidSize)
	}
	if size > t.blockSize-t.cursor {
		return VariableRegion{}, fmt.Errorf("variable %q of size %d (%d of %d words used): %w",
			name, size, t.cursor, t.blockSize, ErrOutOfSpace)
	}
	r := VariableRegion{Name: name, Offset: t.cursor, Size: size}
	t.byName[name] = len(t.variables)
	t.variables = append(t.variables, r)
	t.cursor += size
	t.snapshot = nil
	return r, nil
}

// AddEvent appends a local event.
func (t *CapabilityTable) AddEvent(name, description string) error {
	if _, exists := t.eventByName[name]; exists {
		return fmt.Errorf("event %q: %w", name, ErrDuplicateName)
	}
	t.eventByName[name] = len(t.events)
	t.events = append(t.events, model.EventDescription{Name: name, Description: description})
	t.snapshot = nil
	return nil
}

// AddFunction appends a function implemented outside the engine. callback
// names the host function invoked when a script calls it.
func (t *CapabilityTable) AddFunction(name, description string, args []model.FunctionArgument, callback string) error {
	if err := t.addFunction(model.FunctionDescription{Name: name, Description: description, Arguments: args}); err != nil {
		return err
	}
	t.callbacks = append(t.callbacks, callback)
	return nil
}

// addBuiltin appends a native implemented by the capability set. Builtins
// must all be added before any host function.
func (t *CapabilityTable) addBuiltin(d model.FunctionDescription) error {
	if len(t.callbacks) > 0 {
		return fmt.Errorf("builtin %q added after host functions", d.Name)
	}
	if err := t.addFunction(d); err != nil {
		return err
	}
	t.builtins++
	return nil
}

func (t *CapabilityTable) addFunction(d model.FunctionDescription) error {
	if _, exists := t.funcByName[d.Name]; exists {
		return fmt.Errorf("function %q: %w", d.Name, ErrDuplicateName)
	}
	for _, a := range d.Arguments {
		if a.Size == 0 {
			return fmt.Errorf("function %q argument %q: %w", d.Name, a.Name, ErrInvalidSize)
		}
	}
	d.Arguments = append([]model.FunctionArgument(nil), d.Arguments...)
	t.funcByName[d.Name] = len(t.functions)
	t.functions = append(t.functions, d)
	t.snapshot = nil
	return nil
}

// Variable looks up a region by name.
func (t *CapabilityTable) Variable(name string) (VariableRegion, bool) {
	i, ok := t.byName[name]
	if !ok {
		return VariableRegion{}, false
	}
	return t.variables[i], true
}

// Variables returns the regions in allocation order.
func (t *CapabilityTable) Variables() []VariableRegion {
	return append([]VariableRegion(nil), t.variables...)
}

// EventIndex returns the position of a local event.
func (t *CapabilityTable) EventIndex(name string) (int, bool) {
	i, ok := t.eventByName[name]
	return i, ok
}

func (t *CapabilityTable) EventCount() int    { return len(t.events) }
func (t *CapabilityTable) FunctionCount() int { return len(t.functions) }

// BuiltinCount is the number of natives implemented by the capability set.
// Function ids at or above it dispatch to host functions.
func (t *CapabilityTable) BuiltinCount() int { return t.builtins }

// Cursor is the number of variable words allocated so far.
func (t *CapabilityTable) Cursor() int { return t.cursor }

// Function returns the description of function id.
func (t *CapabilityTable) Function(id int) (model.FunctionDescription, bool) {
	if id < 0 || id >= len(t.functions) {
		return model.FunctionDescription{}, false
	}
	return t.functions[id], true
}

// Callback returns the host function name bound to function id.
func (t *CapabilityTable) Callback(id int) (string, bool) {
	i := id - t.builtins
	if i < 0 || i >= len(t.callbacks) {
		return "", false
	}
	return t.callbacks[i], true
}

// Snapshot returns the current description in the form the compiler and
// the engine consume. The result is shared until the next mutation and
// must not be modified.
func (t *CapabilityTable) Snapshot(bytecodeSize, stackSize int) *model.TargetDescription {
	if t.snapshot != nil && int(t.snapshot.BytecodeSize) == bytecodeSize && int(t.snapshot.StackSize) == stackSize {
		return t.snapshot
	}
	d := &model.TargetDescription{
		Name:            t.name,
		ProtocolVersion: protocol.Version,
		BytecodeSize:    uint16(bytecodeSize),
		StackSize:       uint16(stackSize),
		VariablesSize:   uint16(t.blockSize),
		Variables:       make([]model.VariableDescription, len(t.variables)),
		Events:          append([]model.EventDescription(nil), t.events...),
		Functions:       make([]model.FunctionDescription, len(t.functions)),
	}
	for i, v := range t.variables {
		d.Variables[i] = model.VariableDescription{Name: v.Name, Size: uint16(v.Size)}
	}
	for i, f := range t.functions {
		f.Arguments = append([]model.FunctionArgument(nil), f.Arguments...)
		d.Functions[i] = f
	}
	t.snapshot = d
	return d
}
