package model

// VariableDescription names a region of a node's variable block.
type VariableDescription struct {
	Name string
	Size uint16
}

// EventDescription is a local event a node can raise.
type EventDescription struct {
	Name        string
	Description string
}

// FunctionArgument describes one argument of a native function.
// A negative Size is a template size shared by all arguments with the
// same negative value; the compiler resolves it at the call site.
type FunctionArgument struct {
	Name string
	Size int16
}

// FunctionDescription is a native function a node exposes to scripts.
type FunctionDescription struct {
	Name        string
	Description string
	Arguments   []FunctionArgument
}

// TargetDescription is the complete advertised surface of a node. It is what
// the compiler compiles against and what the node sends in reply to a
// description request.
type TargetDescription struct {
	Name            string
	ProtocolVersion uint16

	BytecodeSize  uint16
	StackSize     uint16
	VariablesSize uint16

	Variables []VariableDescription
	Events    []EventDescription
	Functions []FunctionDescription
}

// VariableOffset returns the word offset of the named variable and its size.
func (d *TargetDescription) VariableOffset(name string) (offset, size uint16, ok bool) {
	var pos uint16
	for _, v := range d.Variables {
		if v.Name == name {
			return pos, v.Size, true
		}
		pos += v.Size
	}
	return 0, 0, false
}

// VariablesInUse is the sum of all variable region sizes.
func (d *TargetDescription) VariablesInUse() int {
	total := 0
	for _, v := range d.Variables {
		total += int(v.Size)
	}
	return total
}

// NamedValue is a global event (Value = argument count) or a constant.
type NamedValue struct {
	Name  string
	Value int
}

// CommonDefinitions are shared by every node of one network: global events
// and named constants.
type CommonDefinitions struct {
	Events    []NamedValue
	Constants []NamedValue
}

// EventIndex returns the position of the named global event.
func (c *CommonDefinitions) EventIndex(name string) (int, bool) {
	if c == nil {
		return 0, false
	}
	for i, e := range c.Events {
		if e.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Constant returns the value of a named constant.
func (c *CommonDefinitions) Constant(name string) (int, bool) {
	if c == nil {
		return 0, false
	}
	for _, k := range c.Constants {
		if k.Name == name {
			return k.Value, true
		}
	}
	return 0, false
}
