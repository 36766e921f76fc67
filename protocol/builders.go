package protocol

import (
	"fmt"

	"github.com/signalsfoundry/aseba-hub/model"
)

// Description is the first message of a node description sequence.
func Description(d *model.TargetDescription) Message {
	enc := NewEncoder(64)
	enc.String(d.Name).
		Uint16(d.ProtocolVersion).
		Uint16(d.BytecodeSize).
		Uint16(d.StackSize).
		Uint16(d.VariablesSize).
		Uint16(uint16(len(d.Variables))).
		Uint16(uint16(len(d.Events))).
		Uint16(uint16(len(d.Functions)))
	return Message{Type: TypeDescription, Payload: enc.Bytes()}
}

func NamedVariableDescription(v model.VariableDescription) Message {
	enc := NewEncoder(3 + len(v.Name))
	enc.Uint16(v.Size).String(v.Name)
	return Message{Type: TypeNamedVariableDescription, Payload: enc.Bytes()}
}

func LocalEventDescription(e model.EventDescription) Message {
	enc := NewEncoder(2 + len(e.Name) + len(e.Description))
	enc.String(e.Name).String(e.Description)
	return Message{Type: TypeLocalEventDescription, Payload: enc.Bytes()}
}

func NativeFunctionDescription(f model.FunctionDescription) Message {
	enc := NewEncoder(32)
	enc.String(f.Name).String(f.Description).Uint16(uint16(len(f.Arguments)))
	for _, a := range f.Arguments {
		enc.Int16(a.Size).String(a.Name)
	}
	return Message{Type: TypeNativeFunctionDescription, Payload: enc.Bytes()}
}

// DescriptionSequence is every message a node sends in reply to a
// description request, in order.
func DescriptionSequence(d *model.TargetDescription) []Message {
	out := make([]Message, 0, 1+len(d.Variables)+len(d.Events)+len(d.Functions))
	out = append(out, Description(d))
	for _, v := range d.Variables {
		out = append(out, NamedVariableDescription(v))
	}
	for _, e := range d.Events {
		out = append(out, LocalEventDescription(e))
	}
	for _, f := range d.Functions {
		out = append(out, NativeFunctionDescription(f))
	}
	return out
}

func NodePresent(version uint16) Message {
	return NewMessage(TypeNodePresent, version)
}

// DeviceInfo carries one identity attribute of a node.
func DeviceInfo(kind uint8, data []byte) Message {
	if len(data) > 0xFF {
		data = data[:0xFF]
	}
	enc := NewEncoder(2 + len(data))
	enc.Uint8(kind).Uint8(uint8(len(data))).Raw(data)
	return Message{Type: TypeDeviceInfo, Payload: enc.Bytes()}
}

func ExecutionStateChanged(pc, flags uint16) Message {
	return NewMessage(TypeExecutionStateChanged, pc, flags)
}

func BreakpointSetResult(pc uint16, ok bool) Message {
	var success uint16
	if ok {
		success = 1
	}
	return NewMessage(TypeBreakpointSetResult, pc, success)
}

func Variables(start uint16, values []int16) Message {
	enc := NewEncoder(2 + 2*len(values))
	enc.Uint16(start).Values(values)
	return Message{Type: TypeVariables, Payload: enc.Bytes()}
}

func ArrayAccessOutOfBounds(pc, size, index uint16) Message {
	return NewMessage(TypeArrayAccessOutOfBounds, pc, size, index)
}

func DivisionByZero(pc uint16) Message {
	return NewMessage(TypeDivisionByZero, pc)
}

func EventExecutionKilled(pc uint16) Message {
	return NewMessage(TypeEventExecutionKilled, pc)
}

func NodeSpecificError(pc uint16, text string) Message {
	enc := NewEncoder(3 + len(text))
	enc.Uint16(pc).String(text)
	return Message{Type: TypeNodeSpecificError, Payload: enc.Bytes()}
}

// UserEvent is a global event with its arguments.
func UserEvent(id uint16, args []int16) Message {
	enc := NewEncoder(2 * len(args))
	enc.Values(args)
	return Message{Type: id, Payload: enc.Bytes()}
}

// Command is an IDE request addressed to node dest.
func Command(t, dest uint16, words ...uint16) Message {
	return NewMessage(t, append([]uint16{dest}, words...)...)
}

// SetVariablesCommand writes values at start in node dest.
func SetVariablesCommand(dest, start uint16, values []int16) Message {
	enc := NewEncoder(4 + 2*len(values))
	enc.Uint16(dest).Uint16(start).Values(values)
	return Message{Type: TypeSetVariables, Payload: enc.Bytes()}
}

// SetBytecodeCommand uploads words at offset start in node dest.
func SetBytecodeCommand(dest, start uint16, words []uint16) Message {
	return Command(TypeSetBytecode, dest, append([]uint16{start}, words...)...)
}

// SetDeviceInfoCommand sets one identity attribute of node dest.
func SetDeviceInfoCommand(dest uint16, kind uint8, data []byte) Message {
	enc := NewEncoder(4 + len(data))
	enc.Uint16(dest).Uint8(kind).Uint8(uint8(len(data))).Raw(data)
	return Message{Type: TypeSetDeviceInfo, Payload: enc.Bytes()}
}

// DescriptionHeader is the decoded content of a TypeDescription message.
type DescriptionHeader struct {
	Name            string
	ProtocolVersion uint16
	BytecodeSize    uint16
	StackSize       uint16
	VariablesSize   uint16
	VariableCount   int
	EventCount      int
	FunctionCount   int
}

func DecodeDescription(m Message) (DescriptionHeader, error) {
	if m.Type != TypeDescription {
		return DescriptionHeader{}, fmt.Errorf("unexpected %s message", TypeName(m.Type))
	}
	d := NewDecoder(m.Payload)
	h := DescriptionHeader{
		Name:            d.String(),
		ProtocolVersion: d.Uint16(),
		BytecodeSize:    d.Uint16(),
		StackSize:       d.Uint16(),
		VariablesSize:   d.Uint16(),
		VariableCount:   int(d.Uint16()),
		EventCount:      int(d.Uint16()),
		FunctionCount:   int(d.Uint16()),
	}
	return h, d.Err()
}

// DeviceInfoPayload is the decoded content of a device info message.
type DeviceInfoPayload struct {
	Kind uint8
	Data []byte
}

func DecodeDeviceInfo(payload []byte) (DeviceInfoPayload, error) {
	d := NewDecoder(payload)
	kind := d.Uint8()
	n := int(d.Uint8())
	data := d.Bytes(n)
	return DeviceInfoPayload{Kind: kind, Data: data}, d.Err()
}

// DescriptionCollector assembles a TargetDescription from the messages of a
// description sequence. Messages of other types are ignored.
type DescriptionCollector struct {
	header *DescriptionHeader
	desc   model.TargetDescription
}

// Add consumes one message and reports whether the description is complete.
func (c *DescriptionCollector) Add(m Message) (bool, error) {
	d := NewDecoder(m.Payload)
	switch m.Type {
	case TypeDescription:
		h, err := DecodeDescription(m)
		if err != nil {
			return false, err
		}
		c.header = &h
		c.desc = model.TargetDescription{
			Name:            h.Name,
			ProtocolVersion: h.ProtocolVersion,
			BytecodeSize:    h.BytecodeSize,
			StackSize:       h.StackSize,
			VariablesSize:   h.VariablesSize,
		}
	case TypeNamedVariableDescription:
		if c.header == nil {
			return false, nil
		}
		size := d.Uint16()
		c.desc.Variables = append(c.desc.Variables, model.VariableDescription{Size: size, Name: d.String()})
	case TypeLocalEventDescription:
		if c.header == nil {
			return false, nil
		}
		c.desc.Events = append(c.desc.Events, model.EventDescription{Name: d.String(), Description: d.String()})
	case TypeNativeFunctionDescription:
		if c.header == nil {
			return false, nil
		}
		f := model.FunctionDescription{Name: d.String(), Description: d.String()}
		n := int(d.Uint16())
		for i := 0; i < n && d.Err() == nil; i++ {
			size := d.Int16()
			f.Arguments = append(f.Arguments, model.FunctionArgument{Size: size, Name: d.String()})
		}
		c.desc.Functions = append(c.desc.Functions, f)
	default:
		return false, nil
	}
	if err := d.Err(); err != nil {
		return false, err
	}
	return c.Complete(), nil
}

// Complete reports whether every announced entry has been received.
func (c *DescriptionCollector) Complete() bool {
	return c.header != nil &&
		len(c.desc.Variables) >= c.header.VariableCount &&
		len(c.desc.Events) >= c.header.EventCount &&
		len(c.desc.Functions) >= c.header.FunctionCount
}

// Description returns the assembled description.
func (c *DescriptionCollector) Description() model.TargetDescription { return c.desc }
