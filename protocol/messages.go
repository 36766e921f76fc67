// Package protocol implements the Aseba wire protocol: message type codes,
// frame encoding and the payload layouts of the messages a node sends.
package protocol

// Version is the protocol version advertised by nodes.
const Version = 9

// Messages sent by nodes.
const (
	TypeDescription               uint16 = 0x9000
	TypeNamedVariableDescription  uint16 = 0x9001
	TypeLocalEventDescription     uint16 = 0x9002
	TypeNativeFunctionDescription uint16 = 0x9003
	TypeDisconnected              uint16 = 0x9004
	TypeVariables                 uint16 = 0x9005
	TypeArrayAccessOutOfBounds    uint16 = 0x9006
	TypeDivisionByZero            uint16 = 0x9007
	TypeEventExecutionKilled      uint16 = 0x9008
	TypeNodeSpecificError         uint16 = 0x9009
	TypeExecutionStateChanged     uint16 = 0x900A
	TypeBreakpointSetResult       uint16 = 0x900B
	TypeNodePresent               uint16 = 0x900C
	TypeDeviceInfo                uint16 = 0x900D
	TypeChangedVariables          uint16 = 0x900E
)

// Messages sent by the IDE to all nodes.
const (
	TypeGetDescription uint16 = 0xA000
)

// Messages sent by the IDE to one node. The first payload word is the
// destination node id.
const (
	TypeSetBytecode        uint16 = 0xA001
	TypeReset              uint16 = 0xA002
	TypeRun                uint16 = 0xA003
	TypePause              uint16 = 0xA004
	TypeStep               uint16 = 0xA005
	TypeStop               uint16 = 0xA006
	TypeGetExecutionState  uint16 = 0xA007
	TypeBreakpointSet      uint16 = 0xA008
	TypeBreakpointClear    uint16 = 0xA009
	TypeBreakpointClearAll uint16 = 0xA00A
	TypeGetVariables       uint16 = 0xA00B
	TypeSetVariables       uint16 = 0xA00C
	TypeWriteBytecode      uint16 = 0xA00D
	TypeReboot             uint16 = 0xA00E
	TypeSuspendToRAM       uint16 = 0xA00F
	TypeGetNodeDescription uint16 = 0xA010
)

// Messages added in later protocol versions. They carry a destination word
// too but fall outside the unicast range and are therefore broadcast by hubs.
const (
	TypeListNodes           uint16 = 0xA011
	TypeGetDeviceInfo       uint16 = 0xA012
	TypeSetDeviceInfo       uint16 = 0xA013
	TypeGetChangedVariables uint16 = 0xA014
)

// Device info kinds carried by TypeDeviceInfo and TypeSetDeviceInfo.
const (
	DeviceInfoUUID uint8 = 1
	DeviceInfoName uint8 = 2
)

// UserEventLimit bounds user event types: any type below it is a user event.
const UserEventLimit uint16 = 0x8000

// IsUnicast reports whether messages of type t carry a destination and must
// be delivered to that node only.
func IsUnicast(t uint16) bool {
	return t >= TypeSetBytecode && t <= TypeGetNodeDescription
}

// IsUserEvent reports whether t is a user (global) event.
func IsUserEvent(t uint16) bool { return t < UserEventLimit }

// IsFromIDE reports whether t is a message the IDE sends to nodes.
func IsFromIDE(t uint16) bool { return t >= TypeGetDescription }

var typeNames = map[uint16]string{
	TypeDescription:               "description",
	TypeNamedVariableDescription:  "named variable description",
	TypeLocalEventDescription:     "local event description",
	TypeNativeFunctionDescription: "native function description",
	TypeDisconnected:              "disconnected",
	TypeVariables:                 "variables",
	TypeArrayAccessOutOfBounds:    "array access out of bounds",
	TypeDivisionByZero:            "division by zero",
	TypeEventExecutionKilled:      "event execution killed",
	TypeNodeSpecificError:         "node specific error",
	TypeExecutionStateChanged:     "execution state changed",
	TypeBreakpointSetResult:       "breakpoint set result",
	TypeNodePresent:               "node present",
	TypeDeviceInfo:                "device info",
	TypeChangedVariables:          "changed variables",
	TypeGetDescription:            "get description",
	TypeSetBytecode:               "set bytecode",
	TypeReset:                     "reset",
	TypeRun:                       "run",
	TypePause:                     "pause",
	TypeStep:                      "step",
	TypeStop:                      "stop",
	TypeGetExecutionState:         "get execution state",
	TypeBreakpointSet:             "breakpoint set",
	TypeBreakpointClear:           "breakpoint clear",
	TypeBreakpointClearAll:        "breakpoint clear all",
	TypeGetVariables:              "get variables",
	TypeSetVariables:              "set variables",
	TypeWriteBytecode:             "write bytecode",
	TypeReboot:                    "reboot",
	TypeSuspendToRAM:              "suspend to ram",
	TypeGetNodeDescription:        "get node description",
	TypeListNodes:                 "list nodes",
	TypeGetDeviceInfo:             "get device info",
	TypeSetDeviceInfo:             "set device info",
	TypeGetChangedVariables:       "get changed variables",
}

// TypeName returns a readable name for logs.
func TypeName(t uint16) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	if IsUserEvent(t) {
		return "user event"
	}
	return "unknown"
}
