package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/protocol"
	"github.com/signalsfoundry/aseba-hub/vm"
)

// Memory layout shared by every node.
const (
	VariablesTotalSize = 1024
	BytecodeSize       = 1534
	StackSize          = 32
)

// State is the lifecycle position of a node.
type State int

const (
	StateCreated State = iota
	StateIdle
	StateFinalized
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateIdle:
		return "idle"
	case StateFinalized:
		return "finalized"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NodeConfig holds everything needed to build a node.
type NodeConfig struct {
	ID uint16
	// Set defaults to GenericSet.
	Set CapabilitySet
	// Name overrides the class name of Set.
	Name         string
	StableID     uuid.UUID
	FriendlyName string

	// Host receives the engine callbacks. It must route them back to
	// this node (see network.Manager).
	Host      vm.Host
	Callbacks *Callbacks
	Logger    logging.Logger
}

// Node is one addressable engine instance with its own variable block,
// capability table and identity.
type Node struct {
	id           uint16
	name         string
	friendlyName string
	stableID     uuid.UUID

	set       CapabilitySet
	behavior  Behavior
	natives   []vm.Native
	table     *CapabilityTable
	variables []int16

	// VM is the engine. Only the goroutine that steps the node may use it.
	VM *vm.VM

	host      vm.Host
	callbacks *Callbacks
	log       logging.Logger

	state       State
	lastMessage protocol.Frame
	hasMessage  bool
	deviceInfo  map[string]bool

	definitions model.CommonDefinitions
	source      string
}

// NewNode builds a node and populates its capability table from the set.
// The node starts Idle: it does not run until Activate.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("node %d: nil host", cfg.ID)
	}
	set := cfg.Set
	if set == nil {
		set = GenericSet{}
	}
	name := cfg.Name
	if name == "" {
		name = set.Name()
	}
	stable := cfg.StableID
	if stable == uuid.Nil {
		stable = DefaultStableID(cfg.ID)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}

	n := &Node{
		id:           cfg.ID,
		name:         name,
		friendlyName: cfg.FriendlyName,
		stableID:     stable,
		set:          set,
		behavior:     set.Behavior(),
		natives:      set.Natives(),
		table:        NewCapabilityTable(name, VariablesTotalSize),
		variables:    make([]int16, VariablesTotalSize),
		host:         cfg.Host,
		callbacks:    cfg.Callbacks,
		log:          log.With(logging.Uint16("node_id", cfg.ID), logging.String("node_name", name)),
		state:        StateCreated,
		deviceInfo:   make(map[string]bool),
	}
	n.VM = vm.New(cfg.ID, cfg.Host, n.variables, BytecodeSize, StackSize)

	for _, v := range set.Variables() {
		if _, err := n.table.AddVariable(v.Name, int(v.Size)); err != nil {
			return nil, fmt.Errorf("node %d base set %q: %w", cfg.ID, set.Name(), err)
		}
	}
	for _, e := range set.Events() {
		if err := n.table.AddEvent(e.Name, e.Description); err != nil {
			return nil, fmt.Errorf("node %d base set %q: %w", cfg.ID, set.Name(), err)
		}
	}
	for _, nat := range n.natives {
		if err := n.table.addBuiltin(nat.Description); err != nil {
			return nil, fmt.Errorf("node %d base set %q: %w", cfg.ID, set.Name(), err)
		}
	}
	n.Reset()
	n.state = StateIdle
	n.log.Debug(context.Background(), "node created",
		logging.Int("variables", n.table.Cursor()),
		logging.Int("events", n.table.EventCount()),
		logging.Int("functions", n.table.FunctionCount()))
	return n, nil
}

// DefaultStableID derives a stable identifier from the node id, for nodes
// created without one.
func DefaultStableID(id uint16) uuid.UUID {
	var u uuid.UUID
	copy(u[:], fmt.Sprintf("aseba-hub %06d", id))
	return u
}

func (n *Node) ID() uint16                  { return n.id }
func (n *Node) Name() string                { return n.name }
func (n *Node) FriendlyName() string        { return n.friendlyName }
func (n *Node) StableID() uuid.UUID         { return n.stableID }
func (n *Node) State() State                { return n.state }
func (n *Node) Finalized() bool             { return n.state == StateFinalized }
func (n *Node) Set() CapabilitySet          { return n.set }
func (n *Node) Table() *CapabilityTable     { return n.table }
func (n *Node) Source() string              { return n.source }
func (n *Node) Logger() logging.Logger      { return n.log }
func (n *Node) Variables() []int16          { return n.variables }
func (n *Node) SetStableID(id uuid.UUID)    { n.stableID = id }
func (n *Node) SetFriendlyName(name string) { n.friendlyName = name }

// Definitions are the shared events and constants scripts compile against.
func (n *Node) Definitions() model.CommonDefinitions { return n.definitions }

func (n *Node) SetDefinitions(d model.CommonDefinitions) { n.definitions = d }

// Activate finalizes the node so that it takes part in stepping.
func (n *Node) Activate() {
	if n.state == StateIdle {
		n.state = StateFinalized
	}
}

// Destroy moves the node to its terminal state. The caller must already
// have removed it from every lookup structure.
func (n *Node) Destroy() {
	n.state = StateDestroyed
	n.hasMessage = false
	n.VM.Init()
}

// Halt drops the program after an engine fault and leaves the engine
// stopped. Variables, capabilities and identity survive.
func (n *Node) Halt() {
	clear(n.VM.Bytecode)
	n.VM.ClearBreakpoints()
	n.VM.Flags = vm.FlagStepByStep
	n.source = ""
}

// Summary describes the node for listings.
func (n *Node) Summary(port int) model.NodeSummary {
	return model.NodeSummary{
		ID:           n.id,
		Name:         n.name,
		FriendlyName: n.friendlyName,
		Port:         port,
		Kind:         n.set.Name(),
		Finalized:    n.Finalized(),
	}
}

// Description returns the current capability snapshot.
func (n *Node) Description() *model.TargetDescription {
	return n.table.Snapshot(BytecodeSize, StackSize)
}

// Reset restores the reserved variables and the variant defaults. The
// capability table and identity are left alone.
func (n *Node) Reset() {
	n.variables[vm.SlotID] = int16(n.id)
	if r, ok := n.table.Variable(ProductIDVariable); ok {
		n.variables[r.Offset] = n.set.ProductID()
	}
	if n.behavior != nil {
		n.behavior.Reset(n)
	}
}

// Step runs the variant behaviour and then the engine for at most
// vm.DefaultRunLimit instructions. Nodes that are not finalized are inert.
func (n *Node) Step(dt time.Duration) {
	if n.state != StateFinalized {
		return
	}
	if n.behavior != nil {
		n.behavior.BeforeRun(n, dt)
	}
	n.VM.Run(vm.DefaultRunLimit)
	if n.behavior != nil {
		n.behavior.AfterRun(n)
	}
}

// Deliver hands a frame to the engine and lets it run. The engine reads the
// frame back exactly once through TakeMessage.
func (n *Node) Deliver(f protocol.Frame) {
	n.lastMessage = f
	n.hasMessage = true
	n.VM.ProcessIncomingEvents()
	n.hasMessage = false
	n.VM.Run(vm.DefaultRunLimit)
}

// TakeMessage returns the frame being delivered, once.
func (n *Node) TakeMessage() (protocol.Frame, bool) {
	if !n.hasMessage {
		return protocol.Frame{}, false
	}
	n.hasMessage = false
	return n.lastMessage, true
}

// LastMessage is the most recently delivered frame.
func (n *Node) LastMessage() protocol.Frame { return n.lastMessage }

// Emit fires a local event by name.
func (n *Node) Emit(name string) error {
	i, ok := n.table.EventIndex(name)
	if !ok {
		return fmt.Errorf("event %q: %w", name, ErrUnknownName)
	}
	return n.EmitIndex(i)
}

// EmitIndex fires the i-th local event. In step-by-step mode an active
// event is never preempted and the call is a no-op. A node that is not
// finalized only has the event set up; it executes on the first Step after
// Activate.
func (n *Node) EmitIndex(i int) error {
	if i < 0 || i >= n.table.EventCount() {
		return fmt.Errorf("event #%d: %w", i, ErrUnknownName)
	}
	if n.VM.IsStepByStep() && n.VM.IsEventActive() {
		return nil
	}
	n.variables[vm.SlotSource] = int16(n.id)
	n.VM.SetupEvent(vm.LocalEventID(i))
	if n.state == StateFinalized {
		n.VM.Run(vm.DefaultRunLimit)
	}
	return nil
}

// AddVariable extends the table with a zeroed region.
func (n *Node) AddVariable(name string, size int) error {
	r, err := n.table.AddVariable(name, size)
	if err != nil {
		n.log.Warn(context.Background(), "variable rejected", logging.String("name", name), logging.Err(err))
		return err
	}
	clear(n.variables[r.Offset : r.Offset+r.Size])
	return nil
}

func (n *Node) AddEvent(name, description string) error {
	if err := n.table.AddEvent(name, description); err != nil {
		n.log.Warn(context.Background(), "event rejected", logging.String("name", name), logging.Err(err))
		return err
	}
	return nil
}

// AddFunction exposes the host function registered as callback to scripts.
func (n *Node) AddFunction(name, description string, args []model.FunctionArgument, callback string) error {
	if err := n.table.AddFunction(name, description, args, callback); err != nil {
		n.log.Warn(context.Background(), "function rejected", logging.String("name", name), logging.Err(err))
		return err
	}
	return nil
}

// GetVariable returns a copy of the named region.
func (n *Node) GetVariable(name string) ([]int16, error) {
	r, ok := n.table.Variable(name)
	if !ok {
		return nil, fmt.Errorf("variable %q: %w", name, ErrUnknownName)
	}
	return append([]int16(nil), n.variables[r.Offset:r.Offset+r.Size]...), nil
}

// SetVariable overwrites the first len(values) words of the named region.
// Extra values are ignored.
func (n *Node) SetVariable(name string, values []int16) error {
	r, ok := n.table.Variable(name)
	if !ok {
		return fmt.Errorf("variable %q: %w", name, ErrUnknownName)
	}
	copy(n.variables[r.Offset:r.Offset+r.Size], values)
	return nil
}

// SendDeviceInfoOnce pushes the stable id and friendly name to a
// connection the first time it asks. It reports whether anything was sent.
func (n *Node) SendDeviceInfoOnce(conn string) bool {
	if n.deviceInfo[conn] {
		return false
	}
	n.deviceInfo[conn] = true
	n.SendDeviceInfo()
	return true
}

// SendDeviceInfo pushes the stable id, and the friendly name when set.
func (n *Node) SendDeviceInfo() {
	n.host.SendMessage(n.VM, protocol.DeviceInfo(protocol.DeviceInfoUUID, n.stableID[:]))
	if n.friendlyName != "" {
		n.host.SendMessage(n.VM, protocol.DeviceInfo(protocol.DeviceInfoName, []byte(n.friendlyName)))
	}
}

// ForgetConnection drops the device-info marker of a closed connection.
func (n *Node) ForgetConnection(conn string) { delete(n.deviceInfo, conn) }

// CallNative dispatches function id: builtins first, then host functions.
func (n *Node) CallNative(id uint16) {
	if int(id) < len(n.natives) {
		n.natives[id].Fn(n.VM)
		return
	}
	n.callHostFunction(int(id))
}
