package network

import (
	"context"

	"github.com/google/uuid"

	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/protocol"
	"github.com/signalsfoundry/aseba-hub/registry"
	"github.com/signalsfoundry/aseba-hub/vm"
)

// Engine callbacks. Each starts by recovering the node from the VM; a VM
// that is no longer registered is being torn down and is ignored.

func (m *Manager) entry(v *vm.VM) (registry.Entry, bool) {
	e, err := m.registry.LookupByVM(v)
	if err != nil {
		m.log.Debug(context.Background(), "callback from unregistered vm", logging.Uint16("node_id", v.NodeID))
		return registry.Entry{}, false
	}
	return e, true
}

func (m *Manager) SendMessage(v *vm.VM, msg protocol.Message) {
	e, ok := m.entry(v)
	if !ok {
		return
	}
	if h := m.hubs[e.Port]; h != nil {
		h.send(e.Node, msg)
	}
}

func (m *Manager) ReceiveMessage(v *vm.VM) (protocol.Frame, bool) {
	e, ok := m.entry(v)
	if !ok {
		return protocol.Frame{}, false
	}
	return e.Node.TakeMessage()
}

func (m *Manager) Description(v *vm.VM) *model.TargetDescription {
	e, ok := m.entry(v)
	if !ok {
		return &model.TargetDescription{}
	}
	return e.Node.Description()
}

func (m *Manager) NativeFunction(v *vm.VM, id uint16) {
	if e, ok := m.entry(v); ok {
		e.Node.CallNative(id)
	}
}

func (m *Manager) Reset(v *vm.VM) {
	if e, ok := m.entry(v); ok {
		e.Node.Reset()
	}
}

// Fault halts the faulting node only and tells the client why.
func (m *Manager) Fault(v *vm.VM, f *vm.Fault) {
	m.metrics.VMFault(v.NodeID)
	e, ok := m.entry(v)
	if !ok {
		return
	}
	m.log.Error(context.Background(), "vm fault, halting node",
		logging.Uint16("node_id", v.NodeID), logging.Int("pc", int(f.PC)), logging.Err(f.Err))
	e.Node.Halt()
	if h := m.hubs[e.Port]; h != nil {
		h.send(e.Node, protocol.NodeSpecificError(f.PC, f.Err.Error()))
	}
}

// Notify handles requests the engine leaves to its host.
func (m *Manager) Notify(v *vm.VM, msg protocol.Message) {
	e, ok := m.entry(v)
	if !ok {
		return
	}
	ctx := context.Background()
	n := e.Node
	switch msg.Type {
	case protocol.TypeGetDeviceInfo:
		n.SendDeviceInfo()

	case protocol.TypeSetDeviceInfo:
		info, err := protocol.DecodeDeviceInfo(msg.Payload)
		if err != nil {
			m.log.Warn(ctx, "bad device info", logging.Uint16("node_id", n.ID()), logging.Err(err))
			return
		}
		switch info.Kind {
		case protocol.DeviceInfoUUID:
			id, err := uuid.FromBytes(info.Data)
			if err != nil {
				m.log.Warn(ctx, "bad stable id", logging.Uint16("node_id", n.ID()), logging.Err(err))
				return
			}
			n.SetStableID(id)
		case protocol.DeviceInfoName:
			n.SetFriendlyName(string(info.Data))
		}
		m.log.Info(ctx, "device info updated", logging.Uint16("node_id", n.ID()), logging.Int("kind", int(info.Kind)))

	default:
		m.log.Info(ctx, "request not supported by simulated nodes",
			logging.Uint16("node_id", n.ID()), logging.String("type", protocol.TypeName(msg.Type)))
	}
}
