package core

import (
	"time"

	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/vm"
)

// Product ids advertised through the _productId variable.
const (
	ProductUndefined int16 = 0
	ProductEPuck     int16 = 4
	ProductThymio2   int16 = 8
)

// ProductIDVariable is the reserved variable holding the product id.
const ProductIDVariable = "_productId"

// CapabilitySet is the static base surface of a node variant. A node copies
// it into its CapabilityTable once, at creation.
type CapabilitySet interface {
	// Name is the node class name advertised in descriptions.
	Name() string
	ProductID() int16
	Variables() []model.VariableDescription
	Events() []model.EventDescription
	Functions() []model.FunctionDescription
	// Natives are the builtins, in function id order.
	Natives() []vm.Native
	// Behavior returns fresh per-node state, or nil when the variant has no
	// behaviour of its own.
	Behavior() Behavior
}

// Behavior drives variant-specific state around each step of a node.
type Behavior interface {
	// Reset restores the variant's variable defaults.
	Reset(n *Node)
	// BeforeRun runs before the engine, typically firing timer events.
	BeforeRun(n *Node, dt time.Duration)
	// AfterRun observes variables the script may have written.
	AfterRun(n *Node)
}

func functionsOf(natives []vm.Native) []model.FunctionDescription {
	out := make([]model.FunctionDescription, len(natives))
	for i, n := range natives {
		out[i] = n.Description
	}
	return out
}

// GenericSet is the minimal "node" surface: id, source, args and the product
// id, the standard natives and no local events.
type GenericSet struct{}

func (GenericSet) Name() string       { return "node" }
func (GenericSet) ProductID() int16   { return ProductUndefined }
func (GenericSet) Behavior() Behavior { return nil }

func (GenericSet) Variables() []model.VariableDescription {
	return []model.VariableDescription{
		{Name: "id", Size: 1},
		{Name: "source", Size: 1},
		{Name: "args", Size: vm.MaxEventArgs},
		{Name: ProductIDVariable, Size: 1},
	}
}

func (GenericSet) Events() []model.EventDescription { return nil }

func (s GenericSet) Functions() []model.FunctionDescription { return functionsOf(s.Natives()) }

func (GenericSet) Natives() []vm.Native { return vm.StdNatives() }

// SetByName returns the capability set for a node class name. Unknown names
// get the generic set.
func SetByName(name string) CapabilitySet {
	switch name {
	case ThymioName:
		return NewThymioSet()
	case EPuckName:
		return NewEPuckSet()
	default:
		return GenericSet{}
	}
}
