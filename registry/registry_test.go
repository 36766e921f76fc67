package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/signalsfoundry/aseba-hub/core"
	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/protocol"
	"github.com/signalsfoundry/aseba-hub/vm"
)

type nopHost struct{}

func (nopHost) SendMessage(*vm.VM, protocol.Message)         {}
func (nopHost) ReceiveMessage(*vm.VM) (protocol.Frame, bool) { return protocol.Frame{}, false }
func (nopHost) Description(*vm.VM) *model.TargetDescription  { return &model.TargetDescription{} }
func (nopHost) NativeFunction(*vm.VM, uint16)                {}
func (nopHost) Reset(*vm.VM)                                 {}
func (nopHost) Fault(*vm.VM, *vm.Fault)                      {}
func (nopHost) Notify(*vm.VM, protocol.Message)              {}

func newNode(t *testing.T, id uint16) *core.Node {
	t.Helper()
	n, err := core.NewNode(core.NodeConfig{ID: id, Host: nopHost{}})
	if err != nil {
		t.Fatalf("NewNode error: %v", err)
	}
	return n
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	n := newNode(t, 7)
	if err := r.Register(n, 33333); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	byID, err := r.LookupByID(7)
	if err != nil || byID.Node != n || byID.Port != 33333 {
		t.Fatalf("LookupByID = %+v, %v", byID, err)
	}
	byVM, err := r.LookupByVM(n.VM)
	if err != nil || byVM.Node != n {
		t.Fatalf("LookupByVM = %+v, %v", byVM, err)
	}
	if !r.Has(7) || r.Len() != 1 {
		t.Fatalf("Has/Len disagree after Register")
	}
	if err := r.Register(newNode(t, 7), 33334); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate Register error = %v, want ErrDuplicateID", err)
	}
}

func TestUnregisterRemovesBothMappings(t *testing.T) {
	r := New()
	n := newNode(t, 3)
	if err := r.Register(n, 1); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if _, err := r.Unregister(3); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}
	if _, err := r.LookupByID(3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupByID after Unregister error = %v", err)
	}
	if _, err := r.LookupByVM(n.VM); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupByVM after Unregister error = %v", err)
	}
	if _, err := r.Unregister(3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Unregister error = %v, want ErrNotFound", err)
	}
}

func TestEntriesKeepRegistrationOrder(t *testing.T) {
	r := New()
	ports := map[uint16]int{9: 1, 2: 2, 5: 1, 4: 1}
	for _, id := range []uint16{9, 2, 5, 4} {
		if err := r.Register(newNode(t, id), ports[id]); err != nil {
			t.Fatalf("Register(%d) error: %v", id, err)
		}
	}
	if _, err := r.Unregister(5); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}

	tests := []struct {
		port int
		want []uint16
	}{
		{-1, []uint16{9, 2, 4}},
		{1, []uint16{9, 4}},
		{2, []uint16{2}},
		{3, nil},
	}
	for _, tc := range tests {
		got := r.Entries(tc.port)
		if len(got) != len(tc.want) {
			t.Fatalf("Entries(%d) returned %d entries, want %d", tc.port, len(got), len(tc.want))
		}
		for i, e := range got {
			if e.Node.ID() != tc.want[i] {
				t.Fatalf("Entries(%d)[%d] = %d, want %d", tc.port, i, e.Node.ID(), tc.want[i])
			}
		}
	}
}

func TestSubscribe(t *testing.T) {
	r := New()
	var got []Event
	unsubscribe := r.Subscribe(func(ev Event) { got = append(got, ev) })

	if err := r.Register(newNode(t, 1), 10); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if _, err := r.Unregister(1); err != nil {
		t.Fatalf("Unregister error: %v", err)
	}
	if len(got) != 2 || got[0].Type != EventNodeAdded || got[1].Type != EventNodeRemoved || got[1].Port != 10 {
		t.Fatalf("events = %+v", got)
	}

	unsubscribe()
	if err := r.Register(newNode(t, 2), 10); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unsubscribed callback still called: %+v", got)
	}
}

func TestConcurrentLookups(t *testing.T) {
	r := New()
	nodes := make([]*core.Node, 8)
	for i := range nodes {
		nodes[i] = newNode(t, uint16(i))
	}

	var wg sync.WaitGroup
	for i, n := range nodes {
		i, n := i, n
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Register(n, i%2)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.LookupByID(uint16(i))
			_ = r.Entries(-1)
		}()
	}
	wg.Wait()
	if r.Len() != len(nodes) {
		t.Fatalf("Len = %d, want %d", r.Len(), len(nodes))
	}
}
