package network

import (
	"context"
	"errors"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/aseba-hub/core"
	"github.com/signalsfoundry/aseba-hub/protocol"
	"github.com/signalsfoundry/aseba-hub/registry"
	"github.com/signalsfoundry/aseba-hub/vm"
)

func TestFreeID(t *testing.T) {
	m := newTestManager(t, nil)
	for _, id := range []int{0, 1, 3} {
		createNode(t, m, id)
	}

	tests := []struct {
		name      string
		preferred int
		want      uint16
	}{
		{"free preferred", 5, 5},
		{"taken preferred", 3, 2},
		{"negative", -1, 2},
		{"zero is never preferred", 0, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.FreeID(tt.preferred)
			if err != nil || got != tt.want {
				t.Fatalf("FreeID(%d) = %d, %v; want %d", tt.preferred, got, err, tt.want)
			}
		})
	}
}

func TestCreateNodeWithTakenIDGetsLowestFree(t *testing.T) {
	m := newTestManager(t, nil)
	createNode(t, m, 0)
	createNode(t, m, 4)

	n := createNode(t, m, 4)
	if n.ID() != 1 {
		t.Fatalf("id = %d, want 1", n.ID())
	}
	if got := len(m.ListNodes(0)); got != 3 {
		t.Fatalf("ListNodes(0) has %d nodes, want 3", got)
	}
}

func TestCreateThymioNode(t *testing.T) {
	m := newTestManager(t, nil)
	n, err := m.CreateNode(NodeSpec{ID: 2, Name: "thymio-II"})
	if err != nil {
		t.Fatalf("CreateNode error: %v", err)
	}
	if n.Set().Name() != "thymio-II" {
		t.Fatalf("set = %q, want thymio-II", n.Set().Name())
	}
	summary := m.ListNodes(-1)[0]
	if summary.Kind != "thymio-II" || summary.ID != 2 {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestDestroyNodeClosesEmptyHub(t *testing.T) {
	m := newTestManager(t, nil)
	createNode(t, m, 1)
	createNode(t, m, 2)

	if err := m.DestroyNode(1); err != nil {
		t.Fatalf("DestroyNode error: %v", err)
	}
	if m.Hub(0) == nil {
		t.Fatalf("hub closed while a node remains")
	}
	if _, err := m.Node(1); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("Node(1) error = %v, want ErrNodeNotFound", err)
	}
	if err := m.DestroyNode(1); !errors.Is(err, ErrNodeNotFound) {
		t.Fatalf("second DestroyNode error = %v, want ErrNodeNotFound", err)
	}

	n2, _ := m.Node(2)
	if err := m.DestroyNode(2); err != nil {
		t.Fatalf("DestroyNode error: %v", err)
	}
	if m.Hub(0) != nil {
		t.Fatalf("hub still open without nodes")
	}
	if n2.State() != core.StateDestroyed {
		t.Fatalf("state = %v, want destroyed", n2.State())
	}
}

func TestNodeGaugeFollowsRegistry(t *testing.T) {
	metrics := newCountingMetrics()
	m := newTestManager(t, metrics)
	createNode(t, m, 1)
	createNode(t, m, 2)
	if got := metrics.nodesOn(0); got != 2 {
		t.Fatalf("nodes gauge = %d, want 2", got)
	}

	var events []registry.Event
	unsubscribe := m.Registry().Subscribe(func(ev registry.Event) { events = append(events, ev) })
	defer unsubscribe()

	if err := m.DestroyNode(1); err != nil {
		t.Fatalf("DestroyNode error: %v", err)
	}
	if got := metrics.nodesOn(0); got != 1 {
		t.Fatalf("nodes gauge = %d after destroy, want 1", got)
	}
	m.DestroyAllNodes()
	if got := metrics.nodesOn(0); got != 0 {
		t.Fatalf("nodes gauge = %d after destroying all, want 0", got)
	}
	if len(events) != 2 || events[0].NodeID != 1 || events[1].Type != registry.EventNodeRemoved {
		t.Fatalf("registry events = %+v", events)
	}
}

func TestRemoveNetwork(t *testing.T) {
	m := newTestManager(t, nil)
	createNode(t, m, 1)
	createNode(t, m, 2)

	if err := m.RemoveNetwork(0); err != nil {
		t.Fatalf("RemoveNetwork error: %v", err)
	}
	if m.Registry().Len() != 0 || len(m.Ports()) != 0 {
		t.Fatalf("registry has %d nodes and %d ports after removal", m.Registry().Len(), len(m.Ports()))
	}
	if err := m.RemoveNetwork(0); !errors.Is(err, ErrNetworkNotFound) {
		t.Fatalf("RemoveNetwork error = %v, want ErrNetworkNotFound", err)
	}
}

func TestSetAddressAppliesToNewHubs(t *testing.T) {
	m := NewManager(ManagerOptions{})
	t.Cleanup(m.Close)
	m.SetAddress("127.0.0.1")
	createNode(t, m, 1)

	addr, ok := m.Hub(0).Addr().(*net.TCPAddr)
	if !ok || !addr.IP.IsLoopback() {
		t.Fatalf("hub address = %v, want loopback", m.Hub(0).Addr())
	}
}

func TestNodeOperationsOnUnknownID(t *testing.T) {
	m := newTestManager(t, nil)
	ctx := context.Background()
	checks := map[string]error{
		"AddVariable":        m.AddVariable(9, "x", 1),
		"AddEvent":           m.AddEvent(9, "e", ""),
		"SetVariable":        m.SetVariable(9, "x", []int16{1}),
		"EmitEvent":          m.EmitEvent(9, "e"),
		"LoadScriptFromText": m.LoadScriptFromText(ctx, 9, "var x"),
		"SetFriendlyName":    m.SetFriendlyName(9, "x"),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNodeNotFound) {
			t.Errorf("%s error = %v, want ErrNodeNotFound", name, err)
		}
	}
}

func TestLoadScriptFromFile(t *testing.T) {
	m := newTestManager(t, nil)
	createNode(t, m, 3)
	if err := m.AddVariable(3, "counter", 1); err != nil {
		t.Fatalf("AddVariable error: %v", err)
	}
	path := filepath.Join(t.TempDir(), "count.aesl")
	src := `<!DOCTYPE aesl-source>
<network>
<node nodeId="3" name="node">counter = 77</node>
</network>`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	if err := m.LoadScriptFromFile(context.Background(), 3, path); err != nil {
		t.Fatalf("LoadScriptFromFile error: %v", err)
	}
	m.Spin(10 * time.Millisecond)
	if got, _ := m.GetVariable(3, "counter"); got[0] != 77 {
		t.Fatalf("counter = %d, want 77", got[0])
	}

	err := m.LoadScriptFromText(context.Background(), 3, "counter = ")
	if !errors.Is(err, core.ErrCompileFailure) {
		t.Fatalf("bad script error = %v, want ErrCompileFailure", err)
	}
}

func TestDoRunsOnSpin(t *testing.T) {
	m := newTestManager(t, nil)
	createNode(t, m, 1)

	result := make(chan error, 1)
	go func() {
		result <- m.Do(context.Background(), func(m *Manager) error {
			return m.AddVariable(1, "queued", 2)
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		m.Spin(time.Millisecond)
		select {
		case err := <-result:
			if err != nil {
				t.Fatalf("Do error: %v", err)
			}
			if got, err := m.GetVariable(1, "queued"); err != nil || len(got) != 2 {
				t.Fatalf("queued = %v, %v", got, err)
			}
			return
		default:
		}
		if time.Now().After(deadline) {
			t.Fatalf("command never ran")
		}
	}
}

func TestDoAfterClose(t *testing.T) {
	m := newTestManager(t, nil)
	m.Close()
	err := m.Do(context.Background(), func(*Manager) error { return nil })
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("Do error = %v, want ErrManagerClosed", err)
	}
	if _, err := m.CreateNode(NodeSpec{ID: 1}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("CreateNode error = %v, want ErrManagerClosed", err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	m := newTestManager(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Do(ctx, func(*Manager) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do error = %v, want deadline exceeded", err)
	}
}

func TestDoDropsCommandAfterDeadline(t *testing.T) {
	m := newTestManager(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := m.Do(ctx, func(*Manager) error {
		ran = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Do error = %v, want deadline exceeded", err)
	}

	m.Spin(time.Millisecond)
	if ran {
		t.Fatalf("command ran after its deadline")
	}
}

func TestFaultHaltsOnlyFaultingNode(t *testing.T) {
	metrics := newCountingMetrics()
	m := newTestManager(t, metrics)
	bad := createNode(t, m, 1)
	good := createNode(t, m, 2)
	if err := good.AddVariable("ticks", 1); err != nil {
		t.Fatalf("AddVariable error: %v", err)
	}
	if err := good.LoadScript("ticks = 5"); err != nil {
		t.Fatalf("LoadScript error: %v", err)
	}
	c := connect(t, m, metrics)

	// The init vector points past the end of the bytecode.
	bad.VM.DebugMessage(protocol.SetBytecodeCommand(1, 0, []uint16{3, vm.EventInit, 2000}))
	bad.VM.DebugMessage(protocol.Command(protocol.TypeRun, 1))
	m.Spin(10 * time.Millisecond)

	if metrics.snapshot().faults != 1 {
		t.Fatalf("faults = %d, want 1", metrics.snapshot().faults)
	}
	if bad.VM.Flags != vm.FlagStepByStep || bad.VM.EventAddress(vm.EventInit) != 0 {
		t.Fatalf("faulting node not halted: flags %v", bad.VM.Flags)
	}
	if _, err := m.Node(1); err != nil {
		t.Fatalf("faulting node was removed: %v", err)
	}
	if got, _ := good.GetVariable("ticks"); got[0] != 5 {
		t.Fatalf("other node ticks = %d, want 5", got[0])
	}

	f := expectFrame(t, c, protocol.TypeNodeSpecificError)
	if f.Source != 1 {
		t.Fatalf("error source = %d, want 1", f.Source)
	}
}

func TestSetDeviceInfoUpdatesIdentity(t *testing.T) {
	metrics := newCountingMetrics()
	m := newTestManager(t, metrics)
	n := createNode(t, m, 6)
	c := connect(t, m, metrics)

	stable := uuid.MustParse("8f1d4b3e-52a7-4c09-9c1b-3a5d6e7f8091")
	send(t, c,
		protocol.SetDeviceInfoCommand(6, protocol.DeviceInfoUUID, stable[:]),
		protocol.SetDeviceInfoCommand(6, protocol.DeviceInfoName, []byte("bench")),
	)
	spinUntil(t, m, "device info", func() bool { return n.FriendlyName() == "bench" })
	if n.StableID() != stable {
		t.Fatalf("stable id = %v, want %v", n.StableID(), stable)
	}

	before := metrics.snapshot().unicast
	send(t, c, protocol.Command(protocol.TypeGetDeviceInfo, 6))
	spinUntil(t, m, "device info request", func() bool { return metrics.snapshot().unicast > before })
	f := expectFrame(t, c, protocol.TypeDeviceInfo)
	info, err := protocol.DecodeDeviceInfo(f.Payload)
	if err != nil || info.Kind != protocol.DeviceInfoUUID {
		t.Fatalf("device info = %+v, %v", info, err)
	}
}

func TestWebSocketClient(t *testing.T) {
	metrics := newCountingMetrics()
	m := NewManager(ManagerOptions{
		Hub: HubOptions{
			Address:       "127.0.0.1",
			PollTimeout:   2 * time.Millisecond,
			WebSocketAddr: "127.0.0.1:0",
		},
		Metrics: metrics,
	})
	t.Cleanup(m.Close)
	createNode(t, m, 8)

	u := url.URL{Scheme: "ws", Host: m.Hub(0).WebSocketAddr().String(), Path: "/"}
	ws, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	spinUntil(t, m, "websocket accepted", func() bool { return metrics.snapshot().accepted == 1 })

	req, err := protocol.Frame{Message: protocol.NewMessage(protocol.TypeListNodes, protocol.Version)}.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteMessage(websocket.BinaryMessage, req); err != nil {
		t.Fatalf("websocket write: %v", err)
	}
	spinUntil(t, m, "broadcast", func() bool { return metrics.snapshot().bcast == 1 })

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("websocket read: %v", err)
		}
		var f protocol.Frame
		if err := f.UnmarshalBinary(data); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if f.Type == protocol.TypeNodePresent {
			if f.Source != 8 {
				t.Fatalf("source = %d, want 8", f.Source)
			}
			return
		}
	}
}
