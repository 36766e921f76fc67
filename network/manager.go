// Package network hosts nodes behind per-port hubs speaking the Aseba wire
// protocol, and exposes the node-management API used by embedders.
package network

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/aseba-hub/core"
	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/model"
	"github.com/signalsfoundry/aseba-hub/registry"
)

const tracerName = "github.com/signalsfoundry/aseba-hub/network"

var (
	// ErrNodeNotFound is returned for ids that are not registered. It is
	// registry.ErrNotFound, so either sentinel matches.
	ErrNodeNotFound    = registry.ErrNotFound
	ErrNodeExists      = errors.New("node already exists")
	ErrNetworkNotFound = errors.New("no network on port")
	ErrNoFreeID        = errors.New("no free node id")
	ErrManagerClosed   = errors.New("manager closed")
)

// ManagerOptions configure a Manager. Hub options apply to every hub it
// creates.
type ManagerOptions struct {
	Hub HubOptions
	// WebSocketOffset, when positive, makes every hub also accept WebSocket
	// clients on its port plus the offset.
	WebSocketOffset int

	Logger  logging.Logger
	Metrics Metrics
	Tracer  trace.Tracer
}

// NodeSpec describes a node to create.
type NodeSpec struct {
	// ID is the requested id. A negative or taken id gets the lowest free one.
	ID   int
	Port int
	// Kind selects the capability set; it defaults to Name.
	Kind         string
	Name         string
	StableID     uuid.UUID
	FriendlyName string
}

type command struct {
	ctx  context.Context
	fn   func(*Manager) error
	done chan error
}

// Manager owns the hubs, keyed by port, and the registry of their nodes. It
// implements vm.Host for every node it creates.
//
// Spin and every node operation must run on one goroutine, the tick
// goroutine. Other goroutines submit work through Do.
type Manager struct {
	opts      ManagerOptions
	log       logging.Logger
	metrics   Metrics
	tracer    trace.Tracer
	registry  *registry.Registry
	callbacks *core.Callbacks

	hubs map[int]*Hub

	cmds      chan command
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Noop()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.Hub.Logger == nil {
		opts.Hub.Logger = opts.Logger
	}
	if opts.Hub.Metrics == nil {
		opts.Hub.Metrics = opts.Metrics
	}
	m := &Manager{
		opts:      opts,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		registry:  registry.New(),
		callbacks: core.NewCallbacks(),
		hubs:      make(map[int]*Hub),
		cmds:      make(chan command, 64),
		done:      make(chan struct{}),
	}
	m.registry.Subscribe(m.onRegistryEvent)
	return m
}

// onRegistryEvent keeps the per-port node gauge and the lifecycle log in
// step with the registry.
func (m *Manager) onRegistryEvent(ev registry.Event) {
	ctx := context.Background()
	m.metrics.SetNodes(ev.Port, len(m.registry.Entries(ev.Port)))
	switch ev.Type {
	case registry.EventNodeAdded:
		fields := []logging.Field{
			logging.Uint16("node_id", ev.NodeID), logging.String("node_name", ev.Name), logging.Int("port", ev.Port),
		}
		if e, err := m.registry.LookupByID(ev.NodeID); err == nil {
			fields = append(fields, logging.String("stable_id", e.Node.StableID().String()))
		}
		m.log.Info(ctx, "node created", fields...)
	case registry.EventNodeRemoved:
		m.log.Info(ctx, "node destroyed", logging.Uint16("node_id", ev.NodeID), logging.Int("port", ev.Port))
	}
}

// Registry exposes the node lookup. It is safe for concurrent reads.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// RegisterHostFunction makes fn callable from scripts of any node that
// declared a function with callback name.
func (m *Manager) RegisterHostFunction(name string, fn core.HostFunction) {
	m.callbacks.Register(name, fn)
}

// Do runs fn on the tick goroutine during the next Spin and returns its
// error. It must not be called from the tick goroutine itself. A command
// whose ctx is done by the time it is dequeued is dropped without running.
func (m *Manager) Do(ctx context.Context, fn func(*Manager) error) error {
	c := command{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case m.cmds <- c:
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runCommands() {
	for {
		select {
		case c := <-m.cmds:
			if err := c.ctx.Err(); err != nil {
				c.done <- err
				continue
			}
			c.done <- c.fn(m)
		default:
			return
		}
	}
}

// Spin runs queued commands, then one tick of every hub in port order.
func (m *Manager) Spin(dt time.Duration) {
	start := time.Now()
	m.runCommands()
	for _, port := range m.Ports() {
		if h := m.hubs[port]; h != nil {
			h.Spin(dt)
		}
	}
	m.metrics.ObserveSpin(time.Since(start))
}

// Ports returns the ports with a hub, ascending.
func (m *Manager) Ports() []int {
	ports := make([]int, 0, len(m.hubs))
	for p := range m.hubs {
		ports = append(ports, p)
	}
	slices.Sort(ports)
	return ports
}

// Hub returns the hub listening on port, or nil.
func (m *Manager) Hub(port int) *Hub { return m.hubs[port] }

// SetAddress changes the host address of hubs opened from now on. Open
// hubs keep listening where they are.
func (m *Manager) SetAddress(addr string) { m.opts.Hub.Address = addr }

func (m *Manager) hub(port int) (*Hub, error) {
	if h, ok := m.hubs[port]; ok {
		return h, nil
	}
	opts := m.opts.Hub
	if m.opts.WebSocketOffset > 0 && opts.WebSocketAddr == "" {
		opts.WebSocketAddr = net.JoinHostPort(opts.withDefaults().Address, strconv.Itoa(port+m.opts.WebSocketOffset))
	}
	h, err := Listen(port, opts)
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	m.hubs[port] = h
	return h, nil
}

func (m *Manager) closeHub(port int) {
	h, ok := m.hubs[port]
	if !ok {
		return
	}
	delete(m.hubs, port)
	if err := h.Close(); err != nil {
		m.log.Warn(context.Background(), "closing hub", logging.Int("port", port), logging.Err(err))
	}
}

// FreeID returns preferred when it is positive and free, else the lowest
// free id.
func (m *Manager) FreeID(preferred int) (uint16, error) {
	if preferred > 0 && preferred <= math.MaxUint16 && !m.registry.Has(uint16(preferred)) {
		return uint16(preferred), nil
	}
	for id := 0; id <= math.MaxUint16; id++ {
		if !m.registry.Has(uint16(id)) {
			return uint16(id), nil
		}
	}
	return 0, ErrNoFreeID
}

// CreateNode creates a node on spec.Port, opening the port's hub if needed.
// The node is stepped from the next spin on.
func (m *Manager) CreateNode(spec NodeSpec) (*core.Node, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	ctx := context.Background()
	id, err := m.FreeID(spec.ID)
	if err != nil {
		return nil, err
	}
	if spec.ID >= 0 && int(id) != spec.ID {
		m.log.Info(ctx, "requested node id unavailable",
			logging.Int("requested", spec.ID), logging.Uint16("node_id", id))
	}
	kind := spec.Kind
	if kind == "" {
		kind = spec.Name
	}

	h, err := m.hub(spec.Port)
	if err != nil {
		return nil, err
	}
	n, err := core.NewNode(core.NodeConfig{
		ID:           id,
		Set:          core.SetByName(kind),
		Name:         spec.Name,
		StableID:     spec.StableID,
		FriendlyName: spec.FriendlyName,
		Host:         m,
		Callbacks:    m.callbacks,
		Logger:       m.log,
	})
	if err == nil {
		err = m.registry.Register(n, spec.Port)
		if errors.Is(err, registry.ErrDuplicateID) {
			err = fmt.Errorf("%w: %w", ErrNodeExists, err)
		}
	}
	if err != nil {
		if len(h.nodes) == 0 {
			m.closeHub(spec.Port)
		}
		return nil, err
	}
	h.addNode(n)
	return n, nil
}

// Node returns a registered node.
func (m *Manager) Node(id uint16) (*core.Node, error) {
	e, err := m.registry.LookupByID(id)
	if err != nil {
		return nil, err
	}
	return e.Node, nil
}

// DestroyNode unregisters the node, detaches it from its hub and destroys
// it. A hub left without nodes is closed.
func (m *Manager) DestroyNode(id uint16) error {
	e, err := m.registry.Unregister(id)
	if err != nil {
		return err
	}
	if h, ok := m.hubs[e.Port]; ok {
		h.removeNode(id)
		if len(h.nodes) == 0 {
			m.closeHub(e.Port)
		}
	}
	e.Node.Destroy()
	return nil
}

func (m *Manager) DestroyAllNodes() {
	for _, e := range m.registry.Entries(-1) {
		_ = m.DestroyNode(e.Node.ID())
	}
}

// RemoveNetwork destroys every node on port and closes its hub.
func (m *Manager) RemoveNetwork(port int) error {
	if _, ok := m.hubs[port]; !ok {
		return fmt.Errorf("port %d: %w", port, ErrNetworkNotFound)
	}
	for _, e := range m.registry.Entries(port) {
		_ = m.DestroyNode(e.Node.ID())
	}
	m.closeHub(port)
	return nil
}

func (m *Manager) RemoveAllNetworks() {
	for _, port := range m.Ports() {
		_ = m.RemoveNetwork(port)
	}
}

// ListNodes summarises the nodes on port in creation order. A negative
// port lists every node.
func (m *Manager) ListNodes(port int) []model.NodeSummary {
	entries := m.registry.Entries(port)
	out := make([]model.NodeSummary, len(entries))
	for i, e := range entries {
		out[i] = e.Node.Summary(e.Port)
	}
	return out
}

func (m *Manager) AddVariable(id uint16, name string, size int) error {
	n, err := m.Node(id)
	if err != nil {
		return err
	}
	return n.AddVariable(name, size)
}

func (m *Manager) AddEvent(id uint16, name, description string) error {
	n, err := m.Node(id)
	if err != nil {
		return err
	}
	return n.AddEvent(name, description)
}

func (m *Manager) AddFunction(id uint16, name, description string, args []model.FunctionArgument, callback string) error {
	n, err := m.Node(id)
	if err != nil {
		return err
	}
	return n.AddFunction(name, description, args, callback)
}

func (m *Manager) GetVariable(id uint16, name string) ([]int16, error) {
	n, err := m.Node(id)
	if err != nil {
		return nil, err
	}
	return n.GetVariable(name)
}

func (m *Manager) SetVariable(id uint16, name string, values []int16) error {
	n, err := m.Node(id)
	if err != nil {
		return err
	}
	return n.SetVariable(name, values)
}

func (m *Manager) EmitEvent(id uint16, name string) error {
	n, err := m.Node(id)
	if err != nil {
		return err
	}
	return n.Emit(name)
}

// LoadScriptFromText compiles and installs source on node id.
func (m *Manager) LoadScriptFromText(ctx context.Context, id uint16, source string) error {
	ctx, span := m.tracer.Start(ctx, "LoadScript", trace.WithAttributes(
		attribute.Int("node.id", int(id)),
		attribute.Int("script.bytes", len(source)),
	))
	defer span.End()

	n, err := m.Node(id)
	if err == nil {
		err = n.LoadScript(source)
	}
	return m.endScriptSpan(ctx, span, id, err)
}

// LoadScriptFromFile loads an .aesl network file or a plain source file.
func (m *Manager) LoadScriptFromFile(ctx context.Context, id uint16, path string) error {
	ctx, span := m.tracer.Start(ctx, "LoadScriptFile", trace.WithAttributes(
		attribute.Int("node.id", int(id)),
		attribute.String("script.path", path),
	))
	defer span.End()

	n, err := m.Node(id)
	if err == nil {
		err = n.LoadScriptFile(path)
	}
	return m.endScriptSpan(ctx, span, id, err)
}

func (m *Manager) endScriptSpan(ctx context.Context, span trace.Span, id uint16, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.log.Debug(ctx, "script installed", logging.Uint16("node_id", id))
	return nil
}

func (m *Manager) SetStableID(id uint16, stable uuid.UUID) error {
	n, err := m.Node(id)
	if err != nil {
		return err
	}
	n.SetStableID(stable)
	return nil
}

func (m *Manager) SetFriendlyName(id uint16, name string) error {
	n, err := m.Node(id)
	if err != nil {
		return err
	}
	n.SetFriendlyName(name)
	return nil
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Close destroys every node and network and fails pending commands. It
// must run on the tick goroutine once spinning has stopped.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.RemoveAllNetworks()
		for {
			select {
			case c := <-m.cmds:
				c.done <- ErrManagerClosed
			default:
				return
			}
		}
	})
}
