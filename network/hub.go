package network

import (
	"context"
	"errors"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/aseba-hub/core"
	"github.com/signalsfoundry/aseba-hub/internal/logging"
	"github.com/signalsfoundry/aseba-hub/protocol"
)

// ErrConnectionRefused is logged when a client connects while another one
// is active. The refused stream is closed at the end of the next spin.
var ErrConnectionRefused = errors.New("connection refused: another client is active")

const (
	DefaultAddress      = "0.0.0.0"
	DefaultPort         = 33333
	DefaultPollTimeout  = 10 * time.Millisecond
	DefaultWriteTimeout = time.Second

	eventQueueSize = 256
)

// HubOptions configure the listening side of a hub.
type HubOptions struct {
	// Address is the host part of the listening address.
	Address string
	// PollTimeout bounds how long Spin waits for the first event of a tick.
	// Zero makes Spin never wait.
	PollTimeout time.Duration
	// MaxPayload bounds the declared length of inbound frames.
	MaxPayload   int
	WriteTimeout time.Duration
	// WebSocketAddr, when set, also accepts clients as WebSocket
	// connections carrying binary frames.
	WebSocketAddr string

	Logger  logging.Logger
	Metrics Metrics
}

func (o HubOptions) withDefaults() HubOptions {
	if o.Address == "" {
		o.Address = DefaultAddress
	}
	if o.PollTimeout < 0 {
		o.PollTimeout = 0
	}
	if o.MaxPayload <= 0 {
		o.MaxPayload = protocol.DefaultMaxPayload
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	if o.Metrics == nil {
		o.Metrics = nopMetrics{}
	}
	return o
}

// Hub owns one listening port, the nodes bound to it and the single active
// client stream. Everything but the accept and read goroutines runs on the
// goroutine calling Spin.
type Hub struct {
	port    int
	opts    HubOptions
	log     logging.Logger
	metrics Metrics

	listener   net.Listener
	wsServer   *http.Server
	wsListener net.Listener

	nodes []*core.Node

	active       Stream
	streams      map[ConnID]Stream
	toDisconnect []Stream

	events chan streamEvent
	done   chan struct{}
	wg     sync.WaitGroup

	connMu  sync.Mutex
	conns   map[ConnID]Stream
	closing bool

	closeOnce sync.Once
}

// Listen opens the hub's listeners and starts accepting clients.
func Listen(port int, opts HubOptions) (*Hub, error) {
	opts = opts.withDefaults()
	ln, err := net.Listen("tcp", net.JoinHostPort(opts.Address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	h := &Hub{
		port:     port,
		opts:     opts,
		log:      opts.Logger.With(logging.Int("port", port)),
		metrics:  opts.Metrics,
		listener: ln,
		streams:  make(map[ConnID]Stream),
		events:   make(chan streamEvent, eventQueueSize),
		done:     make(chan struct{}),
		conns:    make(map[ConnID]Stream),
	}
	if opts.WebSocketAddr != "" {
		if err := h.listenWebSocket(opts.WebSocketAddr); err != nil {
			_ = ln.Close()
			return nil, err
		}
	}

	h.wg.Add(1)
	go h.acceptLoop()
	h.log.Info(context.Background(), "hub listening", logging.String("address", ln.Addr().String()))
	return h, nil
}

func (h *Hub) listenWebSocket(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
			return
		}
		s := newWSStream(conn, h.opts.WriteTimeout)
		h.startStream(s, func(p poster) { s.readLoop(p, h.opts.MaxPayload) })
	})
	h.wsListener = ln
	h.wsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := h.wsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Warn(context.Background(), "websocket listener stopped", logging.Err(err))
		}
	}()
	return nil
}

// Port is the port the hub was created for.
func (h *Hub) Port() int { return h.port }

// Addr is the bound TCP address, useful when the hub listens on port 0.
func (h *Hub) Addr() net.Addr { return h.listener.Addr() }

// WebSocketAddr is the bound WebSocket address, or nil.
func (h *Hub) WebSocketAddr() net.Addr {
	if h.wsListener == nil {
		return nil
	}
	return h.wsListener.Addr()
}

// Nodes returns the hub's nodes in insertion order.
func (h *Hub) Nodes() []*core.Node { return slices.Clone(h.nodes) }

// HasActiveConnection reports whether a client is currently accepted.
func (h *Hub) HasActiveConnection() bool { return h.active != nil }

func (h *Hub) addNode(n *core.Node) {
	h.nodes = append(h.nodes, n)
}

func (h *Hub) removeNode(id uint16) {
	h.nodes = slices.DeleteFunc(h.nodes, func(n *core.Node) bool { return n.ID() == id })
}

func (h *Hub) node(id uint16) *core.Node {
	for _, n := range h.nodes {
		if n.ID() == id {
			return n
		}
	}
	return nil
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.Warn(context.Background(), "accept failed", logging.Err(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s := newTCPStream(conn, h.opts.WriteTimeout)
		h.startStream(s, func(p poster) { s.readLoop(p, h.opts.MaxPayload) })
	}
}

// startStream announces s to the spin loop and starts its reader.
func (h *Hub) startStream(s Stream, read func(poster)) {
	h.connMu.Lock()
	if h.closing {
		h.connMu.Unlock()
		_ = s.Close()
		return
	}
	h.conns[s.ID()] = s
	h.wg.Add(1)
	h.connMu.Unlock()

	go func() {
		defer h.wg.Done()
		defer func() {
			h.connMu.Lock()
			delete(h.conns, s.ID())
			h.connMu.Unlock()
		}()
		p := poster{events: h.events, done: h.done}
		if !p.post(streamEvent{kind: streamOpened, stream: s}) {
			_ = s.Close()
			return
		}
		read(p)
	}()
}

// Spin runs one tick: forced activation of every node, inbound frames,
// node steps, then deferred closes.
func (h *Hub) Spin(dt time.Duration) {
	for _, n := range h.nodes {
		n.Activate()
	}
	h.poll()
	for _, n := range slices.Clone(h.nodes) {
		n.Step(dt)
	}
	h.flushDisconnects()
}

// poll waits at most PollTimeout for a first event, then handles only the
// events already queued.
func (h *Hub) poll() {
	if h.opts.PollTimeout > 0 {
		t := time.NewTimer(h.opts.PollTimeout)
		select {
		case ev := <-h.events:
			t.Stop()
			h.handle(ev)
		case <-t.C:
			return
		}
	}
	for n := len(h.events); n > 0; n-- {
		h.handle(<-h.events)
	}
}

func (h *Hub) handle(ev streamEvent) {
	ctx := context.Background()
	s := ev.stream
	switch ev.kind {
	case streamOpened:
		h.streams[s.ID()] = s
		if h.active == nil {
			h.active = s
			h.metrics.Connection(h.port, true)
			h.log.Info(ctx, "connection accepted",
				logging.String("conn_id", string(s.ID())), logging.String("remote", s.RemoteAddr()))
			return
		}
		h.metrics.Connection(h.port, false)
		h.log.Info(ctx, "connection refused",
			logging.String("conn_id", string(s.ID())), logging.String("remote", s.RemoteAddr()),
			logging.String("active_conn_id", string(h.active.ID())), logging.Err(ErrConnectionRefused))
		h.scheduleClose(s)

	case streamFrame:
		if h.active == nil || h.active.ID() != s.ID() {
			h.metrics.FrameDropped(h.port, DropInactiveStream)
			return
		}
		h.route(ev.frame)

	case streamMalformed:
		h.metrics.FrameDropped(h.port, DropMalformed)
		h.log.Warn(ctx, "malformed frame, closing connection",
			logging.String("conn_id", string(s.ID())), logging.Err(ev.err))
		h.scheduleClose(s)
		h.closed(s, ev.err)

	case streamClosed:
		_ = s.Close()
		h.closed(s, ev.err)
	}
}

func (h *Hub) route(f protocol.Frame) {
	ctx := context.Background()
	if f.IsUnicast() {
		dest, err := f.Destination()
		if err != nil {
			h.metrics.FrameDropped(h.port, DropShortPayload)
			h.log.Debug(ctx, "dropping frame", logging.Err(err))
			return
		}
		n := h.node(dest)
		if n == nil || !n.Finalized() {
			h.metrics.FrameDropped(h.port, DropUnknownNode)
			h.log.Debug(ctx, "dropping frame for unknown node",
				logging.String("type", protocol.TypeName(f.Type)), logging.Uint16("destination", dest))
			return
		}
		h.metrics.FrameReceived(h.port, true)
		h.log.Debug(ctx, "unicast frame",
			logging.String("type", protocol.TypeName(f.Type)), logging.Uint16("destination", dest))
		if f.Type == protocol.TypeGetExecutionState {
			n.SendDeviceInfoOnce(string(h.active.ID()))
		}
		n.Deliver(f)
		return
	}

	h.metrics.FrameReceived(h.port, false)
	h.log.Debug(ctx, "broadcast frame",
		logging.String("type", protocol.TypeName(f.Type)), logging.Uint16("source", f.Source))
	for _, n := range slices.Clone(h.nodes) {
		if n.Finalized() {
			n.Deliver(protocol.Frame{Source: f.Source, Message: f.Message.Clone()})
		}
	}
}

// send writes a node's message to the active client, if any. Failures are
// logged: the reader notices a dead connection on its own.
func (h *Hub) send(n *core.Node, m protocol.Message) {
	if h.active == nil {
		h.metrics.FrameDropped(h.port, DropNoConnection)
		return
	}
	if err := h.active.WriteFrame(protocol.Frame{Source: n.ID(), Message: m}); err != nil {
		h.metrics.FrameDropped(h.port, DropWriteFailed)
		h.log.Warn(context.Background(), "write failed",
			logging.String("conn_id", string(h.active.ID())),
			logging.String("type", protocol.TypeName(m.Type)), logging.Err(err))
		return
	}
	h.metrics.FrameSent(h.port)
}

func (h *Hub) scheduleClose(s Stream) {
	if !slices.ContainsFunc(h.toDisconnect, func(o Stream) bool { return o.ID() == s.ID() }) {
		h.toDisconnect = append(h.toDisconnect, s)
	}
}

func (h *Hub) flushDisconnects() {
	for _, s := range h.toDisconnect {
		_ = s.Close()
		h.log.Debug(context.Background(), "deferred close", logging.String("conn_id", string(s.ID())))
	}
	h.toDisconnect = h.toDisconnect[:0]
}

// closed forgets a stream whose reader has stopped. The caller closes the
// socket.
func (h *Hub) closed(s Stream, err error) {
	ctx := context.Background()
	delete(h.streams, s.ID())
	for _, n := range h.nodes {
		n.ForgetConnection(string(s.ID()))
	}
	if h.active == nil || h.active.ID() != s.ID() {
		return
	}
	h.active = nil
	for _, n := range h.nodes {
		n.VM.ClearBreakpoints()
	}
	if err != nil {
		h.log.Warn(ctx, "connection lost", logging.String("conn_id", string(s.ID())), logging.Err(err))
		return
	}
	h.log.Info(ctx, "connection closed", logging.String("conn_id", string(s.ID())))
}

// Close stops accepting, closes every stream and waits for the reader
// goroutines. Nodes are left to the caller.
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.listener.Close()
		if h.wsServer != nil {
			_ = h.wsServer.Close()
		}
		h.connMu.Lock()
		h.closing = true
		for _, s := range h.conns {
			_ = s.Close()
		}
		h.connMu.Unlock()
		h.wg.Wait()

		h.active = nil
		h.streams = make(map[ConnID]Stream)
		h.toDisconnect = nil
		h.log.Info(context.Background(), "hub closed")
	})
	return err
}
