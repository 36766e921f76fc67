package network

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/signalsfoundry/aseba-hub/protocol"
)

// ConnID identifies one accepted connection for the lifetime of the process.
type ConnID string

func newConnID() ConnID { return ConnID(ulid.Make().String()) }

// Stream is one client connection as seen by a hub.
type Stream interface {
	ID() ConnID
	RemoteAddr() string
	// WriteFrame sends one frame, bounded by the hub's write timeout.
	WriteFrame(f protocol.Frame) error
	Close() error
}

type streamEventKind int

const (
	streamOpened streamEventKind = iota
	streamFrame
	streamMalformed
	streamClosed
)

// streamEvent is posted by reader goroutines and consumed by Hub.Spin.
type streamEvent struct {
	kind   streamEventKind
	stream Stream
	frame  protocol.Frame
	err    error
}

// poster delivers reader events to the hub unless the hub is shutting down.
type poster struct {
	events chan<- streamEvent
	done   <-chan struct{}
}

func (p poster) post(ev streamEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// tcpStream is a framed TCP connection.
type tcpStream struct {
	id           ConnID
	conn         net.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newTCPStream(conn net.Conn, writeTimeout time.Duration) *tcpStream {
	return &tcpStream{id: newConnID(), conn: conn, writeTimeout: writeTimeout}
}

func (s *tcpStream) ID() ConnID         { return s.id }
func (s *tcpStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *tcpStream) WriteFrame(f protocol.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return protocol.WriteFrame(s.conn, f)
}

func (s *tcpStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

// readLoop decodes frames until the connection fails. A malformed length
// ends the loop: the stream cannot be resynchronised.
func (s *tcpStream) readLoop(p poster, maxPayload int) {
	br := bufio.NewReader(s.conn)
	for {
		f, err := protocol.ReadFrame(br, maxPayload)
		if err != nil {
			kind := streamClosed
			if errors.Is(err, protocol.ErrMalformedFrame) {
				kind = streamMalformed
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			p.post(streamEvent{kind: kind, stream: s, err: err})
			return
		}
		if !p.post(streamEvent{kind: streamFrame, stream: s, frame: f}) {
			return
		}
	}
}

// wsStream carries frames inside binary WebSocket messages. A message may
// hold several frames; a frame never spans messages.
type wsStream struct {
	id           ConnID
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSStream(conn *websocket.Conn, writeTimeout time.Duration) *wsStream {
	return &wsStream{
		id:           newConnID(),
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		writeTimeout: writeTimeout,
	}
}

func (s *wsStream) ID() ConnID         { return s.id }
func (s *wsStream) RemoteAddr() string { return s.remote }

func (s *wsStream) WriteFrame(f protocol.Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (s *wsStream) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.conn.Close() })
	return s.closeErr
}

func (s *wsStream) readLoop(p poster, maxPayload int) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			p.post(streamEvent{kind: streamClosed, stream: s, err: err})
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		r := bytes.NewReader(data)
		for r.Len() > 0 {
			f, err := protocol.ReadFrame(r, maxPayload)
			if err != nil {
				p.post(streamEvent{kind: streamMalformed, stream: s, err: fmt.Errorf("websocket message: %w", err)})
				return
			}
			if !p.post(streamEvent{kind: streamFrame, stream: s, frame: f}) {
				return
			}
		}
	}
}
