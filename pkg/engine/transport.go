package engine

import (
	"bytes"
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"github.com/gorilla/websocket"
	"log"
	"sync"
	"time"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next ping message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Delay between reconnect attempts after a dropped connection.
	reconnectDelay = 3 * time.Second
)

var newline = []byte{'\n'}

// EventConnected is a local synthetic event dispatched to subscribers each
// time the session attaches a socket, initial connect and reconnect alike.
// Server-side room membership dies with a dropped socket, so room-scoped
// components use it to re-emit their join requests. It never crosses the
// wire.
const EventConnected = "session_connected"

// Handler consumes one inbound event payload. Handlers for a given event run
// sequentially in transport-delivery order.
type Handler func(data json.RawMessage)

// Transport is the engine's one shared ingress/egress point. Components only
// add and remove subscriptions on it; none of them touch connection state.
type Transport interface {
	Connected() bool
	Emit(event string, payload interface{}) error
	EmitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error)
	Subscribe(event string, handler Handler) func()
}

type subscriber struct {
	id      int
	handler Handler
}

type ackResult struct {
	ack api.Ack
	err error
}

// Session owns the persistent event connection for one authenticated user.
// Reconnection is automatic and transparent to subscribers: the handler
// registry outlives individual socket instances, so nothing re-registers on
// reconnect. Failed emits are not retried; callers surface the error.
type Session struct {
	url    string
	token  string
	dialer *websocket.Dialer
	store  *Store

	mu          sync.Mutex
	conn        *websocket.Conn
	connected   bool
	closed      bool
	handlers    map[string][]subscriber
	nextHandler int
	acks        map[uint64]chan ackResult
	nextAck     uint64

	// Serializes frame writes; gorilla allows a single concurrent writer.
	writeMu sync.Mutex
}

var _ Transport = (*Session)(nil)

func NewSession(url string, token string, store *Store) *Session {
	return &Session{
		url:      url,
		token:    token,
		dialer:   websocket.DefaultDialer,
		store:    store,
		handlers: make(map[string][]subscriber),
		acks:     make(map[uint64]chan ackResult),
	}
}

// Connect dials the server and starts the read and ping pumps. Later drops
// reconnect on their own; only the initial dial error is returned.
func (s *Session) Connect(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.attach(conn)
	return nil
}

// Close ends the session for good; no reconnect follows.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.connected = false
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.failPendingAcks(ErrDisconnected)
	if conn != nil {
		_ = conn.Close()
	}
	s.store.SetConnected(false)
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Subscribe registers a handler for a named event. Registration is idempotent
// across reconnects; the returned func removes the handler.
func (s *Session) Subscribe(event string, handler Handler) func() {
	s.mu.Lock()
	s.nextHandler++
	id := s.nextHandler
	s.handlers[event] = append(s.handlers[event], subscriber{id: id, handler: handler})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		subs := s.handlers[event]
		for i := range subs {
			if subs[i].id == id {
				s.handlers[event] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}
}

// Emit sends one fire-and-forget event. Fails fast while disconnected.
func (s *Session) Emit(event string, payload interface{}) error {
	envelope, err := api.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.write(frame)
}

// EmitWithAck sends an event and waits for the server's ack reply. A server
// rejection comes back as *RequestError; connection loss fails the wait.
func (s *Session) EmitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	envelope, err := api.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	s.nextAck++
	id := s.nextAck
	ch := make(chan ackResult, 1)
	s.acks[id] = ch
	s.mu.Unlock()

	envelope.Ack = id
	frame, err := json.Marshal(envelope)
	if err != nil {
		s.dropAck(id)
		return nil, err
	}
	if err := s.write(frame); err != nil {
		s.dropAck(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		s.dropAck(id)
		return nil, ctx.Err()
	case result := <-ch:
		if result.err != nil {
			return nil, result.err
		}
		if result.ack.Error != "" {
			return nil, &RequestError{Reason: result.ack.Error}
		}
		return result.ack.Data, nil
	}
}

func (s *Session) write(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if !connected || conn == nil {
		return ErrDisconnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// attach wires a fresh socket into the session and authenticates it.
func (s *Session) attach(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	go s.readPump(conn)
	go s.pingPump(conn)

	if err := s.Emit(api.EventAuthenticate, api.AuthPayload{Token: s.token}); err != nil {
		log.Printf("Unable to authenticate session: %v", err)
	}
	s.store.SetConnected(true)
	s.dispatch(api.Envelope{Event: EventConnected})
}

// readPump pumps frames from the ws connection into the handler registry.
// There is at most one reader per connection; sequential dispatch here is
// what gives subscribers transport-delivery order.
func (s *Session) readPump(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
		s.handleDrop(conn)
	}()

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Unable to set read deadline: %v", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			return
		}

		// The server batches queued envelopes into one frame, newline separated.
		for _, part := range bytes.Split(message, newline) {
			part = bytes.TrimSpace(part)
			if len(part) == 0 {
				continue
			}
			var envelope api.Envelope
			if err := json.Unmarshal(part, &envelope); err != nil {
				log.Printf("Could not process message: %v", err)
				continue
			}
			s.dispatch(envelope)
		}
	}
}

func (s *Session) dispatch(envelope api.Envelope) {
	if envelope.Event == api.EventAck {
		var ack api.Ack
		if err := json.Unmarshal(envelope.Data, &ack); err != nil {
			log.Printf("Could not process ack: %v", err)
			return
		}
		s.mu.Lock()
		ch, ok := s.acks[envelope.Ack]
		delete(s.acks, envelope.Ack)
		s.mu.Unlock()
		if ok {
			ch <- ackResult{ack: ack}
		}
		return
	}

	s.mu.Lock()
	subs := make([]subscriber, len(s.handlers[envelope.Event]))
	copy(subs, s.handlers[envelope.Event])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.handler(envelope.Data)
	}
}

func (s *Session) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		current := s.conn == conn && s.connected
		s.mu.Unlock()
		if !current {
			return
		}
		s.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// handleDrop marks the connection lost and starts the reconnect loop.
func (s *Session) handleDrop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		// A newer socket already took over.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	closed := s.closed
	s.mu.Unlock()

	s.failPendingAcks(ErrDisconnected)
	s.store.SetConnected(false)

	if !closed {
		go s.reconnect()
	}
}

func (s *Session) reconnect() {
	for {
		time.Sleep(reconnectDelay)

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		conn, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			log.Printf("Unable to reconnect: %v", err)
			continue
		}
		s.attach(conn)
		return
	}
}

func (s *Session) failPendingAcks(err error) {
	s.mu.Lock()
	pending := s.acks
	s.acks = make(map[uint64]chan ackResult)
	s.mu.Unlock()

	for _, ch := range pending {
		ch <- ackResult{err: err}
	}
}

func (s *Session) dropAck(id uint64) {
	s.mu.Lock()
	delete(s.acks, id)
	s.mu.Unlock()
}
