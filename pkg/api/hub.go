package api

import (
	"encoding/json"
	"log"
)

// OutgoingEvent is a routed broadcast request handed to the Hub. Room and
// Targets select the audience (their union when both are set; everyone when
// neither is); Exclude skips the originating client so senders do not receive
// their own echo.
type OutgoingEvent struct {
	Event   string
	Data    interface{}
	Room    string
	Targets []string
	Exclude *Client
}

type roomRequest struct {
	conversationId string
	client         *Client
}

type presenceQuery struct {
	userIds []string
	reply   chan map[string]bool
}

// Hub maintains the set of active clients, their conversation rooms, and the
// live presence map derived from registrations.
type Hub struct {
	// Registered clients keyed by user id; a user may hold several sessions.
	clients map[string][]*Client

	// Conversation rooms: conversation id -> members.
	rooms map[string]map[*Client]struct{}

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	join  chan roomRequest
	leave chan roomRequest

	// Routed events to rooms or specific users.
	send chan OutgoingEvent

	// Presence lookups answered from the live client map.
	queryOnline chan presenceQuery
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string][]*Client),
		rooms:       make(map[string]map[*Client]struct{}),
		Register:    make(chan *Client),
		unregister:  make(chan *Client),
		join:        make(chan roomRequest),
		leave:       make(chan roomRequest),
		send:        make(chan OutgoingEvent),
		queryOnline: make(chan presenceQuery),
	}
}

// Send routes an event through the hub from outside the client read loop
// (REST handlers broadcasting membership changes).
func (h *Hub) Send(event OutgoingEvent) {
	h.send <- event
}

// QueryOnline answers which of the given users currently hold a session.
func (h *Hub) QueryOnline(userIds []string) map[string]bool {
	reply := make(chan map[string]bool, 1)
	h.queryOnline <- presenceQuery{userIds: userIds, reply: reply}
	return <-reply
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			first := len(h.clients[client.id]) == 0
			h.clients[client.id] = append(h.clients[client.id], client)
			if first {
				h.fanOut(OutgoingEvent{
					Event:   EventUserOnline,
					Data:    PresencePayload{UserId: client.id},
					Exclude: client,
				})
			}
		case client := <-h.unregister:
			if h.dropClient(client) {
				close(client.send)
				for conversationId := range client.rooms {
					h.leaveRoom(conversationId, client)
				}
				// Last session gone -> user went offline.
				if len(h.clients[client.id]) == 0 {
					h.fanOut(OutgoingEvent{
						Event: EventUserOffline,
						Data:  PresencePayload{UserId: client.id},
					})
				}
			}
		case req := <-h.join:
			room := h.rooms[req.conversationId]
			if room == nil {
				room = make(map[*Client]struct{})
				h.rooms[req.conversationId] = room
			}
			room[req.client] = struct{}{}
			req.client.rooms[req.conversationId] = struct{}{}
		case req := <-h.leave:
			h.leaveRoom(req.conversationId, req.client)
			delete(req.client.rooms, req.conversationId)
		case event := <-h.send:
			h.fanOut(event)
		case query := <-h.queryOnline:
			online := make(map[string]bool, len(query.userIds))
			for _, userId := range query.userIds {
				online[userId] = len(h.clients[userId]) > 0
			}
			query.reply <- online
		}
	}
}

func (h *Hub) fanOut(event OutgoingEvent) {
	envelope, err := NewEnvelope(event.Event, event.Data)
	if err != nil {
		log.Printf("Could not process outgoing event %q: %v", event.Event, err)
		return
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("Could not process outgoing event %q: %v", event.Event, err)
		return
	}

	if event.Room == "" && event.Targets == nil {
		// No audience given: every connected session (presence fan-out).
		for userId := range h.clients {
			for _, client := range h.clients[userId] {
				if client != event.Exclude {
					h.deliver(client, message)
				}
			}
		}
		return
	}

	// Union of the room's members and the targets' sessions, delivered once.
	audience := make(map[*Client]struct{})
	for client := range h.rooms[event.Room] {
		audience[client] = struct{}{}
	}
	for _, userId := range event.Targets {
		for _, client := range h.clients[userId] {
			audience[client] = struct{}{}
		}
	}
	for client := range audience {
		if client != event.Exclude {
			h.deliver(client, message)
		}
	}
}

// deliver writes to the client's send queue, dropping the session when its
// buffer is full (slow consumer).
func (h *Hub) deliver(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		if h.dropClient(client) {
			close(client.send)
			for conversationId := range client.rooms {
				h.leaveRoom(conversationId, client)
			}
		}
	}
}

// dropClient removes the client from the user's session list. Returns false
// when the client was already unregistered.
func (h *Hub) dropClient(client *Client) bool {
	sessions, ok := h.clients[client.id]
	if !ok {
		return false
	}
	for i := range sessions {
		if sessions[i] == client {
			length := len(sessions) - 1
			sessions[i] = sessions[length]
			sessions[length] = nil
			h.clients[client.id] = sessions[:length]
			if length == 0 {
				delete(h.clients, client.id)
			}
			return true
		}
	}
	return false
}

func (h *Hub) leaveRoom(conversationId string, client *Client) {
	room := h.rooms[conversationId]
	if room == nil {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, conversationId)
	}
}
