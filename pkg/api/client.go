// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package api

import (
	"bytes"
	"chatEngine/config"
	"context"
	"encoding/json"
	"github.com/gorilla/websocket"
	"log"
	"time"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Time allowed for a fresh connection to authenticate.
	authWait = 30 * time.Second
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

// Client is a middleman between the ws connection and the Hub.
type Client struct {
	Hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan []byte

	// ID of the user
	id string

	// Conversation rooms this session has joined. Owned by the hub goroutine.
	rooms map[string]struct{}

	// Access to chat features
	chatService ChatService

	// Whether the Client has sent over auth token
	isAuthenticated bool
}

func NewClient(hub *Hub, conn *websocket.Conn, send chan []byte, id string, chatService ChatService) *Client {
	return &Client{
		Hub:             hub,
		conn:            conn,
		send:            send,
		id:              id,
		rooms:           make(map[string]struct{}),
		isAuthenticated: false,
		chatService:     chatService,
	}
}

// ReadPump pumps messages from the ws connection to the Hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister <- c
		err := c.conn.Close()
		if err != nil {
			log.Printf("Could not close network connection: %v", err)
		}
	}()
	c.conn.SetReadLimit(maxMessageSize)
	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
	if err != nil {
		log.Printf("Unable to set read deadline: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if err != nil {
			log.Printf("Unable to set read deadline: %v", err)
			return err
		}
		return nil
	})

	ctx := context.Background()

	auth, err := config.SetupFirebase().Auth(ctx)
	if err != nil {
		return
	}

	// If the user does not authenticate within the allotted time, force the
	// connection closed. The watcher must not touch c.send: the hub owns that
	// channel and may have closed it already for a dropped client.
	disconnectTimer := time.NewTimer(authWait)
	defer disconnectTimer.Stop()
	authDone := make(chan struct{})
	defer func() {
		if !c.isAuthenticated {
			close(authDone)
		}
	}()
	go authTimeout(disconnectTimer, authDone, c.expireAuth)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			return
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))

		var envelope Envelope
		if err := json.Unmarshal(message, &envelope); err != nil {
			log.Printf("Could not process message: %v", err)
			continue
		}

		if !c.isAuthenticated {
			if envelope.Event != EventAuthenticate {
				continue
			}
			var payload AuthPayload
			if err := json.Unmarshal(envelope.Data, &payload); err != nil {
				continue
			}
			token, err := auth.VerifyIDToken(ctx, payload.Token)
			if err != nil {
				errMessage, _ := json.Marshal("Token not valid.")
				c.send <- errMessage
				return
			} else if token.UID != c.id {
				errMessage, _ := json.Marshal("Token does not match Client uid")
				c.send <- errMessage
				return
			}
			c.isAuthenticated = true
			// Stops the disconnect watcher when the user is authenticated
			disconnectTimer.Stop()
			close(authDone)
			continue
		}

		c.dispatch(ctx, envelope)
	}
}

// authTimeout invokes expire when the timer fires before done is closed.
func authTimeout(timer *time.Timer, done <-chan struct{}, expire func()) {
	select {
	case <-timer.C:
		expire()
	case <-done:
	}
}

// expireAuth closes a connection that never authenticated. Control frames
// and deadlines are safe to use concurrently with the pumps, so this works
// even after the hub has torn the client down.
func (c *Client) expireAuth() {
	deadline := time.Now().Add(writeWait)
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Did not authenticate Client in time")
	if err := c.conn.WriteControl(websocket.CloseMessage, message, deadline); err != nil {
		log.Printf("Unable to close unauthenticated connection: %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now())
}

// dispatch routes one authenticated inbound envelope.
func (c *Client) dispatch(ctx context.Context, envelope Envelope) {
	switch envelope.Event {
	case EventJoinConversation:
		var payload RoomPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return
		}
		ok, err := c.chatService.IsActiveParticipant(ctx, c.id, payload.ConversationId)
		if err != nil || !ok {
			return
		}
		c.Hub.join <- roomRequest{conversationId: payload.ConversationId, client: c}
	case EventLeaveConversation:
		var payload RoomPayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			return
		}
		c.Hub.leave <- roomRequest{conversationId: payload.ConversationId, client: c}
	case EventSendMessage:
		var payload SendMessagePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			c.ack(envelope.Ack, nil, err)
			return
		}
		message, participants, err := c.chatService.AddMessage(ctx, c.id, payload)
		c.ack(envelope.Ack, message, err)
		if err != nil {
			return
		}
		c.Hub.send <- OutgoingEvent{
			Event:   EventMessageReceived,
			Data:    message,
			Room:    payload.ConversationId,
			Targets: participants,
			Exclude: c,
		}
	case EventQueryOnline:
		var payload QueryOnlinePayload
		if err := json.Unmarshal(envelope.Data, &payload); err != nil {
			c.ack(envelope.Ack, nil, err)
			return
		}
		c.ack(envelope.Ack, c.Hub.QueryOnline(payload.UserIds), nil)
	case EventCallInvite, EventCallAccept, EventCallDecline, EventCallEnd,
		EventCallOffer, EventCallAnswer, EventCallCandidate, EventCallMediaStatus:
		c.relayCallSignal(envelope)
	}
}

// relayCallSignal forwards a call signal without persisting it. Peer-directed
// signals go only to their target; the rest go to the conversation room.
func (c *Client) relayCallSignal(envelope Envelope) {
	var signal CallSignal
	if err := json.Unmarshal(envelope.Data, &signal); err != nil {
		log.Printf("Could not process call signal: %v", err)
		return
	}
	signal.From = c.id

	event := OutgoingEvent{Event: envelope.Event, Data: signal, Exclude: c}
	if signal.To != "" {
		event.Targets = []string{signal.To}
	} else {
		event.Room = signal.ConversationId
		// Invites must also reach participants who have not joined the room.
		if envelope.Event == EventCallInvite {
			event.Targets = signal.Participants
		}
	}
	c.Hub.send <- event
}

// ack replies to an emit-with-ack request on this session only.
func (c *Client) ack(ackId uint64, data interface{}, err error) {
	if ackId == 0 {
		return
	}
	var payload Ack
	if err != nil {
		payload.Error = err.Error()
	} else if data != nil {
		body, marshalErr := json.Marshal(data)
		if marshalErr != nil {
			payload.Error = marshalErr.Error()
		} else {
			payload.Data = body
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Could not marshal ack: %v", err)
		return
	}
	message, err := json.Marshal(Envelope{Event: EventAck, Ack: ackId, Data: body})
	if err != nil {
		log.Printf("Could not marshal ack: %v", err)
		return
	}
	c.send <- message
}

// WritePump pumps messages from the Hub to the ws connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued chat messages to the current ws message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write(newline)
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
