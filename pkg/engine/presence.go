package engine

import (
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"log"
	"sync"
)

// Tracker answers "is user X online" and "how many of this group's members
// are online". It combines one initial query_online round trip with the live
// user_online/user_offline stream; the cache is transient and scoped to the
// currently rendered conversation.
type Tracker struct {
	transport Transport
	store     *Store

	mu      sync.Mutex
	online  map[string]bool
	tracked map[string]bool
	unsubs  []func()
}

func NewTracker(transport Transport, store *Store) *Tracker {
	t := &Tracker{
		transport: transport,
		store:     store,
		online:    make(map[string]bool),
		tracked:   make(map[string]bool),
	}
	t.unsubs = append(t.unsubs,
		transport.Subscribe(api.EventUserOnline, t.presenceHandler(true)),
		transport.Subscribe(api.EventUserOffline, t.presenceHandler(false)),
	)
	return t
}

// QueryOnline asks the server which of the given users hold a live session.
func (t *Tracker) QueryOnline(ctx context.Context, userIds []string) (map[string]bool, error) {
	raw, err := t.transport.EmitWithAck(ctx, api.EventQueryOnline, api.QueryOnlinePayload{UserIds: userIds})
	if err != nil {
		return nil, err
	}
	online := make(map[string]bool, len(userIds))
	if err := json.Unmarshal(raw, &online); err != nil {
		return nil, err
	}
	return online, nil
}

// Track seeds the cache for the given users and keeps it live through the
// subscription until Reset.
func (t *Tracker) Track(ctx context.Context, userIds []string) error {
	if len(userIds) == 0 {
		return nil
	}

	t.mu.Lock()
	for _, id := range userIds {
		t.tracked[id] = true
	}
	t.mu.Unlock()

	online, err := t.QueryOnline(ctx, userIds)
	if err != nil {
		return err
	}

	t.mu.Lock()
	for id, isOnline := range online {
		t.online[id] = isOnline
	}
	t.mu.Unlock()

	t.store.NotifyPresence()
	return nil
}

// Reset drops the cache; called when the viewer navigates away.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.online = make(map[string]bool)
	t.tracked = make(map[string]bool)
	t.mu.Unlock()
	t.store.NotifyPresence()
}

func (t *Tracker) IsOnline(userId string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userId]
}

// OnlineCount computes the conversation's live member count: known-online
// non-self members plus one when the viewer's own socket is up. Removed and
// left participants never count, and a removed-or-left viewer sees zero.
func (t *Tracker) OnlineCount(conversation *api.Conversation, selfId string) int {
	if conversation == nil {
		return 0
	}
	if self := conversation.ParticipantById(selfId); self != nil && !self.Role.Active() {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	others := 0
	count := 0
	for i := range conversation.Participants {
		participant := &conversation.Participants[i]
		if participant.UserId == selfId || !participant.Role.Active() {
			continue
		}
		others++
		if t.online[participant.UserId] {
			count++
		}
	}
	// A conversation with nobody else in it still shows the viewer.
	if others == 0 {
		return 1
	}
	if t.store.Connected() {
		count++
	}
	return count
}

// Stop removes the live subscriptions.
func (t *Tracker) Stop() {
	for _, unsub := range t.unsubs {
		unsub()
	}
	t.unsubs = nil
}

func (t *Tracker) presenceHandler(online bool) Handler {
	return func(data json.RawMessage) {
		var payload api.PresencePayload
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("Could not process presence event: %v", err)
			return
		}

		t.mu.Lock()
		tracked := t.tracked[payload.UserId]
		changed := tracked && t.online[payload.UserId] != online
		if tracked {
			t.online[payload.UserId] = online
		}
		t.mu.Unlock()

		if changed {
			t.store.NotifyPresence()
		}
	}
}
