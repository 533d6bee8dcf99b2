package engine

import (
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"log"
	"sync"
)

// Membership applies role-transition events to both the open conversation and
// the cached conversation list, and fronts the admin request/ack operations.
// Event application is idempotent; admin operations re-fetch the canonical
// conversation detail on success instead of patching derived state, because
// role changes gate UI permissions that must not drift from server truth.
type Membership struct {
	transport Transport
	chats     ChatAPI
	sync      *Synchronizer
	store     *Store
	selfId    string

	mu       sync.Mutex
	notified map[string]struct{}
	unsubs   []func()
}

func NewMembership(transport Transport, chats ChatAPI, synchronizer *Synchronizer, store *Store, selfId string) *Membership {
	m := &Membership{
		transport: transport,
		chats:     chats,
		sync:      synchronizer,
		store:     store,
		selfId:    selfId,
		notified:  make(map[string]struct{}),
	}
	m.unsubs = append(m.unsubs,
		transport.Subscribe(api.EventParticipantRemoved, m.roleHandler),
		transport.Subscribe(api.EventParticipantLeft, m.roleHandler),
		transport.Subscribe(api.EventUserRemoved, m.roleHandler),
		transport.Subscribe(api.EventUserLeft, m.roleHandler),
		transport.Subscribe(api.EventParticipantAdded, m.addedHandler),
		transport.Subscribe(api.EventGroupRenamed, m.renamedHandler),
	)
	return m
}

// Stop removes the live subscriptions.
func (m *Membership) Stop() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}

func (m *Membership) roleHandler(data json.RawMessage) {
	var payload api.MembershipPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("Could not process membership event: %v", err)
		return
	}
	m.Apply(payload)
}

// Apply runs one role transition against the open conversation and the list
// cache. Applying the same event twice is a no-op.
func (m *Membership) Apply(payload api.MembershipPayload) {
	m.sync.applyRole(payload.ConversationId, payload.UserId, payload.Role)
	m.store.ApplyRoleToList(payload.ConversationId, payload.UserId, payload.Role)

	if payload.UserId != m.selfId {
		return
	}

	// One-time notice when the viewer is the target. The room is not left
	// here; that cleanup belongs to the next conversation close.
	key := payload.ConversationId + "/" + payload.UserId + "/" + string(payload.Role)
	m.mu.Lock()
	_, seen := m.notified[key]
	if !seen {
		m.notified[key] = struct{}{}
	}
	m.mu.Unlock()
	if seen {
		return
	}

	notice := "You were removed from this conversation"
	if payload.Role == api.RoleLeft {
		notice = "You left this conversation"
	}
	m.store.Notify(notice)
}

func (m *Membership) addedHandler(data json.RawMessage) {
	var payload api.ParticipantsAddedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("Could not process participant event: %v", err)
		return
	}
	m.sync.applyParticipants(payload.ConversationId, payload.Participants)
}

func (m *Membership) renamedHandler(data json.RawMessage) {
	var payload api.GroupRenamedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		log.Printf("Could not process rename event: %v", err)
		return
	}
	m.sync.applyName(payload.ConversationId, payload.Name)
}

// RemoveParticipant demotes a member to removed-user (admin only).
func (m *Membership) RemoveParticipant(ctx context.Context, conversationId string, userId string) error {
	conversation, err := m.chats.RemoveParticipant(ctx, conversationId, userId)
	if err != nil {
		return err
	}
	return m.refresh(ctx, conversation)
}

// PromoteParticipant raises a member to admin (admin only).
func (m *Membership) PromoteParticipant(ctx context.Context, conversationId string, userId string) error {
	conversation, err := m.chats.PromoteParticipant(ctx, conversationId, userId)
	if err != nil {
		return err
	}
	return m.refresh(ctx, conversation)
}

// AddParticipants invites more members (admin only). The size check here is
// advisory; the server owns the invariant.
func (m *Membership) AddParticipants(ctx context.Context, conversationId string, userIds []string) error {
	if conversation, ok := m.store.Conversation(conversationId); ok {
		active := 0
		for _, participant := range conversation.Participants {
			if participant.Role.Active() {
				active++
			}
		}
		if active+len(userIds) > api.MaxGroupParticipants {
			return ErrGroupFull
		}
	}

	conversation, err := m.chats.AddParticipants(ctx, conversationId, userIds)
	if err != nil {
		return err
	}
	return m.refresh(ctx, conversation)
}

// RenameGroup changes the group display name (admin only).
func (m *Membership) RenameGroup(ctx context.Context, conversationId string, name string) error {
	conversation, err := m.chats.RenameGroup(ctx, conversationId, name)
	if err != nil {
		return err
	}
	return m.refresh(ctx, conversation)
}

// LeaveGroup marks the viewer left-user.
func (m *Membership) LeaveGroup(ctx context.Context, conversationId string) error {
	conversation, err := m.chats.LeaveGroup(ctx, conversationId)
	if err != nil {
		return err
	}
	return m.refresh(ctx, conversation)
}

func (m *Membership) refresh(ctx context.Context, conversation api.Conversation) error {
	m.store.UpsertConversation(conversation)
	if m.sync.CurrentId() == conversation.Id {
		return m.sync.Refresh(ctx)
	}
	return nil
}
