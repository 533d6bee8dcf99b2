package engine

import (
	"chatEngine/pkg/api"
	"sync"
)

type UpdateKind int

const (
	UpdateConnection UpdateKind = iota + 1
	UpdateConversationList
	UpdateConversation
	UpdateScroll
	UpdateNotice
	UpdatePresence
	UpdateCall
)

// Scroll tells the view how to move the viewport after a list mutation.
// ToBottom follows a fresh tail message; AnchorId names the message that was
// topmost before an older page was prepended, so the view can restore its
// position without a visible jump.
type Scroll struct {
	ToBottom bool
	AnchorId string
}

type Update struct {
	Kind   UpdateKind
	Scroll Scroll
	Notice string
}

// Phase is the synchronizer's lifecycle for the open conversation.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoadingInitial
	PhaseReady
	PhaseLoadingOlder
)

// ConversationView is the snapshot of the open conversation published to the
// view layer. ComposeDisabled reflects the viewer's role only; the view must
// additionally gate sending on Store.Connected.
type ConversationView struct {
	Conversation    api.Conversation
	Messages        []api.Message
	Phase           Phase
	Page            int
	HasMore         bool
	Total           int
	ComposeDisabled bool
}

// Store is the single source of truth for conversation, membership, presence
// and call state. Call media handles deliberately live outside of it; they
// are owned by the call controller and explicitly released.
//
// Subscribers receive Update notifications on a buffered channel and re-read
// snapshots; a subscriber that falls behind loses notifications, not state.
type Store struct {
	mu            sync.RWMutex
	connected     bool
	conversations map[string]api.Conversation
	open          *ConversationView
	call          *CallSnapshot
	subs          map[int]chan Update
	nextSub       int
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[string]api.Conversation),
		subs:          make(map[int]chan Update),
	}
}

// Subscribe registers a view-layer listener. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan Update, func()) {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	ch := make(chan Update, 64)
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) publish(update Update) {
	s.mu.RLock()
	for _, ch := range s.subs {
		select {
		case ch <- update:
		default:
		}
	}
	s.mu.RUnlock()
}

func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()
	if changed {
		s.publish(Update{Kind: UpdateConnection})
	}
}

func (s *Store) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetConversations replaces the cached conversation list.
func (s *Store) SetConversations(conversations []api.Conversation) {
	s.mu.Lock()
	s.conversations = make(map[string]api.Conversation, len(conversations))
	for _, conversation := range conversations {
		s.conversations[conversation.Id] = conversation
	}
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateConversationList})
}

// Conversations returns a snapshot of the cached list.
func (s *Store) Conversations() []api.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]api.Conversation, 0, len(s.conversations))
	for _, conversation := range s.conversations {
		out = append(out, conversation)
	}
	return out
}

// Conversation returns the cached list entry for the given id.
func (s *Store) Conversation(conversationId string) (api.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conversation, ok := s.conversations[conversationId]
	return conversation, ok
}

func (s *Store) UpsertConversation(conversation api.Conversation) {
	s.mu.Lock()
	s.conversations[conversation.Id] = conversation
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateConversationList})
}

// ApplyRoleToList applies a membership transition to the cached list entry so
// a list view not currently open still reflects the change on next render.
// Returns false when the event was already applied (idempotent).
func (s *Store) ApplyRoleToList(conversationId string, userId string, role api.Role) bool {
	s.mu.Lock()
	conversation, ok := s.conversations[conversationId]
	if !ok {
		s.mu.Unlock()
		return false
	}
	changed := false
	// Copy before mutating; snapshots handed out earlier share the backing
	// array of the cached entry.
	participants := append([]api.Participant(nil), conversation.Participants...)
	for i := range participants {
		if participants[i].UserId == userId && participants[i].Role != role {
			participants[i].Role = role
			changed = true
		}
	}
	if changed {
		conversation.Participants = participants
		s.conversations[conversationId] = conversation
	}
	s.mu.Unlock()
	if changed {
		s.publish(Update{Kind: UpdateConversationList})
	}
	return changed
}

// SetLastMessage refreshes a list entry's tail message and unread counter.
func (s *Store) SetLastMessage(conversationId string, message api.Message, incrementUnread bool) {
	s.mu.Lock()
	conversation, ok := s.conversations[conversationId]
	if ok {
		messageCopy := message
		conversation.LastMessage = &messageCopy
		if incrementUnread {
			conversation.UnreadCount++
		}
		s.conversations[conversationId] = conversation
	}
	s.mu.Unlock()
	if ok {
		s.publish(Update{Kind: UpdateConversationList})
	}
}

func (s *Store) ResetUnread(conversationId string) {
	s.mu.Lock()
	conversation, ok := s.conversations[conversationId]
	if ok && conversation.UnreadCount != 0 {
		conversation.UnreadCount = 0
		s.conversations[conversationId] = conversation
		s.mu.Unlock()
		s.publish(Update{Kind: UpdateConversationList})
		return
	}
	s.mu.Unlock()
}

func (s *Store) SetOpenConversation(view *ConversationView) {
	s.mu.Lock()
	s.open = view
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateConversation})
}

func (s *Store) OpenConversation() *ConversationView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

func (s *Store) ClearOpenConversation() {
	s.mu.Lock()
	s.open = nil
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateConversation})
}

func (s *Store) SetCall(call *CallSnapshot) {
	s.mu.Lock()
	s.call = call
	s.mu.Unlock()
	s.publish(Update{Kind: UpdateCall})
}

func (s *Store) Call() *CallSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.call
}

// Notify surfaces a one-shot user-visible notice (membership side effects,
// transient failures).
func (s *Store) Notify(notice string) {
	s.publish(Update{Kind: UpdateNotice, Notice: notice})
}

// NotifyPresence signals that the live presence cache changed; views re-read
// counts through the tracker.
func (s *Store) NotifyPresence() {
	s.publish(Update{Kind: UpdatePresence})
}

// PublishScroll passes a viewport instruction through to the view layer.
func (s *Store) PublishScroll(scroll Scroll) {
	s.publish(Update{Kind: UpdateScroll, Scroll: scroll})
}
