package engine

import (
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
)

const defaultPageLimit = 20

// Synchronizer keeps the open conversation consistent with the server: it
// fetches the initial history page, merges older pages the user pulls in,
// appends live-pushed messages, and tracks the paging cursor. Messages are
// held sorted by (createdAt, id) with id-keyed dedupe, so a live message
// racing an older-page response can never interleave or duplicate.
type Synchronizer struct {
	transport Transport
	chats     ChatAPI
	uploader  Uploader
	presence  *Tracker
	store     *Store
	selfId    string
	pageLimit int

	mu             sync.Mutex
	conversationId string
	conversation   api.Conversation
	messages       []api.Message
	seen           map[string]struct{}
	phase          Phase
	page           int
	hasMore        bool
	total          int
	joined         bool
	nearBottom     bool
	sending        bool
	loadCancel     context.CancelFunc
	unsubs         []func()
}

func NewSynchronizer(transport Transport, chats ChatAPI, uploader Uploader, presence *Tracker, store *Store, selfId string, pageLimit int) *Synchronizer {
	if pageLimit <= 0 {
		pageLimit = defaultPageLimit
	}
	s := &Synchronizer{
		transport: transport,
		chats:     chats,
		uploader:  uploader,
		presence:  presence,
		store:     store,
		selfId:    selfId,
		pageLimit: pageLimit,
		seen:      make(map[string]struct{}),
	}
	s.unsubs = append(s.unsubs,
		transport.Subscribe(api.EventMessageReceived, s.handleMessage),
		transport.Subscribe(EventConnected, s.handleConnected),
	)
	return s
}

// CurrentId returns the open conversation's id, or "".
func (s *Synchronizer) CurrentId() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationId
}

// Open joins the conversation's room and loads its first history page. A
// conversation the viewer was removed from (or left) is opened read-only
// without joining the room.
func (s *Synchronizer) Open(ctx context.Context, conversationId string) error {
	s.Close()

	s.mu.Lock()
	s.conversationId = conversationId
	s.phase = PhaseLoadingInitial
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.nearBottom = true
	s.mu.Unlock()

	if s.viewerActive(conversationId) {
		if err := s.transport.Emit(api.EventJoinConversation, api.RoomPayload{ConversationId: conversationId}); err != nil {
			log.Printf("Unable to join conversation room: %v", err)
		} else {
			s.mu.Lock()
			s.joined = true
			s.mu.Unlock()
		}
	}

	result, err := s.chats.ConversationPage(ctx, conversationId, 1, s.pageLimit)

	s.mu.Lock()
	if s.conversationId != conversationId {
		// Navigated away while the fetch was in flight.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.phase = PhaseIdle
		s.mu.Unlock()
		return err
	}
	s.setConversationLocked(result.Conversation)
	for _, message := range result.Messages {
		s.upsertLocked(message)
	}
	s.page = result.Page
	s.hasMore = result.HasMore
	s.total = result.Total
	s.phase = PhaseReady
	s.publishLocked()
	peerIds := s.activePeerIdsLocked()
	s.mu.Unlock()

	s.store.UpsertConversation(result.Conversation)
	s.store.PublishScroll(Scroll{ToBottom: true})

	// Presence is advisory; a failed seed just leaves the count stale until
	// the next live event.
	if err := s.presence.Track(ctx, peerIds); err != nil {
		log.Printf("Unable to seed presence for conversation %s: %v", conversationId, err)
	}
	return nil
}

// LoadOlder merges the next history page before the already-rendered tail.
// It returns the id of the message that was topmost beforehand so the view
// can restore its scroll position. A no-op unless the synchronizer is ready
// and more pages exist.
func (s *Synchronizer) LoadOlder(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.phase != PhaseReady || !s.hasMore {
		s.mu.Unlock()
		return "", nil
	}
	conversationId := s.conversationId
	next := s.page + 1
	anchor := ""
	if len(s.messages) > 0 {
		anchor = s.messages[0].Id
	}
	s.phase = PhaseLoadingOlder
	ctx, cancel := context.WithCancel(ctx)
	s.loadCancel = cancel
	s.mu.Unlock()
	defer cancel()

	result, err := s.chats.ConversationPage(ctx, conversationId, next, s.pageLimit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversationId != conversationId || s.phase != PhaseLoadingOlder {
		// The conversation was closed mid-flight; the response is stale.
		return "", nil
	}
	s.loadCancel = nil
	if err != nil {
		s.phase = PhaseReady
		return "", err
	}
	for _, message := range result.Messages {
		s.upsertLocked(message)
	}
	s.page = next
	s.hasMore = result.HasMore
	s.total = result.Total
	s.phase = PhaseReady
	s.publishLocked()
	s.store.PublishScroll(Scroll{AnchorId: anchor})
	return anchor, nil
}

// Send uploads the attachment (if any) and emits the send action. On failure
// the compose content is the caller's to keep; the engine never clears it.
// The empty-message guard lives here, not in the UI button state.
func (s *Synchronizer) Send(ctx context.Context, content string, attachment *Attachment) (api.Message, error) {
	var message api.Message

	s.mu.Lock()
	if s.conversationId == "" {
		s.mu.Unlock()
		return message, ErrNoConversation
	}
	if content == "" && attachment == nil {
		s.mu.Unlock()
		return message, ErrEmptyMessage
	}
	if s.sending {
		s.mu.Unlock()
		return message, ErrSendInFlight
	}
	if self := s.conversation.ParticipantById(s.selfId); self != nil && !self.Role.Active() {
		s.mu.Unlock()
		return message, ErrNotParticipant
	}
	conversationId := s.conversationId
	s.sending = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sending = false
		s.mu.Unlock()
	}()

	if !s.transport.Connected() {
		return message, ErrDisconnected
	}

	var media *api.Media
	if attachment != nil {
		uploaded, err := s.uploader.Upload(ctx, *attachment)
		if err != nil {
			return message, err
		}
		media = uploaded
	}

	raw, err := s.transport.EmitWithAck(ctx, api.EventSendMessage, api.SendMessagePayload{
		ConversationId: conversationId,
		Content:        content,
		Media:          media,
	})
	if err != nil {
		return message, err
	}
	if err := json.Unmarshal(raw, &message); err != nil {
		return message, err
	}

	s.mu.Lock()
	if s.conversationId == conversationId {
		s.upsertLocked(message)
		s.publishLocked()
		s.store.PublishScroll(Scroll{ToBottom: true})
	}
	// A confirmation landing after the conversation closed is simply dropped.
	s.mu.Unlock()

	s.store.SetLastMessage(conversationId, message, false)
	return message, nil
}

// MarkRead resets the unread counter for the open conversation.
func (s *Synchronizer) MarkRead(ctx context.Context) error {
	conversationId := s.CurrentId()
	if conversationId == "" {
		return ErrNoConversation
	}
	if err := s.chats.MarkConversationRead(ctx, conversationId); err != nil {
		return err
	}
	s.store.ResetUnread(conversationId)
	return nil
}

// SetNearBottom records whether the viewport sits near the message tail.
// Live messages only auto-scroll when it does; the synchronizer never yanks
// a viewer who is reading history.
func (s *Synchronizer) SetNearBottom(nearBottom bool) {
	s.mu.Lock()
	s.nearBottom = nearBottom
	s.mu.Unlock()
}

// Refresh re-fetches the canonical conversation detail. Used after admin
// operations, where server truth beats optimistic patching.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	conversationId := s.CurrentId()
	if conversationId == "" {
		return nil
	}

	result, err := s.chats.ConversationPage(ctx, conversationId, 1, s.pageLimit)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.conversationId != conversationId {
		s.mu.Unlock()
		return nil
	}
	s.setConversationLocked(result.Conversation)
	for _, message := range result.Messages {
		s.upsertLocked(message)
	}
	s.total = result.Total
	s.publishLocked()
	s.mu.Unlock()

	s.store.UpsertConversation(result.Conversation)
	return nil
}

// Close leaves the room and clears all per-conversation state. Mandatory on
// navigation away: it cancels a pending older-page load and prevents events
// leaking into a conversation later reopened under a different id.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.conversationId == "" {
		s.mu.Unlock()
		return
	}
	conversationId := s.conversationId
	joined := s.joined
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	s.conversationId = ""
	s.conversation = api.Conversation{}
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.phase = PhaseIdle
	s.page = 0
	s.hasMore = false
	s.total = 0
	s.joined = false
	s.mu.Unlock()

	if joined {
		if err := s.transport.Emit(api.EventLeaveConversation, api.RoomPayload{ConversationId: conversationId}); err != nil {
			log.Printf("Unable to leave conversation room: %v", err)
		}
	}
	s.presence.Reset()
	s.store.ClearOpenConversation()
}

// Stop removes the live subscriptions.
func (s *Synchronizer) Stop() {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// Messages returns a copy of the current in-memory list.
func (s *Synchronizer) Messages() []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]api.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// applyRole mutates one participant's role in the open conversation.
// Idempotent: re-applying the same transition reports no change.
func (s *Synchronizer) applyRole(conversationId string, userId string, role api.Role) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationId != s.conversationId {
		return false
	}
	participant := s.conversation.ParticipantById(userId)
	if participant == nil || participant.Role == role {
		return false
	}
	participant.Role = role
	s.publishLocked()
	return true
}

// applyParticipants upserts freshly added members into the open conversation.
func (s *Synchronizer) applyParticipants(conversationId string, participants []api.Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationId != s.conversationId {
		return
	}
	changed := false
	for _, incoming := range participants {
		if existing := s.conversation.ParticipantById(incoming.UserId); existing != nil {
			if existing.Role != incoming.Role {
				*existing = incoming
				changed = true
			}
			continue
		}
		s.conversation.Participants = append(s.conversation.Participants, incoming)
		changed = true
	}
	if changed {
		s.publishLocked()
	}
}

// applyName renames the open conversation.
func (s *Synchronizer) applyName(conversationId string, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationId != s.conversationId || s.conversation.Name == name {
		return
	}
	s.conversation.Name = name
	s.publishLocked()
}

// handleConnected re-emits the open conversation's room join after the
// session attaches a fresh socket. The server's room membership is per
// connection, so without the rejoin a reconnected client would miss every
// room-scoped event for the rest of the session.
func (s *Synchronizer) handleConnected(json.RawMessage) {
	s.mu.Lock()
	conversationId := s.conversationId
	s.mu.Unlock()
	if conversationId == "" || !s.viewerActive(conversationId) {
		return
	}

	if err := s.transport.Emit(api.EventJoinConversation, api.RoomPayload{ConversationId: conversationId}); err != nil {
		log.Printf("Unable to rejoin conversation room: %v", err)
		return
	}
	s.mu.Lock()
	if s.conversationId == conversationId {
		s.joined = true
	}
	s.mu.Unlock()
}

func (s *Synchronizer) handleMessage(data json.RawMessage) {
	var message api.Message
	if err := json.Unmarshal(data, &message); err != nil {
		log.Printf("Could not process incoming message: %v", err)
		return
	}

	s.store.SetLastMessage(message.ConversationId, message, message.SenderId != s.selfId)

	s.mu.Lock()
	if message.ConversationId != s.conversationId {
		// Stale target: not an error, just not ours anymore.
		s.mu.Unlock()
		return
	}
	if s.upsertLocked(message) {
		s.total++
		s.publishLocked()
		if s.nearBottom {
			s.store.PublishScroll(Scroll{ToBottom: true})
		}
	}
	s.mu.Unlock()
}

// setConversationLocked installs a fetched conversation with its own
// participant slice, so role mutations here never reach into the store's
// cached copy of the same fetch result.
func (s *Synchronizer) setConversationLocked(conversation api.Conversation) {
	conversation.Participants = append([]api.Participant(nil), conversation.Participants...)
	s.conversation = conversation
}

// upsertLocked inserts the message at its sorted position, skipping ids that
// are already present. Idempotence and ordering are properties of this data
// structure, not of call-site discipline.
func (s *Synchronizer) upsertLocked(message api.Message) bool {
	if _, ok := s.seen[message.Id]; ok {
		return false
	}
	s.seen[message.Id] = struct{}{}

	i := sort.Search(len(s.messages), func(i int) bool {
		if s.messages[i].CreatedAt.Equal(message.CreatedAt) {
			return s.messages[i].Id >= message.Id
		}
		return s.messages[i].CreatedAt.After(message.CreatedAt)
	})
	s.messages = append(s.messages, api.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = message
	return true
}

func (s *Synchronizer) publishLocked() {
	messages := make([]api.Message, len(s.messages))
	copy(messages, s.messages)

	composeDisabled := false
	if self := s.conversation.ParticipantById(s.selfId); self != nil && !self.Role.Active() {
		composeDisabled = true
	}

	// The view gets its own participant slice; a later membership event must
	// not mutate an already-published snapshot.
	conversation := s.conversation
	conversation.Participants = append([]api.Participant(nil), s.conversation.Participants...)

	s.store.SetOpenConversation(&ConversationView{
		Conversation:    conversation,
		Messages:        messages,
		Phase:           s.phase,
		Page:            s.page,
		HasMore:         s.hasMore,
		Total:           s.total,
		ComposeDisabled: composeDisabled,
	})
}

func (s *Synchronizer) activePeerIdsLocked() []string {
	var ids []string
	for _, participant := range s.conversation.Participants {
		if participant.UserId != s.selfId && participant.Role.Active() {
			ids = append(ids, participant.UserId)
		}
	}
	return ids
}

// viewerActive consults the cached list entry; an unknown conversation is
// assumed joinable and the server has the final say.
func (s *Synchronizer) viewerActive(conversationId string) bool {
	conversation, ok := s.store.Conversation(conversationId)
	if !ok {
		return true
	}
	self := conversation.ParticipantById(s.selfId)
	return self == nil || self.Role.Active()
}
