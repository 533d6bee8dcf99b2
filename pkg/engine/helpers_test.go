package engine

import (
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

type sentEvent struct {
	event   string
	payload interface{}
}

// fakeTransport records emits and lets tests push inbound events through the
// registered handlers, standing in for the live socket.
type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]Handler
	sent      []sentEvent
	ackFn     func(event string, payload interface{}) (json.RawMessage, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, handlers: make(map[string][]Handler)}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) setConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

func (f *fakeTransport) Emit(event string, payload interface{}) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) EmitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	ackFn := f.ackFn
	f.mu.Unlock()
	if ackFn != nil {
		return ackFn(event, payload)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) Subscribe(event string, handler Handler) func() {
	f.mu.Lock()
	f.handlers[event] = append(f.handlers[event], handler)
	f.mu.Unlock()
	return func() {}
}

// deliver pushes one inbound event through every registered handler, the way
// the read pump would.
func (f *fakeTransport) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	f.mu.Lock()
	handlers := append([]Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(data)
	}
}

func (f *fakeTransport) emitted(event string) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, sent := range f.sent {
		if sent.event == event {
			out = append(out, sent)
		}
	}
	return out
}

// fakeChatAPI serves canned conversation pages and records admin calls.
type fakeChatAPI struct {
	mu       sync.Mutex
	pages    map[string]map[int]api.ConversationPage
	pageHook func(conversationId string, page int)
	pageErr  error
	pageCtx  context.Context
	result   api.Conversation
	adminErr error
	calls    []string
}

var _ ChatAPI = (*fakeChatAPI)(nil)

func newFakeChatAPI() *fakeChatAPI {
	return &fakeChatAPI{pages: make(map[string]map[int]api.ConversationPage)}
}

func (f *fakeChatAPI) setPage(conversationId string, page int, result api.ConversationPage) {
	f.mu.Lock()
	if f.pages[conversationId] == nil {
		f.pages[conversationId] = make(map[int]api.ConversationPage)
	}
	f.pages[conversationId][page] = result
	f.mu.Unlock()
}

func (f *fakeChatAPI) called(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, call := range f.calls {
		if call == name {
			count++
		}
	}
	return count
}

func (f *fakeChatAPI) Conversations(ctx context.Context) ([]api.Conversation, error) {
	return nil, nil
}

func (f *fakeChatAPI) ConversationPage(ctx context.Context, conversationId string, page int, limit int) (api.ConversationPage, error) {
	f.mu.Lock()
	hook := f.pageHook
	pageErr := f.pageErr
	result, ok := f.pages[conversationId][page]
	f.pageCtx = ctx
	f.calls = append(f.calls, "page")
	f.mu.Unlock()

	if hook != nil {
		hook(conversationId, page)
	}
	if pageErr != nil {
		return api.ConversationPage{}, pageErr
	}
	if !ok {
		return api.ConversationPage{Page: page, Limit: limit}, nil
	}
	return result, nil
}

func (f *fakeChatAPI) CreateConversation(ctx context.Context, newConversation api.NewConversation) (api.Conversation, error) {
	return f.admin("create")
}

func (f *fakeChatAPI) RemoveParticipant(ctx context.Context, conversationId string, userId string) (api.Conversation, error) {
	return f.admin("remove")
}

func (f *fakeChatAPI) PromoteParticipant(ctx context.Context, conversationId string, userId string) (api.Conversation, error) {
	return f.admin("promote")
}

func (f *fakeChatAPI) AddParticipants(ctx context.Context, conversationId string, userIds []string) (api.Conversation, error) {
	return f.admin("add")
}

func (f *fakeChatAPI) RenameGroup(ctx context.Context, conversationId string, name string) (api.Conversation, error) {
	return f.admin("rename")
}

func (f *fakeChatAPI) LeaveGroup(ctx context.Context, conversationId string) (api.Conversation, error) {
	return f.admin("leave")
}

func (f *fakeChatAPI) MarkConversationRead(ctx context.Context, conversationId string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "read")
	f.mu.Unlock()
	return nil
}

func (f *fakeChatAPI) admin(name string) (api.Conversation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	result := f.result
	err := f.adminErr
	f.mu.Unlock()
	return result, err
}

type fakeUploader struct {
	media *api.Media
	err   error
	calls int
}

func (f *fakeUploader) Upload(ctx context.Context, attachment Attachment) (*api.Media, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.media, nil
}

type fakeTrack struct {
	kind    string
	enabled bool
	stopped bool
}

func (t *fakeTrack) Kind() string            { return t.kind }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeTrack) Enabled() bool           { return t.enabled }
func (t *fakeTrack) Stop()                   { t.stopped = true }

type fakeStream struct {
	tracks   []Track
	released bool
}

func newFakeStream(callType api.CallType) *fakeStream {
	tracks := []Track{&fakeTrack{kind: "audio", enabled: true}}
	if callType == api.CallVideo {
		tracks = append(tracks, &fakeTrack{kind: "video", enabled: true})
	}
	return &fakeStream{tracks: tracks}
}

func (s *fakeStream) Tracks() []Track { return s.tracks }
func (s *fakeStream) Release()        { s.released = true }

func (s *fakeStream) track(kind string) *fakeTrack {
	for _, track := range s.tracks {
		if track.Kind() == kind {
			return track.(*fakeTrack)
		}
	}
	return nil
}

type fakeMedia struct {
	err      error
	acquired []*fakeStream
}

func (m *fakeMedia) Acquire(ctx context.Context, callType api.CallType) (MediaStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	stream := newFakeStream(callType)
	m.acquired = append(m.acquired, stream)
	return stream, nil
}

type fakePeer struct {
	offers      int
	handled     []string
	answers     []string
	candidates  []string
	closed      bool
	candidateFn func(string)
	remoteFn    func(MediaStream)
}

func (p *fakePeer) CreateOffer(ctx context.Context) (string, error) {
	p.offers++
	return "offer-sdp", nil
}

func (p *fakePeer) HandleOffer(ctx context.Context, sdp string) (string, error) {
	p.handled = append(p.handled, sdp)
	return "answer-sdp", nil
}

func (p *fakePeer) HandleAnswer(ctx context.Context, sdp string) error {
	p.answers = append(p.answers, sdp)
	return nil
}

func (p *fakePeer) AddCandidate(candidate string) error {
	p.candidates = append(p.candidates, candidate)
	return nil
}

func (p *fakePeer) OnCandidate(fn func(string))         { p.candidateFn = fn }
func (p *fakePeer) OnRemoteStream(fn func(MediaStream)) { p.remoteFn = fn }
func (p *fakePeer) Close()                              { p.closed = true }

type fakePeerFactory struct {
	err   error
	peers []*fakePeer
}

func (f *fakePeerFactory) NewPeer(local MediaStream) (PeerSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	peer := &fakePeer{}
	f.peers = append(f.peers, peer)
	return peer, nil
}

var testBase = time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)

func testMessage(id string, conversationId string, senderId string, content string, offset time.Duration) api.Message {
	return api.Message{
		Id:             id,
		ConversationId: conversationId,
		SenderId:       senderId,
		Content:        content,
		CreatedAt:      testBase.Add(offset),
	}
}

func groupConversation(id string, name string, userIds ...string) api.Conversation {
	conversation := api.Conversation{Id: id, Name: name, Type: api.ConversationGroup}
	for _, userId := range userIds {
		conversation.Participants = append(conversation.Participants, api.Participant{
			UserId:   userId,
			Username: userId,
			Role:     api.RoleMember,
		})
	}
	return conversation
}

func messageIds(messages []api.Message) []string {
	ids := make([]string, len(messages))
	for i, message := range messages {
		ids[i] = message.Id
	}
	return ids
}

func drainUpdates(ch <-chan Update) []Update {
	var out []Update
	for {
		select {
		case update := <-ch:
			out = append(out, update)
		default:
			return out
		}
	}
}
