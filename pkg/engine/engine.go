package engine

import (
	"context"
	"net/http"
)

// Config carries everything the engine needs to talk to a chat backend.
type Config struct {
	SocketURL  string
	APIBaseURL string
	AuthToken  string
	SelfId     string

	// PageLimit is the message page size. Zero means the default.
	PageLimit int

	// HTTPClient is used for REST calls when set.
	HTTPClient *http.Client

	// Media and Peers are required for calls. An engine built without
	// them can still message; call operations return ErrMediaUnavailable.
	Media MediaProvider
	Peers PeerFactory

	// Uploader handles message attachments. Optional.
	Uploader Uploader
}

// Engine ties the session, store and per-concern controllers together.
type Engine struct {
	Store         *Store
	Session       *Session
	Chats         ChatAPI
	Presence      *Tracker
	Conversations *Synchronizer
	Members       *Membership
	Calls         *CallController
}

func New(config Config) *Engine {
	store := NewStore()
	session := NewSession(config.SocketURL, config.AuthToken, store)
	chats := NewClient(config.APIBaseURL, config.AuthToken, config.HTTPClient)
	presence := NewTracker(session, store)
	conversations := NewSynchronizer(session, chats, config.Uploader, presence, store, config.SelfId, config.PageLimit)
	members := NewMembership(session, chats, conversations, store, config.SelfId)
	calls := NewCallController(session, store, config.Media, config.Peers, config.SelfId)

	return &Engine{
		Store:         store,
		Session:       session,
		Chats:         chats,
		Presence:      presence,
		Conversations: conversations,
		Members:       members,
		Calls:         calls,
	}
}

// Connect dials the socket and authenticates. Reconnects are handled
// internally until Close is called.
func (e *Engine) Connect(ctx context.Context) error {
	return e.Session.Connect(ctx)
}

// LoadConversations fetches the conversation list and seeds the store.
func (e *Engine) LoadConversations(ctx context.Context) error {
	conversations, err := e.Chats.Conversations(ctx)
	if err != nil {
		return err
	}
	e.Store.SetConversations(conversations)
	return nil
}

// Close tears down any active call, leaves the open conversation and
// shuts the socket down.
func (e *Engine) Close() {
	e.Calls.Stop()
	e.Conversations.Close()
	e.Conversations.Stop()
	e.Members.Stop()
	e.Presence.Stop()
	e.Session.Close()
}
