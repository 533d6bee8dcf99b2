package engine

import (
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPresenceFixture(online map[string]bool) (*fakeTransport, *Store, *Tracker) {
	transport := newFakeTransport()
	transport.ackFn = func(event string, payload interface{}) (json.RawMessage, error) {
		return json.Marshal(online)
	}
	store := NewStore()
	return transport, store, NewTracker(transport, store)
}

func TestTrackSeedsAndFollowsLiveEvents(t *testing.T) {
	transport, store, tracker := newPresenceFixture(map[string]bool{"alice": true, "bob": false})
	store.SetConnected(true)

	require.NoError(t, tracker.Track(context.Background(), []string{"alice", "bob"}))

	assert.True(t, tracker.IsOnline("alice"))
	assert.False(t, tracker.IsOnline("bob"))

	transport.deliver(t, api.EventUserOnline, api.PresencePayload{UserId: "bob"})
	assert.True(t, tracker.IsOnline("bob"))

	transport.deliver(t, api.EventUserOffline, api.PresencePayload{UserId: "alice"})
	assert.False(t, tracker.IsOnline("alice"))

	// Events for users nobody tracks are ignored.
	transport.deliver(t, api.EventUserOnline, api.PresencePayload{UserId: "stranger"})
	assert.False(t, tracker.IsOnline("stranger"))
}

func TestResetDropsCache(t *testing.T) {
	_, _, tracker := newPresenceFixture(map[string]bool{"alice": true})
	require.NoError(t, tracker.Track(context.Background(), []string{"alice"}))
	require.True(t, tracker.IsOnline("alice"))

	tracker.Reset()

	assert.False(t, tracker.IsOnline("alice"))
}

func TestOnlineCount(t *testing.T) {
	conversation := groupConversation("c1", "hikers", "me", "alice", "bob", "carol", "dan")
	conversation.ParticipantById("dan").Role = api.RoleRemoved

	transport, store, tracker := newPresenceFixture(map[string]bool{"alice": true, "bob": false, "carol": true, "dan": true})
	store.SetConnected(true)
	require.NoError(t, tracker.Track(context.Background(), []string{"alice", "bob", "carol", "dan"}))

	// alice and carol online, bob offline, dan removed (online but excluded),
	// plus the connected viewer.
	assert.Equal(t, 3, tracker.OnlineCount(&conversation, "me"))

	transport.deliver(t, api.EventUserOnline, api.PresencePayload{UserId: "bob"})
	assert.Equal(t, 4, tracker.OnlineCount(&conversation, "me"))

	// The viewer only counts while the socket is up.
	store.SetConnected(false)
	assert.Equal(t, 3, tracker.OnlineCount(&conversation, "me"))
	store.SetConnected(true)

	tests := []struct {
		name     string
		mutate   func(conversation *api.Conversation)
		expected int
	}{
		{
			name:     "removed viewer sees zero",
			mutate:   func(c *api.Conversation) { c.ParticipantById("me").Role = api.RoleRemoved },
			expected: 0,
		},
		{
			name:     "left viewer sees zero",
			mutate:   func(c *api.Conversation) { c.ParticipantById("me").Role = api.RoleLeft },
			expected: 0,
		},
		{
			name: "alone in the group",
			mutate: func(c *api.Conversation) {
				c.Participants = c.Participants[:1]
			},
			expected: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := groupConversation("c1", "hikers", "me", "alice", "bob", "carol")
			tt.mutate(&c)
			assert.Equal(t, tt.expected, tracker.OnlineCount(&c, "me"))
		})
	}

	assert.Zero(t, tracker.OnlineCount(nil, "me"))
}
