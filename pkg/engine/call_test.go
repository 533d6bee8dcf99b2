package engine

import (
	"chatEngine/pkg/api"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type callFixture struct {
	transport *fakeTransport
	store     *Store
	media     *fakeMedia
	peers     *fakePeerFactory
	calls     *CallController
}

func newCallFixture() *callFixture {
	transport := newFakeTransport()
	store := NewStore()
	media := &fakeMedia{}
	peers := &fakePeerFactory{}
	return &callFixture{
		transport: transport,
		store:     store,
		media:     media,
		peers:     peers,
		calls:     NewCallController(transport, store, media, peers, "me"),
	}
}

func (f *callFixture) assertTornDown(t *testing.T) {
	t.Helper()
	assert.Equal(t, CallIdle, f.calls.State())
	assert.Nil(t, f.store.Call())
	assert.Zero(t, f.calls.ActiveTracks())
	for _, stream := range f.media.acquired {
		assert.True(t, stream.released)
		for _, track := range stream.tracks {
			assert.True(t, track.(*fakeTrack).stopped)
		}
	}
}

func TestOutgoingCallLifecycle(t *testing.T) {
	f := newCallFixture()

	require.NoError(t, f.calls.Start(context.Background(), "c1", api.CallVideo, []string{"me", "alice"}))

	invites := f.transport.emitted(api.EventCallInvite)
	require.Len(t, invites, 1)
	invite := invites[0].payload.(api.CallSignal)
	assert.Equal(t, "c1", invite.ConversationId)
	assert.Equal(t, api.CallVideo, invite.CallType)
	assert.Equal(t, []string{"me", "alice"}, invite.Participants)

	snapshot := f.store.Call()
	require.NotNil(t, snapshot)
	assert.Equal(t, CallRingingOutgoing, snapshot.State)
	assert.Equal(t, "me", snapshot.Caller)
	assert.Equal(t, []string{"alice"}, snapshot.Participants)
	assert.Equal(t, 2, f.calls.ActiveTracks())

	f.transport.deliver(t, api.EventCallAccept, api.CallSignal{CallId: invite.CallId, From: "alice"})
	assert.Equal(t, CallConnecting, f.calls.State())

	// The acceptor opens the exchange; answering its offer creates our peer.
	f.transport.deliver(t, api.EventCallOffer, api.CallSignal{CallId: invite.CallId, From: "alice", SDP: "alice-offer"})
	require.Len(t, f.peers.peers, 1)
	assert.Equal(t, []string{"alice-offer"}, f.peers.peers[0].handled)
	answers := f.transport.emitted(api.EventCallAnswer)
	require.Len(t, answers, 1)
	answer := answers[0].payload.(api.CallSignal)
	assert.Equal(t, "alice", answer.To)
	assert.Equal(t, "answer-sdp", answer.SDP)

	// Media flowing from the first peer activates the call.
	remote := newFakeStream(api.CallVideo)
	f.peers.peers[0].remoteFn(remote)
	assert.Equal(t, CallActive, f.calls.State())
	assert.Equal(t, 4, f.calls.ActiveTracks())

	f.calls.Hangup()

	ends := f.transport.emitted(api.EventCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, invite.CallId, ends[0].payload.(api.CallSignal).CallId)
	assert.True(t, f.peers.peers[0].closed)
	assert.True(t, remote.released)
	f.assertTornDown(t)
}

func TestOutgoingMediaFailureRetractsInvite(t *testing.T) {
	f := newCallFixture()
	f.media.err = errors.New("permission denied")

	err := f.calls.Start(context.Background(), "c1", api.CallAudio, []string{"me", "alice"})

	require.ErrorIs(t, err, ErrMediaUnavailable)
	invites := f.transport.emitted(api.EventCallInvite)
	require.Len(t, invites, 1)
	// Peers already got the invite, so the end signal must retract it.
	ends := f.transport.emitted(api.EventCallEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, invites[0].payload.(api.CallSignal).CallId, ends[0].payload.(api.CallSignal).CallId)
	f.assertTornDown(t)
}

func TestSecondInviteAutoDeclinedBusy(t *testing.T) {
	f := newCallFixture()
	require.NoError(t, f.calls.Start(context.Background(), "c1", api.CallAudio, []string{"me", "alice"}))

	f.transport.deliver(t, api.EventCallInvite, api.CallSignal{
		CallId:         "call-2",
		ConversationId: "c2",
		From:           "carol",
		CallType:       api.CallAudio,
		Participants:   []string{"carol", "me"},
	})

	declines := f.transport.emitted(api.EventCallDecline)
	require.Len(t, declines, 1)
	decline := declines[0].payload.(api.CallSignal)
	assert.Equal(t, "call-2", decline.CallId)
	assert.Equal(t, "carol", decline.To)
	assert.Equal(t, "busy", decline.Reason)
	assert.Equal(t, CallRingingOutgoing, f.calls.State())
}

func TestAcceptOffersEveryPeer(t *testing.T) {
	f := newCallFixture()
	f.transport.deliver(t, api.EventCallInvite, api.CallSignal{
		CallId:         "call-9",
		ConversationId: "c1",
		From:           "alice",
		CallType:       api.CallAudio,
		Participants:   []string{"alice", "bob", "me"},
	})
	require.Equal(t, CallRingingIncoming, f.calls.State())
	snapshot := f.store.Call()
	require.NotNil(t, snapshot)
	assert.Equal(t, "alice", snapshot.Caller)

	require.NoError(t, f.calls.Accept(context.Background()))

	accepts := f.transport.emitted(api.EventCallAccept)
	require.Len(t, accepts, 1)
	assert.Equal(t, "alice", accepts[0].payload.(api.CallSignal).To)

	offers := f.transport.emitted(api.EventCallOffer)
	require.Len(t, offers, 2)
	targets := []string{
		offers[0].payload.(api.CallSignal).To,
		offers[1].payload.(api.CallSignal).To,
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, targets)
	require.Len(t, f.peers.peers, 2)
	assert.Equal(t, CallConnecting, f.calls.State())

	f.transport.deliver(t, api.EventCallAnswer, api.CallSignal{CallId: "call-9", From: "alice", SDP: "alice-answer"})
	assert.Equal(t, []string{"alice-answer"}, f.peers.peers[0].answers)

	f.transport.deliver(t, api.EventCallCandidate, api.CallSignal{CallId: "call-9", From: "alice", Candidate: "cand-1"})
	assert.Equal(t, []string{"cand-1"}, f.peers.peers[0].candidates)

	f.peers.peers[0].remoteFn(newFakeStream(api.CallAudio))
	assert.Equal(t, CallActive, f.calls.State())

	f.transport.deliver(t, api.EventCallEnd, api.CallSignal{CallId: "call-9", From: "alice"})

	// A remote end releases everything without echoing another end signal.
	assert.Empty(t, f.transport.emitted(api.EventCallEnd))
	f.assertTornDown(t)
}

func TestAcceptMediaFailureDeclines(t *testing.T) {
	f := newCallFixture()
	f.transport.deliver(t, api.EventCallInvite, api.CallSignal{
		CallId:         "call-9",
		ConversationId: "c1",
		From:           "alice",
		CallType:       api.CallVideo,
		Participants:   []string{"alice", "me"},
	})
	f.media.err = errors.New("no camera")

	err := f.calls.Accept(context.Background())

	require.ErrorIs(t, err, ErrMediaUnavailable)
	declines := f.transport.emitted(api.EventCallDecline)
	require.Len(t, declines, 1)
	decline := declines[0].payload.(api.CallSignal)
	assert.Equal(t, "alice", decline.To)
	assert.Equal(t, "media-failure", decline.Reason)
	assert.Empty(t, f.transport.emitted(api.EventCallEnd))
	f.assertTornDown(t)
}

func TestDeclineIncomingCall(t *testing.T) {
	f := newCallFixture()
	f.transport.deliver(t, api.EventCallInvite, api.CallSignal{
		CallId:         "call-9",
		ConversationId: "c1",
		From:           "alice",
		CallType:       api.CallAudio,
		Participants:   []string{"alice", "me"},
	})

	require.NoError(t, f.calls.Decline())

	declines := f.transport.emitted(api.EventCallDecline)
	require.Len(t, declines, 1)
	assert.Equal(t, "alice", declines[0].payload.(api.CallSignal).To)
	f.assertTornDown(t)

	// Declining with nothing pending is a state error.
	assert.ErrorIs(t, f.calls.Decline(), ErrCallState)
}

func TestLastPeerDeclineEndsOutgoingCall(t *testing.T) {
	f := newCallFixture()
	require.NoError(t, f.calls.Start(context.Background(), "c1", api.CallAudio, []string{"me", "alice"}))
	callId := f.store.Call().CallId

	f.transport.deliver(t, api.EventCallDecline, api.CallSignal{CallId: callId, From: "alice"})

	assert.Empty(t, f.transport.emitted(api.EventCallEnd))
	f.assertTornDown(t)
}

func TestMediaStatusToggleAndBroadcast(t *testing.T) {
	f := newCallFixture()
	f.transport.deliver(t, api.EventCallInvite, api.CallSignal{
		CallId:         "call-9",
		ConversationId: "c1",
		From:           "alice",
		CallType:       api.CallVideo,
		Participants:   []string{"alice", "me"},
	})
	require.NoError(t, f.calls.Accept(context.Background()))

	f.calls.SetMic(false)

	local := f.media.acquired[0]
	assert.False(t, local.track("audio").enabled)
	assert.True(t, local.track("video").enabled)
	statuses := f.transport.emitted(api.EventCallMediaStatus)
	require.Len(t, statuses, 1)
	status := statuses[0].payload.(api.CallSignal)
	require.NotNil(t, status.Mic)
	require.NotNil(t, status.Camera)
	assert.False(t, *status.Mic)
	assert.True(t, *status.Camera)
	snapshot := f.store.Call()
	require.NotNil(t, snapshot)
	assert.False(t, snapshot.Mic["me"])

	// A peer's self-reported status lands in the snapshot too.
	off := false
	f.transport.deliver(t, api.EventCallMediaStatus, api.CallSignal{CallId: "call-9", From: "alice", Camera: &off})
	snapshot = f.store.Call()
	require.NotNil(t, snapshot)
	assert.False(t, snapshot.Camera["alice"])
}

func TestStartWhileBusy(t *testing.T) {
	f := newCallFixture()
	require.NoError(t, f.calls.Start(context.Background(), "c1", api.CallAudio, []string{"me", "alice"}))

	err := f.calls.Start(context.Background(), "c2", api.CallAudio, []string{"me", "bob"})

	assert.ErrorIs(t, err, ErrCallBusy)
}

func TestStartWithoutMediaProvider(t *testing.T) {
	transport := newFakeTransport()
	store := NewStore()
	calls := NewCallController(transport, store, nil, nil, "me")

	err := calls.Start(context.Background(), "c1", api.CallVideo, []string{"me", "alice"})

	assert.ErrorIs(t, err, ErrMediaUnavailable)
	assert.Empty(t, transport.emitted(api.EventCallInvite))
	assert.Equal(t, CallIdle, calls.State())
}

func TestAcceptWithoutMediaProviderDeclines(t *testing.T) {
	transport := newFakeTransport()
	store := NewStore()
	calls := NewCallController(transport, store, nil, nil, "me")
	transport.deliver(t, api.EventCallInvite, api.CallSignal{
		CallId:         "call-7",
		ConversationId: "c1",
		From:           "alice",
		CallType:       api.CallAudio,
		Participants:   []string{"alice", "me"},
	})
	require.Equal(t, CallRingingIncoming, calls.State())

	err := calls.Accept(context.Background())

	assert.ErrorIs(t, err, ErrMediaUnavailable)
	declines := transport.emitted(api.EventCallDecline)
	require.Len(t, declines, 1)
	signal := declines[0].payload.(api.CallSignal)
	assert.Equal(t, "alice", signal.To)
	assert.Equal(t, "media-failure", signal.Reason)
	assert.Equal(t, CallIdle, calls.State())
	assert.Nil(t, store.Call())
}

func TestLocalCandidateRelayedToPeer(t *testing.T) {
	f := newCallFixture()
	f.transport.deliver(t, api.EventCallInvite, api.CallSignal{
		CallId:         "call-5",
		ConversationId: "c1",
		From:           "alice",
		CallType:       api.CallAudio,
		Participants:   []string{"alice", "me"},
	})
	require.NoError(t, f.calls.Accept(context.Background()))
	require.Len(t, f.peers.peers, 1)
	peer := f.peers.peers[0]
	require.NotNil(t, peer.candidateFn)

	peer.candidateFn("candidate-1")

	candidates := f.transport.emitted(api.EventCallCandidate)
	require.Len(t, candidates, 1)
	signal := candidates[0].payload.(api.CallSignal)
	assert.Equal(t, "call-5", signal.CallId)
	assert.Equal(t, "alice", signal.To)
	assert.Equal(t, "candidate-1", signal.Candidate)

	// Candidates gathered after the call ended are not relayed.
	f.calls.Hangup()
	peer.candidateFn("candidate-2")
	assert.Len(t, f.transport.emitted(api.EventCallCandidate), 1)
}
