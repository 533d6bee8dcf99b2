package engine

import (
	"chatEngine/pkg/api"
	"context"
)

// Track is a single capture or playback handle within a media stream.
type Track interface {
	// Kind is "audio" or "video".
	Kind() string
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// MediaStream owns the tracks for one end of a call. Streams are held by the
// call controller, never by the store: they are not serializable state and
// must be explicitly released on every exit path.
type MediaStream interface {
	Tracks() []Track
	Release()
}

// MediaProvider acquires local capture devices for a call. Acquisition
// failure (permission denied, no device) aborts the call attempt.
type MediaProvider interface {
	Acquire(ctx context.Context, callType api.CallType) (MediaStream, error)
}

// PeerSession runs the offer/answer/candidate exchange with one remote
// participant. How frames are encoded behind the SDP is not the engine's
// concern; the session only reports the remote stream once media flows.
// OnCandidate surfaces locally gathered candidates so the controller can
// relay them to the peer; without that relay the exchange never completes.
type PeerSession interface {
	CreateOffer(ctx context.Context) (string, error)
	HandleOffer(ctx context.Context, sdp string) (string, error)
	HandleAnswer(ctx context.Context, sdp string) error
	AddCandidate(candidate string) error
	OnCandidate(fn func(candidate string))
	OnRemoteStream(fn func(MediaStream))
	Close()
}

// PeerFactory creates one PeerSession per remote participant, wired to the
// local stream.
type PeerFactory interface {
	NewPeer(local MediaStream) (PeerSession, error)
}

// mediaSession pairs one remote participant's peer exchange with its stream
// handle and the peer's self-reported device status. The mic and camera
// booleans mirror what the sender broadcast, not a decoder measurement.
type mediaSession struct {
	peerId string
	peer   PeerSession
	remote MediaStream
	mic    bool
	camera bool
}

func (m *mediaSession) release() {
	if m.peer != nil {
		m.peer.Close()
		m.peer = nil
	}
	if m.remote != nil {
		m.remote.Release()
		m.remote = nil
	}
}

func (m *mediaSession) trackCount() int {
	if m.remote == nil {
		return 0
	}
	return len(m.remote.Tracks())
}

func setTracks(stream MediaStream, kind string, enabled bool) {
	if stream == nil {
		return
	}
	for _, track := range stream.Tracks() {
		if track.Kind() == kind {
			track.SetEnabled(enabled)
		}
	}
}
