package engine

import (
	"chatEngine/pkg/api"
	"context"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"log"
	"sync"
	"time"
)

// How long a call may ring before it is given up on.
const ringWait = 30 * time.Second

type CallState int

const (
	CallIdle CallState = iota
	CallRingingOutgoing
	CallRingingIncoming
	CallConnecting
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallRingingOutgoing:
		return "ringing-outgoing"
	case CallRingingIncoming:
		return "ringing-incoming"
	case CallConnecting:
		return "connecting"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	}
	return "unknown"
}

// CallSnapshot is the serializable call state published to the store. Media
// handles never appear here.
type CallSnapshot struct {
	CallId         string
	ConversationId string
	Type           api.CallType
	State          CallState
	Caller         string
	Participants   []string
	Mic            map[string]bool
	Camera         map[string]bool
}

// CallController negotiates invite/accept/decline/busy/end over the
// conversation's channel and drives one peer exchange per remote participant.
// It holds at most one call at a time; "ended" discards the per-call session
// and returns the controller to idle for the next call. Every exit path runs
// through the single teardown, which releases all media tracks
// unconditionally.
type CallController struct {
	transport Transport
	store     *Store
	media     MediaProvider
	peers     PeerFactory
	selfId    string

	mu             sync.Mutex
	state          CallState
	callId         string
	conversationId string
	callType       api.CallType
	caller         string
	remotes        []string
	local          MediaStream
	sessions       map[string]*mediaSession
	mic            bool
	camera         bool
	unsubs         []func()
}

func NewCallController(transport Transport, store *Store, media MediaProvider, peers PeerFactory, selfId string) *CallController {
	c := &CallController{
		transport: transport,
		store:     store,
		media:     media,
		peers:     peers,
		selfId:    selfId,
	}
	c.unsubs = append(c.unsubs,
		transport.Subscribe(api.EventCallInvite, c.handleInvite),
		transport.Subscribe(api.EventCallAccept, c.handleAccept),
		transport.Subscribe(api.EventCallDecline, c.handleDecline),
		transport.Subscribe(api.EventCallEnd, c.handleEnd),
		transport.Subscribe(api.EventCallOffer, c.handleOffer),
		transport.Subscribe(api.EventCallAnswer, c.handleAnswer),
		transport.Subscribe(api.EventCallCandidate, c.handleCandidate),
		transport.Subscribe(api.EventCallMediaStatus, c.handleMediaStatus),
	)
	return c
}

// Stop removes the live subscriptions; a running call is torn down first.
func (c *CallController) Stop() {
	c.Hangup()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
}

func (c *CallController) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveTracks reports how many media tracks the controller currently holds,
// local and remote.
func (c *CallController) ActiveTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	if c.local != nil {
		count += len(c.local.Tracks())
	}
	for _, session := range c.sessions {
		count += session.trackCount()
	}
	return count
}

// Start places an outgoing call to the conversation's participants. The
// invite goes out first; if local media then fails to come up, the invite is
// retracted with an end signal so nothing is left dangling for peers, and
// the controller returns to idle.
func (c *CallController) Start(ctx context.Context, conversationId string, callType api.CallType, participantIds []string) error {
	if c.media == nil || c.peers == nil {
		return ErrMediaUnavailable
	}

	c.mu.Lock()
	if c.state != CallIdle {
		c.mu.Unlock()
		return ErrCallBusy
	}
	c.state = CallRingingOutgoing
	c.callId = uuid.NewString()
	c.conversationId = conversationId
	c.callType = callType
	c.caller = c.selfId
	c.remotes = excludeSelf(participantIds, c.selfId)
	c.sessions = make(map[string]*mediaSession)
	c.mic = true
	c.camera = callType == api.CallVideo
	callId := c.callId
	c.mu.Unlock()

	invite := api.CallSignal{
		CallId:         callId,
		ConversationId: conversationId,
		CallType:       callType,
		Participants:   participantIds,
	}
	if err := c.transport.Emit(api.EventCallInvite, invite); err != nil {
		c.teardown(callId, false)
		return err
	}
	time.AfterFunc(ringWait, func() { c.expireRinging(callId, CallRingingOutgoing) })

	local, err := c.media.Acquire(ctx, callType)
	if err != nil {
		c.teardown(callId, true)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	c.mu.Lock()
	if c.state != CallRingingOutgoing || c.callId != callId {
		// Torn down while acquiring; do not hold the devices.
		c.mu.Unlock()
		local.Release()
		return nil
	}
	c.local = local
	c.mu.Unlock()
	c.publish()
	return nil
}

// Accept answers the pending incoming call: acquire media, move to
// connecting, and open one offer exchange per remote peer.
func (c *CallController) Accept(ctx context.Context) error {
	c.mu.Lock()
	if c.state != CallRingingIncoming {
		c.mu.Unlock()
		return ErrCallState
	}
	callId := c.callId
	conversationId := c.conversationId
	callType := c.callType
	caller := c.caller
	c.mu.Unlock()

	if c.media == nil || c.peers == nil {
		c.declineMediaFailure(callId, conversationId, caller)
		c.teardown(callId, false)
		return ErrMediaUnavailable
	}

	local, err := c.media.Acquire(ctx, callType)
	if err != nil {
		c.declineMediaFailure(callId, conversationId, caller)
		c.teardown(callId, false)
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	c.mu.Lock()
	if c.state != CallRingingIncoming || c.callId != callId {
		c.mu.Unlock()
		local.Release()
		return nil
	}
	c.local = local
	c.state = CallConnecting
	c.mic = true
	c.camera = callType == api.CallVideo
	remotes := append([]string(nil), c.remotes...)
	c.mu.Unlock()

	if err := c.transport.Emit(api.EventCallAccept, api.CallSignal{
		CallId:         callId,
		ConversationId: conversationId,
		To:             caller,
	}); err != nil {
		log.Printf("Unable to send call accept: %v", err)
	}

	// The accepting side opens the exchange with every remote peer.
	for _, peerId := range remotes {
		if err := c.offerPeer(ctx, callId, conversationId, peerId); err != nil {
			log.Printf("Unable to open peer exchange with %s: %v", peerId, err)
		}
	}
	c.publish()
	return nil
}

// declineMediaFailure tells the caller to stop ringing against an acceptor
// that could not bring its media up.
func (c *CallController) declineMediaFailure(callId string, conversationId string, caller string) {
	if err := c.transport.Emit(api.EventCallDecline, api.CallSignal{
		CallId:         callId,
		ConversationId: conversationId,
		To:             caller,
		Reason:         "media-failure",
	}); err != nil {
		log.Printf("Unable to decline call: %v", err)
	}
}

// Decline rejects the pending incoming call.
func (c *CallController) Decline() error {
	c.mu.Lock()
	if c.state != CallRingingIncoming {
		c.mu.Unlock()
		return ErrCallState
	}
	callId := c.callId
	conversationId := c.conversationId
	caller := c.caller
	c.mu.Unlock()

	if err := c.transport.Emit(api.EventCallDecline, api.CallSignal{
		CallId:         callId,
		ConversationId: conversationId,
		To:             caller,
	}); err != nil {
		log.Printf("Unable to decline call: %v", err)
	}
	c.teardown(callId, false)
	return nil
}

// Hangup ends the current call, whatever state it is in. A no-op when idle.
func (c *CallController) Hangup() {
	c.mu.Lock()
	callId := c.callId
	c.mu.Unlock()
	if callId == "" {
		return
	}
	c.teardown(callId, true)
}

// SetMic toggles the local microphone and broadcasts the viewer's
// self-reported device status to peers.
func (c *CallController) SetMic(on bool) {
	c.setLocalTrack("audio", on)
}

// SetCamera toggles the local camera and broadcasts the status.
func (c *CallController) SetCamera(on bool) {
	c.setLocalTrack("video", on)
}

func (c *CallController) setLocalTrack(kind string, on bool) {
	c.mu.Lock()
	if c.state != CallConnecting && c.state != CallActive {
		c.mu.Unlock()
		return
	}
	if kind == "audio" {
		c.mic = on
	} else {
		c.camera = on
	}
	local := c.local
	callId := c.callId
	conversationId := c.conversationId
	mic := c.mic
	camera := c.camera
	c.mu.Unlock()

	setTracks(local, kind, on)

	if err := c.transport.Emit(api.EventCallMediaStatus, api.CallSignal{
		CallId:         callId,
		ConversationId: conversationId,
		Mic:            &mic,
		Camera:         &camera,
	}); err != nil {
		log.Printf("Unable to broadcast media status: %v", err)
	}
	c.publish()
}

func (c *CallController) handleInvite(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		log.Printf("Could not process call invite: %v", err)
		return
	}

	c.mu.Lock()
	if c.state != CallIdle {
		busy := c.callId != signal.CallId
		c.mu.Unlock()
		// A second invite while one call is pending is rejected as busy.
		if busy {
			if err := c.transport.Emit(api.EventCallDecline, api.CallSignal{
				CallId:         signal.CallId,
				ConversationId: signal.ConversationId,
				To:             signal.From,
				Reason:         "busy",
			}); err != nil {
				log.Printf("Unable to send busy decline: %v", err)
			}
		}
		return
	}
	c.state = CallRingingIncoming
	c.callId = signal.CallId
	c.conversationId = signal.ConversationId
	c.callType = signal.CallType
	c.caller = signal.From
	c.remotes = excludeSelf(signal.Participants, c.selfId)
	c.sessions = make(map[string]*mediaSession)
	c.mu.Unlock()

	time.AfterFunc(ringWait, func() { c.expireRinging(signal.CallId, CallRingingIncoming) })

	// The view surfaces the accept/decline prompt from this snapshot.
	c.publish()
}

func (c *CallController) handleAccept(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	c.mu.Lock()
	if c.callId != signal.CallId || c.state != CallRingingOutgoing {
		c.mu.Unlock()
		return
	}
	c.state = CallConnecting
	c.mu.Unlock()
	c.publish()
}

func (c *CallController) handleDecline(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	c.mu.Lock()
	if c.callId != signal.CallId {
		c.mu.Unlock()
		return
	}
	var released *mediaSession
	remaining := 0
	for i, peerId := range c.remotes {
		if peerId == signal.From {
			c.remotes = append(c.remotes[:i:i], c.remotes[i+1:]...)
			break
		}
	}
	if session, ok := c.sessions[signal.From]; ok {
		released = session
		delete(c.sessions, signal.From)
	}
	remaining = len(c.remotes)
	callId := c.callId
	c.mu.Unlock()

	if released != nil {
		released.release()
	}
	if remaining == 0 {
		c.teardown(callId, false)
		return
	}
	c.publish()
}

func (c *CallController) handleEnd(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	c.mu.Lock()
	match := c.callId == signal.CallId
	callId := c.callId
	c.mu.Unlock()
	if match {
		c.teardown(callId, false)
	}
}

func (c *CallController) handleOffer(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	c.mu.Lock()
	if c.callId != signal.CallId {
		c.mu.Unlock()
		return
	}
	// The caller reaches connecting when the first peer offer arrives.
	if c.state == CallRingingOutgoing {
		c.state = CallConnecting
	}
	if c.state != CallConnecting && c.state != CallActive {
		c.mu.Unlock()
		return
	}
	conversationId := c.conversationId
	c.mu.Unlock()

	session, err := c.ensureSession(signal.From)
	if err != nil {
		log.Printf("Unable to create peer session for %s: %v", signal.From, err)
		return
	}
	answer, err := session.peer.HandleOffer(context.Background(), signal.SDP)
	if err != nil {
		log.Printf("Unable to answer offer from %s: %v", signal.From, err)
		return
	}
	if err := c.transport.Emit(api.EventCallAnswer, api.CallSignal{
		CallId:         signal.CallId,
		ConversationId: conversationId,
		To:             signal.From,
		SDP:            answer,
	}); err != nil {
		log.Printf("Unable to send answer: %v", err)
	}
	c.publish()
}

func (c *CallController) handleAnswer(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	c.mu.Lock()
	session := (*mediaSession)(nil)
	if c.callId == signal.CallId {
		session = c.sessions[signal.From]
	}
	c.mu.Unlock()
	if session == nil {
		return
	}
	if err := session.peer.HandleAnswer(context.Background(), signal.SDP); err != nil {
		log.Printf("Unable to apply answer from %s: %v", signal.From, err)
	}
}

func (c *CallController) handleCandidate(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	c.mu.Lock()
	session := (*mediaSession)(nil)
	if c.callId == signal.CallId {
		session = c.sessions[signal.From]
	}
	c.mu.Unlock()
	if session == nil {
		// Candidate for a call or peer we no longer track: dropped, no retry.
		return
	}
	if err := session.peer.AddCandidate(signal.Candidate); err != nil {
		log.Printf("Unable to add candidate from %s: %v", signal.From, err)
	}
}

func (c *CallController) handleMediaStatus(data json.RawMessage) {
	var signal api.CallSignal
	if err := json.Unmarshal(data, &signal); err != nil {
		return
	}

	c.mu.Lock()
	changed := false
	if c.callId == signal.CallId {
		if session, ok := c.sessions[signal.From]; ok {
			if signal.Mic != nil {
				session.mic = *signal.Mic
			}
			if signal.Camera != nil {
				session.camera = *signal.Camera
			}
			changed = true
		}
	}
	c.mu.Unlock()
	if changed {
		c.publish()
	}
}

// offerPeer creates the peer session and sends it an offer.
func (c *CallController) offerPeer(ctx context.Context, callId string, conversationId string, peerId string) error {
	session, err := c.ensureSession(peerId)
	if err != nil {
		return err
	}
	sdp, err := session.peer.CreateOffer(ctx)
	if err != nil {
		return err
	}
	return c.transport.Emit(api.EventCallOffer, api.CallSignal{
		CallId:         callId,
		ConversationId: conversationId,
		To:             peerId,
		SDP:            sdp,
	})
}

func (c *CallController) ensureSession(peerId string) (*mediaSession, error) {
	c.mu.Lock()
	if session, ok := c.sessions[peerId]; ok {
		c.mu.Unlock()
		return session, nil
	}
	local := c.local
	callType := c.callType
	callId := c.callId
	conversationId := c.conversationId
	c.mu.Unlock()

	peer, err := c.peers.NewPeer(local)
	if err != nil {
		return nil, err
	}
	session := &mediaSession{peerId: peerId, peer: peer, mic: true, camera: callType == api.CallVideo}
	peer.OnCandidate(func(candidate string) {
		c.mu.Lock()
		current := c.callId == callId
		c.mu.Unlock()
		if !current {
			return
		}
		if err := c.transport.Emit(api.EventCallCandidate, api.CallSignal{
			CallId:         callId,
			ConversationId: conversationId,
			To:             peerId,
			Candidate:      candidate,
		}); err != nil {
			log.Printf("Unable to send candidate to %s: %v", peerId, err)
		}
	})
	peer.OnRemoteStream(func(stream MediaStream) {
		c.attachRemote(peerId, stream)
	})

	c.mu.Lock()
	if c.sessions == nil {
		// Torn down while the peer was being created.
		c.mu.Unlock()
		peer.Close()
		return nil, ErrCallState
	}
	if existing, ok := c.sessions[peerId]; ok {
		c.mu.Unlock()
		peer.Close()
		return existing, nil
	}
	c.sessions[peerId] = session
	c.mu.Unlock()
	return session, nil
}

// expireRinging tears down a call still unanswered after ringWait. An
// expired outgoing call signals call_end so peers stop ringing; an expired
// incoming prompt is dismissed quietly, the caller's own timer ends it.
func (c *CallController) expireRinging(callId string, ringing CallState) {
	c.mu.Lock()
	expired := c.callId == callId && c.state == ringing
	c.mu.Unlock()
	if !expired {
		return
	}
	c.teardown(callId, ringing == CallRingingOutgoing)
}

// attachRemote records a peer's media stream; the first one moves the call
// from connecting to active.
func (c *CallController) attachRemote(peerId string, stream MediaStream) {
	c.mu.Lock()
	session := c.sessions[peerId]
	if session == nil {
		c.mu.Unlock()
		stream.Release()
		return
	}
	if session.remote != nil && session.remote != stream {
		session.remote.Release()
	}
	session.remote = stream
	if c.state == CallConnecting {
		c.state = CallActive
	}
	c.mu.Unlock()
	c.publish()
}

// teardown is the single release path for every exit: local hangup, remote
// hangup, decline, media failure, shutdown. It releases all tracks, clears
// the store, and returns the controller to idle.
func (c *CallController) teardown(callId string, emitEnd bool) {
	c.mu.Lock()
	if c.callId != callId || c.callId == "" {
		c.mu.Unlock()
		return
	}
	conversationId := c.conversationId
	local := c.local
	sessions := c.sessions
	c.local = nil
	c.sessions = nil
	c.remotes = nil
	c.state = CallIdle
	c.callId = ""
	c.conversationId = ""
	c.caller = ""
	c.mu.Unlock()

	for _, session := range sessions {
		session.release()
	}
	if local != nil {
		for _, track := range local.Tracks() {
			track.Stop()
		}
		local.Release()
	}

	if emitEnd {
		if err := c.transport.Emit(api.EventCallEnd, api.CallSignal{
			CallId:         callId,
			ConversationId: conversationId,
		}); err != nil {
			log.Printf("Unable to send end-call signal: %v", err)
		}
	}

	// The ended session is cleared from the store; a new call starts fresh.
	c.store.SetCall(nil)
}

func (c *CallController) publish() {
	c.mu.Lock()
	if c.callId == "" {
		c.mu.Unlock()
		c.store.SetCall(nil)
		return
	}
	snapshot := &CallSnapshot{
		CallId:         c.callId,
		ConversationId: c.conversationId,
		Type:           c.callType,
		State:          c.state,
		Caller:         c.caller,
		Participants:   append([]string(nil), c.remotes...),
		Mic:            map[string]bool{c.selfId: c.mic},
		Camera:         map[string]bool{c.selfId: c.camera},
	}
	for peerId, session := range c.sessions {
		snapshot.Mic[peerId] = session.mic
		snapshot.Camera[peerId] = session.camera
	}
	c.mu.Unlock()
	c.store.SetCall(snapshot)
}

func excludeSelf(ids []string, selfId string) []string {
	var out []string
	for _, id := range ids {
		if id != selfId {
			out = append(out, id)
		}
	}
	return out
}
