package api

import "encoding/json"

// Event names shared by the server and the client engine. Every frame on the
// socket is an Envelope; an envelope whose Ack field is non-zero expects an
// EventAck reply carrying the same ack number.
const (
	EventAck = "ack"

	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventMessageReceived   = "message_received"
	EventQueryOnline       = "query_online"

	EventUserOnline  = "user_online"
	EventUserOffline = "user_offline"

	EventParticipantRemoved = "participant_removed"
	EventParticipantLeft    = "participant_left"
	EventParticipantAdded   = "participant_added"
	EventGroupRenamed       = "group_renamed"
	// Delivered to the affected user only, alongside the room-wide event.
	EventUserRemoved = "user_removed"
	EventUserLeft    = "user_left"

	EventCallInvite      = "call_invite"
	EventCallAccept      = "call_accept"
	EventCallDecline     = "call_decline"
	EventCallEnd         = "call_end"
	EventCallOffer       = "call_offer"
	EventCallAnswer      = "call_answer"
	EventCallCandidate   = "call_candidate"
	EventCallMediaStatus = "call_media_status"
)

type Envelope struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the payload of an EventAck envelope. Exactly one of Error and Data
// is populated.
type Ack struct {
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type AuthPayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	ConversationId string `json:"conversationId"`
}

type SendMessagePayload struct {
	ConversationId string `json:"conversationId"`
	Content        string `json:"content,omitempty"`
	Media          *Media `json:"media,omitempty"`
}

type QueryOnlinePayload struct {
	UserIds []string `json:"userIds"`
}

type PresencePayload struct {
	UserId string `json:"userId"`
}

// MembershipPayload announces a role transition inside a conversation.
type MembershipPayload struct {
	ConversationId string `json:"conversationId"`
	UserId         string `json:"userId"`
	Role           Role   `json:"role"`
}

type ParticipantsAddedPayload struct {
	ConversationId string        `json:"conversationId"`
	Participants   []Participant `json:"participants"`
}

type GroupRenamedPayload struct {
	ConversationId string `json:"conversationId"`
	Name           string `json:"name"`
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

// CallSignal is the payload for every call_* event. To is empty for signals
// addressed to the whole conversation room (invite, end, media status) and
// set for the peer-directed offer/answer/candidate relay.
type CallSignal struct {
	CallId         string   `json:"callId"`
	ConversationId string   `json:"conversationId"`
	From           string   `json:"from,omitempty"`
	To             string   `json:"to,omitempty"`
	CallType       CallType `json:"callType,omitempty"`
	Participants   []string `json:"participants,omitempty"`
	SDP            string   `json:"sdp,omitempty"`
	Candidate      string   `json:"candidate,omitempty"`
	Mic            *bool    `json:"mic,omitempty"`
	Camera         *bool    `json:"camera,omitempty"`
	Reason         string   `json:"reason,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send envelope.
func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}
