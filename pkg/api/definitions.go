package api

import (
	"cloud.google.com/go/firestore"
	"time"
)

// Role is a participant's standing within a conversation. Removed and left
// users are kept in the participant list so their past messages still resolve
// to a sender; they never re-enter the active set (re-adding a user creates a
// fresh member entry).
type Role string

const (
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
	RoleRemoved Role = "removed-user"
	RoleLeft    Role = "left-user"
)

// Active reports whether the role still participates in the conversation.
func (r Role) Active() bool {
	return r == RoleMember || r == RoleAdmin
}

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// MaxGroupParticipants bounds group size including the creator. The server
// enforces it; clients only mirror the check.
const MaxGroupParticipants = 10

type ParticipantDoc struct {
	UserId string `firestore:"userId"`
	Role   Role   `firestore:"role"`
}

type ConversationDoc struct {
	Name         string           `firestore:"name"`
	Type         ConversationType `firestore:"type"`
	Participants []ParticipantDoc `firestore:"participants"`
}

type NewConversation struct {
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants"`
	Message      *Message `json:"message,omitempty"`
}

type Participant struct {
	UserId   string  `json:"userId"`
	Username string  `json:"username"`
	Name     *string `json:"name,omitempty"`
	Avatar   *string `json:"avatar,omitempty"`
	Role     Role    `json:"role"`
}

type Conversation struct {
	Id           string           `json:"id"`
	Name         string           `json:"name,omitempty"`
	Type         ConversationType `json:"type"`
	Participants []Participant    `json:"participants"`
	LastMessage  *Message         `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount"`
}

// IsGroup reports whether the conversation is a group thread.
func (c *Conversation) IsGroup() bool {
	return c.Type == ConversationGroup
}

// ParticipantById returns the matching participant record, or nil.
func (c *Conversation) ParticipantById(userId string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].UserId == userId {
			return &c.Participants[i]
		}
	}
	return nil
}

// DisplayName resolves what the given viewer should see as the conversation
// title: the group name, or the other side's name for a direct thread.
func (c *Conversation) DisplayName(selfId string) string {
	if c.IsGroup() {
		return c.Name
	}
	for i := range c.Participants {
		if c.Participants[i].UserId != selfId {
			if c.Participants[i].Name != nil && *c.Participants[i].Name != "" {
				return *c.Participants[i].Name
			}
			return c.Participants[i].Username
		}
	}
	return c.Name
}

// Media describes a single uploaded attachment.
type Media struct {
	URL       string `firestore:"url" json:"url"`
	MediaType string `firestore:"mediaType" json:"mediaType"`
	Name      string `firestore:"name" json:"name"`
	Size      int64  `firestore:"size" json:"size"`
}

// Message carries text, an attachment, or both. A message with neither is
// invalid and rejected before it reaches the wire.
type Message struct {
	Id             string    `firestore:"id,omitempty" json:"id"`
	ConversationId string    `firestore:"-" json:"conversationId"`
	SenderId       string    `firestore:"senderId" json:"senderId"`
	Content        string    `firestore:"content,omitempty" json:"content,omitempty"`
	Media          *Media    `firestore:"media,omitempty" json:"media,omitempty"`
	CreatedAt      time.Time `firestore:"createdAt" json:"createdAt"`
}

// Empty reports whether the message has neither content nor an attachment.
func (m *Message) Empty() bool {
	return m.Content == "" && m.Media == nil
}

// ConversationPage is one page of a conversation's history, newest page first,
// messages ascending by creation time within the page.
type ConversationPage struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
	Page         int          `json:"page"`
	Limit        int          `json:"limit"`
	Total        int          `json:"total"`
	HasMore      bool         `json:"hasMore"`
}

type UserConversation struct {
	UnreadCount     int                    `firestore:"unreadCount" json:"unreadCount"`
	ConversationRef *firestore.DocumentRef `firestore:"conversationRef" json:"conversationRef"`
}

type User struct {
	Id           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	Name         *string   `json:"name"`
	Avatar       *string   `json:"avatar"`
	Status       string    `json:"status"`
	LastActivity time.Time `json:"lastActivity"`
}

type UserModel struct {
	UID          string
	FirstName    *string
	LastName     *string
	Username     string
	Email        string
	PhotoUrl     *string
	Status       string
	LastActivity time.Time
}

func (u *UserModel) ConvertToDTO() User {
	var name string
	if u.FirstName != nil && u.LastName != nil {
		name = *u.FirstName + " " + *u.LastName
	}
	return User{
		Id:           u.UID,
		Email:        u.Email,
		Username:     u.Username,
		Name:         &name,
		Avatar:       u.PhotoUrl,
		Status:       u.Status,
		LastActivity: u.LastActivity,
	}
}

func (u *UserModel) ConvertToParticipant(role Role) Participant {
	dto := u.ConvertToDTO()
	return Participant{
		UserId:   dto.Id,
		Username: dto.Username,
		Name:     dto.Name,
		Avatar:   dto.Avatar,
		Role:     role,
	}
}
