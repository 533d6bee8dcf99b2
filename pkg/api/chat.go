package api

import (
	"context"
	"errors"
)

var (
	ErrEmptyMessage = errors.New("message needs content or an attachment")
	ErrGroupFull    = errors.New("group participant limit reached")
	ErrNotAdmin     = errors.New("operation requires the admin role")
	ErrNotMember    = errors.New("user is not an active participant")
)

type ChatService interface {
	AddMessage(ctx context.Context, senderId string, payload SendMessagePayload) (Message, []string, error)
	IsActiveParticipant(ctx context.Context, userId string, conversationId string) (bool, error)
	ConversationPage(ctx context.Context, userId string, conversationId string, page int, limit int) (ConversationPage, error)
	GetConversations(ctx context.Context, userId string) ([]Conversation, error)
	CreateConversation(ctx context.Context, newConversation NewConversation, userId string) (Conversation, error)
	RemoveParticipant(ctx context.Context, conversationId string, actorId string, userId string) (Conversation, error)
	PromoteParticipant(ctx context.Context, conversationId string, actorId string, userId string) (Conversation, error)
	AddParticipants(ctx context.Context, conversationId string, actorId string, userIds []string) (Conversation, []Participant, error)
	RenameGroup(ctx context.Context, conversationId string, actorId string, name string) (Conversation, error)
	LeaveGroup(ctx context.Context, conversationId string, userId string) (Conversation, error)
	UpdateUserConversation(patchJson []byte, userId string, conversationId string) error
}

type ChatRepository interface {
	AddMessage(ctx context.Context, senderId string, payload SendMessagePayload) (Message, []string, error)
	GetConversationDoc(ctx context.Context, conversationId string) (ConversationDoc, error)
	ConversationPage(ctx context.Context, userId string, conversationId string, page int, limit int) (ConversationPage, error)
	GetConversations(ctx context.Context, userId string) ([]Conversation, error)
	CreateConversation(ctx context.Context, newConversation NewConversation, userId string) (Conversation, error)
	SetParticipantRole(ctx context.Context, conversationId string, userId string, role Role) (Conversation, error)
	AddParticipants(ctx context.Context, conversationId string, userIds []string) (Conversation, []Participant, error)
	RenameConversation(ctx context.Context, conversationId string, name string) (Conversation, error)
	UpdateUserConversation(patchJson []byte, userId string, conversationId string) error
}

type chatService struct {
	storage ChatRepository
}

func NewChatService(storage ChatRepository) ChatService {
	return &chatService{storage: storage}
}

func (c *chatService) AddMessage(ctx context.Context, senderId string, payload SendMessagePayload) (Message, []string, error) {
	// Enforced here, not only in the UI: a message must carry text or media.
	if payload.Content == "" && payload.Media == nil {
		return Message{}, nil, ErrEmptyMessage
	}
	if err := c.requireActive(ctx, senderId, payload.ConversationId); err != nil {
		return Message{}, nil, err
	}
	return c.storage.AddMessage(ctx, senderId, payload)
}

func (c *chatService) IsActiveParticipant(ctx context.Context, userId string, conversationId string) (bool, error) {
	doc, err := c.storage.GetConversationDoc(ctx, conversationId)
	if err != nil {
		return false, err
	}
	for _, participant := range doc.Participants {
		if participant.UserId == userId {
			return participant.Role.Active(), nil
		}
	}
	return false, nil
}

func (c *chatService) ConversationPage(ctx context.Context, userId string, conversationId string, page int, limit int) (ConversationPage, error) {
	return c.storage.ConversationPage(ctx, userId, conversationId, page, limit)
}

func (c *chatService) GetConversations(ctx context.Context, userId string) ([]Conversation, error) {
	return c.storage.GetConversations(ctx, userId)
}

func (c *chatService) CreateConversation(ctx context.Context, newConversation NewConversation, userId string) (Conversation, error) {
	if len(newConversation.Participants)+1 > MaxGroupParticipants {
		return Conversation{}, ErrGroupFull
	}
	return c.storage.CreateConversation(ctx, newConversation, userId)
}

func (c *chatService) RemoveParticipant(ctx context.Context, conversationId string, actorId string, userId string) (Conversation, error) {
	if err := c.requireAdmin(ctx, actorId, conversationId); err != nil {
		return Conversation{}, err
	}
	return c.storage.SetParticipantRole(ctx, conversationId, userId, RoleRemoved)
}

func (c *chatService) PromoteParticipant(ctx context.Context, conversationId string, actorId string, userId string) (Conversation, error) {
	if err := c.requireAdmin(ctx, actorId, conversationId); err != nil {
		return Conversation{}, err
	}
	return c.storage.SetParticipantRole(ctx, conversationId, userId, RoleAdmin)
}

func (c *chatService) AddParticipants(ctx context.Context, conversationId string, actorId string, userIds []string) (Conversation, []Participant, error) {
	if err := c.requireAdmin(ctx, actorId, conversationId); err != nil {
		return Conversation{}, nil, err
	}
	doc, err := c.storage.GetConversationDoc(ctx, conversationId)
	if err != nil {
		return Conversation{}, nil, err
	}
	active := 0
	for _, participant := range doc.Participants {
		if participant.Role.Active() {
			active++
		}
	}
	if active+len(userIds) > MaxGroupParticipants {
		return Conversation{}, nil, ErrGroupFull
	}
	return c.storage.AddParticipants(ctx, conversationId, userIds)
}

func (c *chatService) RenameGroup(ctx context.Context, conversationId string, actorId string, name string) (Conversation, error) {
	if err := c.requireAdmin(ctx, actorId, conversationId); err != nil {
		return Conversation{}, err
	}
	return c.storage.RenameConversation(ctx, conversationId, name)
}

func (c *chatService) LeaveGroup(ctx context.Context, conversationId string, userId string) (Conversation, error) {
	if err := c.requireActive(ctx, userId, conversationId); err != nil {
		return Conversation{}, err
	}
	return c.storage.SetParticipantRole(ctx, conversationId, userId, RoleLeft)
}

func (c *chatService) UpdateUserConversation(patchJson []byte, userId string, conversationId string) error {
	return c.storage.UpdateUserConversation(patchJson, userId, conversationId)
}

func (c *chatService) requireActive(ctx context.Context, userId string, conversationId string) error {
	ok, err := c.IsActiveParticipant(ctx, userId, conversationId)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func (c *chatService) requireAdmin(ctx context.Context, userId string, conversationId string) error {
	doc, err := c.storage.GetConversationDoc(ctx, conversationId)
	if err != nil {
		return err
	}
	for _, participant := range doc.Participants {
		if participant.UserId == userId {
			if participant.Role == RoleAdmin {
				return nil
			}
			return ErrNotAdmin
		}
	}
	return ErrNotMember
}
