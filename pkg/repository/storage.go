package repository

import (
	"chatEngine/pkg/api"
	"cloud.google.com/go/firestore"
	"context"
	"encoding/json"
	"errors"
	jsonPatch "github.com/evanphx/json-patch/v5"
	"github.com/georgysavva/scany/pgxscan"
	"github.com/jackc/pgx/v4/pgxpool"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"log"
	"strconv"
)

// Storage backs the chat and user services: conversations and messages live
// in Firestore, user accounts in Postgres.
type Storage interface {
	api.ChatRepository
	api.UserRepository
}

type storage struct {
	db     *pgxpool.Pool
	client *firestore.Client
}

func NewStorage(db *pgxpool.Pool, client *firestore.Client) Storage {
	return &storage{db: db, client: client}
}

var ErrConversationNotFound = errors.New("conversation not found")

func (s *storage) GetConversationDoc(ctx context.Context, conversationId string) (api.ConversationDoc, error) {
	var doc api.ConversationDoc

	snap, err := s.client.Collection("conversations").Doc(conversationId).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return doc, ErrConversationNotFound
	}
	if err != nil {
		return doc, err
	}
	if err := snap.DataTo(&doc); err != nil {
		log.Printf("Converting conversation snap to model struct: %v", err)
		return doc, err
	}
	return doc, nil
}

func (s *storage) AddMessage(ctx context.Context, senderId string, payload api.SendMessagePayload) (api.Message, []string, error) {
	var message api.Message

	conversationRef := s.client.Collection("conversations").Doc(payload.ConversationId)

	conversation, err := s.GetConversationDoc(ctx, payload.ConversationId)
	if err != nil {
		return message, nil, err
	}

	fields := map[string]interface{}{
		"senderId":  senderId,
		"content":   payload.Content,
		"createdAt": firestore.ServerTimestamp,
	}
	if payload.Media != nil {
		fields["media"] = map[string]interface{}{
			"url":       payload.Media.URL,
			"mediaType": payload.Media.MediaType,
			"name":      payload.Media.Name,
			"size":      payload.Media.Size,
		}
	}

	// Add message to conversation collection
	messageRef, wr, err := conversationRef.Collection("messages").Add(ctx, fields)
	if err != nil {
		log.Printf("Unable to add new document: %v", err)
		return message, nil, err
	}

	participants := activeParticipantIds(conversation.Participants)

	var userDocs []*firestore.DocumentRef
	for _, id := range participants {
		userDocs = append(userDocs, s.client.Doc("users/"+id))
	}
	userSnaps, err := s.client.GetAll(ctx, userDocs)
	if err != nil {
		log.Println(err)
		return message, nil, err
	}

	// Update each participant's user conversation document
	for _, user := range userSnaps {
		var unreadCount int
		if user.Ref.ID != senderId {
			unreadCount = 1
		}

		userConversationDoc := user.Ref.Collection("conversations").Doc(conversationRef.ID)
		_, err = userConversationDoc.Update(ctx, []firestore.Update{
			{
				Path:  "unreadCount",
				Value: firestore.Increment(unreadCount),
			},
			{
				Path:  "lastUpdated",
				Value: wr.UpdateTime,
			},
		})
		if err != nil {
			log.Printf("Unable to update conversation in user collection: %s", err)
			return message, nil, err
		}
	}

	message = api.Message{
		Id:             messageRef.ID,
		ConversationId: payload.ConversationId,
		SenderId:       senderId,
		Content:        payload.Content,
		Media:          payload.Media,
		CreatedAt:      wr.UpdateTime,
	}
	log.Printf("Created message document with reference #: %s\n", messageRef.ID)

	return message, participants, nil
}

func (s *storage) ConversationPage(ctx context.Context, userId string, conversationId string, page int, limit int) (api.ConversationPage, error) {
	var result api.ConversationPage

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	conversationRef := s.client.Collection("conversations").Doc(conversationId)

	conversationDoc, err := s.GetConversationDoc(ctx, conversationId)
	if err != nil {
		return result, err
	}

	unreadCount := 0
	userConversationSnap, err := s.client.Collection("users").Doc(userId).Collection("conversations").Doc(conversationId).Get(ctx)
	if err == nil {
		var userConversation api.UserConversation
		if err := userConversationSnap.DataTo(&userConversation); err != nil {
			log.Println(err)
		} else {
			unreadCount = userConversation.UnreadCount
		}
	}

	messagesRef := conversationRef.Collection("messages")

	// Count total messages for the page cursor.
	countSnaps, err := messagesRef.Select().Documents(ctx).GetAll()
	if err != nil {
		return result, err
	}
	total := len(countSnaps)

	// Newest pages first; messages ascend by creation time within the page.
	query := messagesRef.OrderBy("createdAt", firestore.Desc).Offset((page - 1) * limit).Limit(limit)
	messageDocs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return result, err
	}
	messages := make([]api.Message, 0, len(messageDocs))
	for _, messageDoc := range messageDocs {
		var message api.Message
		if err := messageDoc.DataTo(&message); err != nil {
			log.Println(err)
			continue
		}
		message.Id = messageDoc.Ref.ID
		message.ConversationId = conversationId
		messages = append([]api.Message{message}, messages...)
	}

	conversation, err := s.buildConversation(ctx, conversationId, conversationDoc, unreadCount)
	if err != nil {
		return result, err
	}

	result = api.ConversationPage{
		Conversation: conversation,
		Messages:     messages,
		Page:         page,
		Limit:        limit,
		Total:        total,
		HasMore:      page*limit < total,
	}

	return result, nil
}

func (s *storage) GetConversations(ctx context.Context, userId string) ([]api.Conversation, error) {
	// Get conversations sub-collection in user collection
	path := "users/" + userId + "/conversations"
	userConversationsQuery := s.client.Collection(path).OrderBy("lastUpdated", firestore.Desc)
	userConversationSnaps, err := userConversationsQuery.Documents(ctx).GetAll()
	if err != nil {
		return nil, err
	}

	var conversations []api.Conversation
	for _, userConversationSnap := range userConversationSnaps {
		var userConversation api.UserConversation
		if err := userConversationSnap.DataTo(&userConversation); err != nil {
			return nil, err
		}

		conversationSnap, err := userConversation.ConversationRef.Get(ctx)
		if err != nil {
			return nil, err
		}

		var conversationDoc api.ConversationDoc
		if err := conversationSnap.DataTo(&conversationDoc); err != nil {
			return nil, err
		}

		conversation, err := s.buildConversation(ctx, conversationSnap.Ref.ID, conversationDoc, userConversation.UnreadCount)
		if err != nil {
			log.Println(err)
			continue
		}

		// The list view only needs the newest message.
		query := conversationSnap.Ref.Collection("messages").OrderBy("createdAt", firestore.Desc).Limit(1)
		messageDocs, err := query.Documents(ctx).GetAll()
		if err != nil {
			return nil, err
		}
		if len(messageDocs) > 0 {
			var message api.Message
			if err := messageDocs[0].DataTo(&message); err == nil {
				message.Id = messageDocs[0].Ref.ID
				message.ConversationId = conversationSnap.Ref.ID
				conversation.LastMessage = &message
			}
		}

		conversations = append(conversations, conversation)
	}

	return conversations, nil
}

func (s *storage) CreateConversation(ctx context.Context, newConversation api.NewConversation, userId string) (api.Conversation, error) {
	var conversation api.Conversation

	memberIds := append([]string{userId}, newConversation.Participants...)
	memberIds = dedupe(memberIds)

	// Retrieves users found in participants array from database
	users, err := s.GetUserByIds(memberIds)
	if err != nil {
		log.Printf("Retrieving users %v from database\n", err)
		return conversation, err
	}

	// Check if all the users exist in the database
	if len(users) != len(memberIds) {
		return conversation, errors.New("one of the users was not found")
	}

	conversationType := api.ConversationDirect
	if len(memberIds) > 2 {
		conversationType = api.ConversationGroup
	}

	// The creator is the group's admin.
	participants := make([]api.ParticipantDoc, 0, len(memberIds))
	for _, id := range memberIds {
		role := api.RoleMember
		if id == userId && conversationType == api.ConversationGroup {
			role = api.RoleAdmin
		}
		participants = append(participants, api.ParticipantDoc{UserId: id, Role: role})
	}

	conversationRef, _, err := s.client.Collection("conversations").Add(ctx, map[string]interface{}{
		"name":         newConversation.Name,
		"type":         conversationType,
		"participants": participants,
	})
	if err != nil {
		log.Printf("Unable to add conversation to firestore: %v", err)
		return conversation, err
	}
	log.Printf("Created conversation with id: %s\n", conversationRef.ID)

	unread := 0
	if newConversation.Message != nil && !newConversation.Message.Empty() {
		if _, _, err := conversationRef.Collection("messages").Add(ctx, map[string]interface{}{
			"senderId":  userId,
			"content":   newConversation.Message.Content,
			"createdAt": firestore.ServerTimestamp,
		}); err != nil {
			log.Printf("Unable to add message document: %v", err)
			return conversation, err
		}
		unread = 1
	}

	// Used to obtain the update timestamp
	conversationSnap, err := conversationRef.Get(ctx)
	if err != nil {
		log.Printf("Could not retrieve conversation document: %s", err)
		return conversation, err
	}

	// Create a user conversation doc for each participant
	for _, id := range memberIds {
		unreadCount := 0
		if id != userId {
			unreadCount = unread
		}

		userConversationDoc := s.client.Collection("users").Doc(id).Collection("conversations").Doc(conversationRef.ID)
		if _, err := userConversationDoc.Set(ctx, map[string]interface{}{
			"conversationRef": conversationRef,
			"unreadCount":     unreadCount,
			"lastUpdated":     conversationSnap.UpdateTime,
		}); err != nil {
			log.Printf("Unable to add conversation to user in firestore: %s", err)
			return conversation, err
		}
	}

	var doc api.ConversationDoc
	if err := conversationSnap.DataTo(&doc); err != nil {
		return conversation, err
	}
	return s.buildConversation(ctx, conversationRef.ID, doc, 0)
}

// SetParticipantRole applies a role transition. Removed and left participants
// keep their entry; applying the same role twice is a no-op.
func (s *storage) SetParticipantRole(ctx context.Context, conversationId string, userId string, role api.Role) (api.Conversation, error) {
	var conversation api.Conversation

	doc, err := s.GetConversationDoc(ctx, conversationId)
	if err != nil {
		return conversation, err
	}

	found := false
	for i := range doc.Participants {
		if doc.Participants[i].UserId == userId {
			doc.Participants[i].Role = role
			found = true
			break
		}
	}
	if !found {
		return conversation, errors.New("participant not found in conversation")
	}

	conversationRef := s.client.Collection("conversations").Doc(conversationId)
	if _, err := conversationRef.Update(ctx, []firestore.Update{
		{
			Path:  "participants",
			Value: doc.Participants,
		},
	}); err != nil {
		log.Printf("Unable to update participants: %v", err)
		return conversation, err
	}

	return s.buildConversation(ctx, conversationId, doc, 0)
}

// AddParticipants appends fresh member entries. A user with a removed or left
// entry gets a new member record; that old entry stays for message history.
func (s *storage) AddParticipants(ctx context.Context, conversationId string, userIds []string) (api.Conversation, []api.Participant, error) {
	var conversation api.Conversation

	users, err := s.GetUserByIds(userIds)
	if err != nil {
		return conversation, nil, err
	}
	if len(users) != len(dedupe(userIds)) {
		return conversation, nil, errors.New("one of the users was not found")
	}

	doc, err := s.GetConversationDoc(ctx, conversationId)
	if err != nil {
		return conversation, nil, err
	}

	active := make(map[string]bool)
	for _, participant := range doc.Participants {
		if participant.Role.Active() {
			active[participant.UserId] = true
		}
	}

	var addedIds []string
	for _, id := range dedupe(userIds) {
		if active[id] {
			continue
		}
		doc.Participants = append(doc.Participants, api.ParticipantDoc{UserId: id, Role: api.RoleMember})
		addedIds = append(addedIds, id)
	}

	conversationRef := s.client.Collection("conversations").Doc(conversationId)
	if _, err := conversationRef.Update(ctx, []firestore.Update{
		{
			Path:  "participants",
			Value: doc.Participants,
		},
	}); err != nil {
		log.Printf("Unable to update participants: %v", err)
		return conversation, nil, err
	}

	conversationSnap, err := conversationRef.Get(ctx)
	if err != nil {
		return conversation, nil, err
	}

	// New members need a user conversation doc to see the thread listed.
	for _, id := range addedIds {
		userConversationDoc := s.client.Collection("users").Doc(id).Collection("conversations").Doc(conversationId)
		if _, err := userConversationDoc.Set(ctx, map[string]interface{}{
			"conversationRef": conversationRef,
			"unreadCount":     0,
			"lastUpdated":     conversationSnap.UpdateTime,
		}); err != nil {
			log.Printf("Unable to add conversation to user in firestore: %s", err)
			return conversation, nil, err
		}
	}

	conversation, err = s.buildConversation(ctx, conversationId, doc, 0)
	if err != nil {
		return conversation, nil, err
	}

	var added []api.Participant
	for _, id := range addedIds {
		if participant := conversation.ParticipantById(id); participant != nil {
			added = append(added, *participant)
		}
	}
	log.Printf("Added new participants to conversation: %s\n", conversationId)

	return conversation, added, nil
}

func (s *storage) RenameConversation(ctx context.Context, conversationId string, name string) (api.Conversation, error) {
	var conversation api.Conversation

	conversationRef := s.client.Collection("conversations").Doc(conversationId)
	if _, err := conversationRef.Update(ctx, []firestore.Update{
		{
			Path:  "name",
			Value: name,
		},
	}); err != nil {
		log.Printf("Unable to rename conversation: %v", err)
		return conversation, err
	}

	doc, err := s.GetConversationDoc(ctx, conversationId)
	if err != nil {
		return conversation, err
	}
	return s.buildConversation(ctx, conversationId, doc, 0)
}

func (s *storage) UpdateUserConversation(patchJSON []byte, uid string, conversationId string) error {
	ctx := context.Background()

	patch, err := jsonPatch.DecodePatch(patchJSON)
	if err != nil {
		log.Printf("Decoding json patch: %v", err)
		return err
	}

	// Get document from user conversation collection
	userConversationDoc, err := s.client.Collection("users").Doc(uid).Collection("conversations").Doc(conversationId).Get(ctx)
	if err != nil {
		return err
	}

	// Populate struct with data from User Conversation doc
	var userConversation api.UserConversation
	if err := userConversationDoc.DataTo(&userConversation); err != nil {
		return err
	}

	// Convert User Conversation struct to binary array to be used by json patch function
	userConversationBinary, err := json.Marshal(userConversation)
	if err != nil {
		log.Printf("Marshalling user conversation: %v", err)
		return err
	}

	// Modify user conversation based on the instructions given from the json patch
	userConversationBinary, err = patch.Apply(userConversationBinary)
	if err != nil {
		log.Printf("Applying json patch to user conversation: %v\n", err)
		return err
	}

	err = json.Unmarshal(userConversationBinary, &userConversation)
	if err != nil {
		log.Printf("Unmarshal updated user conversation in binary: %v", err)
		return err
	}

	_, err = userConversationDoc.Ref.Set(ctx, userConversation)
	if err != nil {
		log.Printf("Setting modified data to user conversation: %v\n", err)
		return err
	}

	return nil
}

// buildConversation joins the Firestore participant entries with the user
// directory rows from Postgres.
func (s *storage) buildConversation(ctx context.Context, conversationId string, doc api.ConversationDoc, unreadCount int) (api.Conversation, error) {
	var conversation api.Conversation

	ids := make([]string, 0, len(doc.Participants))
	for _, participant := range doc.Participants {
		ids = append(ids, participant.UserId)
	}

	users, err := s.GetUserByIds(dedupe(ids))
	if err != nil {
		log.Println(err)
		return conversation, err
	}
	byId := make(map[string]*api.UserModel, len(users))
	for _, user := range users {
		byId[user.UID] = user
	}

	participants := make([]api.Participant, 0, len(doc.Participants))
	for _, entry := range doc.Participants {
		user, ok := byId[entry.UserId]
		if !ok {
			participants = append(participants, api.Participant{UserId: entry.UserId, Role: entry.Role})
			continue
		}
		participants = append(participants, user.ConvertToParticipant(entry.Role))
	}

	conversation = api.Conversation{
		Id:           conversationId,
		Name:         doc.Name,
		Type:         doc.Type,
		Participants: participants,
		UnreadCount:  unreadCount,
	}

	return conversation, nil
}

func (s *storage) GetUserByIds(uIds []string) ([]*api.UserModel, error) {
	if len(uIds) == 0 {
		return nil, nil
	}
	var users []*api.UserModel
	ids := make([]interface{}, len(uIds))
	ids[0] = uIds[0]
	inStmt := "$1"
	for i := 1; i < len(uIds); i++ {
		inStmt = inStmt + ",$" + strconv.Itoa(i+1)
		ids[i] = uIds[i]
	}
	if err := pgxscan.Select(context.Background(), s.db, &users, "SELECT * FROM user_account WHERE uid IN ("+inStmt+")", ids...); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *storage) GetUsersByUsernameContaining(query string) ([]*api.UserModel, error) {
	var users []*api.UserModel
	if err := pgxscan.Select(context.Background(), s.db, &users, "SELECT * FROM user_account WHERE username LIKE '%' || $1 || '%'", query); err != nil {
		return nil, err
	}
	return users, nil
}

func activeParticipantIds(participants []api.ParticipantDoc) []string {
	var ids []string
	for _, participant := range participants {
		if participant.Role.Active() {
			ids = append(ids, participant.UserId)
		}
	}
	return ids
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
