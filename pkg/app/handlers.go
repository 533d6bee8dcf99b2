package app

import (
	"chatEngine/pkg/api"
	"encoding/json"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"io/ioutil"
	"log"
	"net/http"
	"strconv"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8092,
	WriteBufferSize: 8092,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) GetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// UID from Access Token contained in Authorization header
		uid := r.Context().Value("UID").(string)

		conversationId := chi.URLParam(r, "conversationId")
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		result, err := s.chatService.ConversationPage(r.Context(), uid, conversationId, page, limit)
		if err != nil {
			http.Error(w, "Error getting conversation with conversation id:"+conversationId, http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(result); err != nil {
			log.Printf("Unable to encode conversation data: %v\n", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Printf("Successfully retrieved page %d of conversation with id: %s", result.Page, conversationId)
	}
}

func (s *Server) GetConversations() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// UID from Access Token contained in Authorization header
		uid := r.Context().Value("UID").(string)

		conversations, err := s.chatService.GetConversations(r.Context(), uid)

		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(conversations); err != nil {
			log.Printf("Unable to encode conversation data: %v\n", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		log.Printf("Successfully retrieved conversations for user with id: %s", uid)
	}
}

func (s *Server) CreateConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// UID from Access Token contained in Authorization header
		uid := r.Context().Value("UID").(string)

		var newConversation api.NewConversation
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&newConversation); err != nil {
			log.Printf("Unable to unmarshal request body: %v\n", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conversation, err := s.chatService.CreateConversation(r.Context(), newConversation, uid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(conversation); err != nil {
			log.Printf("Unable to encode conversation data: %v\n", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}
}

// RemoveParticipant demotes the target to removed-user and fans the change out
// to the conversation room and to all participants' sessions.
func (s *Server) RemoveParticipant(hub *api.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		conversationId := chi.URLParam(r, "conversationId")
		userId := chi.URLParam(r, "userId")

		conversation, err := s.chatService.RemoveParticipant(r.Context(), conversationId, uid, userId)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.broadcastMembership(hub, api.EventParticipantRemoved, conversation, userId, api.RoleRemoved)
		hub.Send(api.OutgoingEvent{
			Event:   api.EventUserRemoved,
			Data:    api.MembershipPayload{ConversationId: conversationId, UserId: userId, Role: api.RoleRemoved},
			Targets: []string{userId},
		})

		respondConversation(w, conversation)
	}
}

func (s *Server) PromoteParticipant(hub *api.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		conversationId := chi.URLParam(r, "conversationId")
		userId := chi.URLParam(r, "userId")

		conversation, err := s.chatService.PromoteParticipant(r.Context(), conversationId, uid, userId)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Promotions ride the participant upsert event; receivers apply the
		// changed role in place.
		if promoted := conversation.ParticipantById(userId); promoted != nil {
			hub.Send(api.OutgoingEvent{
				Event:   api.EventParticipantAdded,
				Data:    api.ParticipantsAddedPayload{ConversationId: conversationId, Participants: []api.Participant{*promoted}},
				Room:    conversationId,
				Targets: activeIds(conversation),
			})
		}

		respondConversation(w, conversation)
	}
}

func (s *Server) AddParticipants(hub *api.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		conversationId := chi.URLParam(r, "conversationId")

		var body struct {
			UserIds []string `json:"userIds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conversation, added, err := s.chatService.AddParticipants(r.Context(), conversationId, uid, body.UserIds)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		hub.Send(api.OutgoingEvent{
			Event:   api.EventParticipantAdded,
			Data:    api.ParticipantsAddedPayload{ConversationId: conversationId, Participants: added},
			Room:    conversationId,
			Targets: activeIds(conversation),
		})

		respondConversation(w, conversation)
	}
}

func (s *Server) RenameGroup(hub *api.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		conversationId := chi.URLParam(r, "conversationId")

		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conversation, err := s.chatService.RenameGroup(r.Context(), conversationId, uid, body.Name)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		hub.Send(api.OutgoingEvent{
			Event:   api.EventGroupRenamed,
			Data:    api.GroupRenamedPayload{ConversationId: conversationId, Name: body.Name},
			Room:    conversationId,
			Targets: activeIds(conversation),
		})

		respondConversation(w, conversation)
	}
}

func (s *Server) LeaveGroup(hub *api.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Context().Value("UID").(string)

		conversationId := chi.URLParam(r, "conversationId")

		conversation, err := s.chatService.LeaveGroup(r.Context(), conversationId, uid)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.broadcastMembership(hub, api.EventParticipantLeft, conversation, uid, api.RoleLeft)
		hub.Send(api.OutgoingEvent{
			Event:   api.EventUserLeft,
			Data:    api.MembershipPayload{ConversationId: conversationId, UserId: uid, Role: api.RoleLeft},
			Targets: []string{uid},
		})

		respondConversation(w, conversation)
	}
}

func (s *Server) UpdateUserConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// UID from Access Token contained in Authorization header
		uid := r.Context().Value("UID").(string)

		conversationId := chi.URLParam(r, "conversationId")

		patchJSON, err := ioutil.ReadAll(r.Body)
		if err != nil {
			log.Printf("Reading bytes from request: %v", err)
			http.Error(w, "Couldn't process request", http.StatusBadRequest)
			return
		}

		if err := s.chatService.UpdateUserConversation(patchJSON, uid, conversationId); err != nil {
			http.Error(w, "Couldn't process request", http.StatusBadRequest)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) GetContacts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {

		query := chi.URLParam(r, "query")

		users, err := s.userService.GetUsersByUsernameContaining(query)
		if err != nil {
			log.Println(err)
		}

		var usersDTO []api.User
		for _, user := range users {
			userDTO := user.ConvertToDTO()
			usersDTO = append(usersDTO, userDTO)
		}

		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(usersDTO); err != nil {
			log.Printf("Unable to encode users data: %v\n", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		log.Printf("Successfully retrieved users like: %s", query)
	}
}

func (s *Server) ServeWs(hub *api.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.URL.Query().Get("uid")
		if uid == "" {
			log.Println("uid in query param required")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println(err)
			return
		}

		log.Println("Connected to websocket")
		client := api.NewClient(hub, conn, make(chan []byte, 256), uid, s.chatService)
		client.Hub.Register <- client

		// Allow collection of memory referenced by the caller by doing all work in
		// new goroutines.
		go client.WritePump()
		go client.ReadPump()
	}
}

// broadcastMembership sends a role-transition event to the room and to every
// participant's sessions, so closed list views still catch up on next render.
func (s *Server) broadcastMembership(hub *api.Hub, event string, conversation api.Conversation, userId string, role api.Role) {
	hub.Send(api.OutgoingEvent{
		Event:   event,
		Data:    api.MembershipPayload{ConversationId: conversation.Id, UserId: userId, Role: role},
		Room:    conversation.Id,
		Targets: activeIds(conversation),
	})
}

func activeIds(conversation api.Conversation) []string {
	var ids []string
	for _, participant := range conversation.Participants {
		if participant.Role.Active() {
			ids = append(ids, participant.UserId)
		}
	}
	return ids
}

func respondConversation(w http.ResponseWriter, conversation api.Conversation) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(conversation); err != nil {
		log.Printf("Unable to encode conversation data: %v\n", err)
		w.WriteHeader(http.StatusBadRequest)
	}
}
