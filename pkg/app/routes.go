package app

import (
	"chatEngine/config"
	"chatEngine/pkg/api"
	myMiddleware "chatEngine/pkg/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) Routes(hub *api.Hub) *chi.Mux {
	r := s.router
	r.Use(cors.Handler(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.FirebaseConfig(config.SetupFirebase()))

	r.Route("/chat", func(r chi.Router) {
		r.Use(myMiddleware.Authenticator)
		r.Get("/conversation/{conversationId}", s.GetConversation())
		r.Post("/conversation", s.CreateConversation())
		r.Get("/conversation", s.GetConversations())
		r.Delete("/conversation/{conversationId}/participant/{userId}", s.RemoveParticipant(hub))
		r.Put("/conversation/{conversationId}/participant/{userId}/promote", s.PromoteParticipant(hub))
		r.Post("/conversation/{conversationId}/participants", s.AddParticipants(hub))
		r.Patch("/conversation/{conversationId}/name", s.RenameGroup(hub))
		r.Post("/conversation/{conversationId}/leave", s.LeaveGroup(hub))
		r.Patch("/user/conversation/{conversationId}", s.UpdateUserConversation())
		r.Get("/contacts/{query}", s.GetContacts())
	})

	r.Get("/chat/ws", s.ServeWs(hub))

	return r
}
