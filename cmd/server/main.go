package main

import (
	"chatEngine/config"
	"chatEngine/pkg/api"
	"chatEngine/pkg/app"
	"chatEngine/pkg/repository"
	"context"
	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"log"
)

func init() {
	err := godotenv.Load(".env")
	if err != nil {
		log.Fatalln("Error loading .env file")
	}
}

func main() {
	db := config.SetupDatabase(context.Background())
	defer db.Close()

	firebaseApp := config.SetupFirebase()

	firestore, err := firebaseApp.Firestore(context.Background())
	if err != nil {
		log.Fatalln(err)
	}

	storage := repository.NewStorage(db, firestore)

	router := chi.NewRouter()

	userService := api.NewUserService(storage)

	chatService := api.NewChatService(storage)

	server := app.NewServer(router, userService, chatService)

	if err = server.Run(); err != nil {
		log.Println(err)
	}
}
