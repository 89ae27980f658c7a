package main

import (
	"log"

	"github.com/joho/godotenv"

	"github.com/tradematch/authority/internal/auth/app"
)

func main() {
	// Missing .env is fine; the environment itself may carry the config.
	_ = godotenv.Load()

	cfg := app.LoadConfig()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if err := application.Run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
