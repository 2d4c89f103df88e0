package main

import (
	"log"

	"github.com/joho/godotenv"

	"leadflow/crm/cmd"
	"leadflow/crm/internal/logger"
)

func main() {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	// Commands that load config re-initialize the logger with its settings.
	if err := logger.Setup(logger.DefaultConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	cmd.Execute()
}
