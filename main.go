package main

import (
	"context"
	"os"

	"ingest_server/cmd"
	"ingest_server/pkg/logger"

	"github.com/joho/godotenv"
)

func main() {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Output:  os.Stderr,
		Service: "ingest",
	})

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}
