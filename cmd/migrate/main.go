package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"

	"perteval/internal/config"
	"perteval/internal/container"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	appConfig, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if len(os.Args) > 1 {
		appConfig.Database.URL = os.Args[1]
	}

	log.Printf("Applying schema to %s database", appConfig.Database.Driver)
	db, err := container.OpenDatabase(context.Background(), appConfig.Database)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	defer db.Close()

	log.Println("Migration completed")
}
