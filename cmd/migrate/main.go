package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/yyogue/yoguepay/internal/db"
)

func main() {
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	if err := db.Migrate(dbURL); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrations applied")
}
