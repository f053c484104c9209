package main

import (
	"log"

	"github.com/yyogue/yoguepay/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatalf("yoguepay: %v", err)
	}
}
