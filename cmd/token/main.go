// Command token mints a session token for local development.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"satoshiflip-backend/internal/config"
	"satoshiflip-backend/internal/services"
)

func main() {
	userID := flag.String("user", "", "user id to issue the token for")
	name := flag.String("name", "", "display name to claim")
	flag.Parse()

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "usage: token -user <id> [-name <display name>]")
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	token, err := services.NewJWTService(cfg).GenerateToken(*userID, *name)
	if err != nil {
		log.Fatalf("Failed to generate token: %v", err)
	}
	fmt.Println(token)
}
