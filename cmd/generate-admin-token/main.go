package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"stablepay-backend/internal/handlers"
)

// Mints an admin JWT for local testing of the /admin/contract endpoints.
func main() {
	username := flag.String("username", "admin", "admin username placed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("ADMIN_JWT_SECRET")
	if secret == "" {
		fmt.Println("ADMIN_JWT_SECRET is not set; the server would reject a token signed with any other key")
		os.Exit(1)
	}

	token, expiresAt, err := handlers.GenerateAdminJWTToken([]byte(secret), *username, *ttl, time.Now())
	if err != nil {
		fmt.Printf("Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("Admin JWT Token")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println(token)
	fmt.Println()
	fmt.Printf("  Username: %s\n", *username)
	fmt.Printf("  Role:     %s\n", handlers.AdminRole)
	fmt.Printf("  Expires:  %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://localhost:8000/admin/contract/payment-count\n", token)
}
