package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"stablepay-backend/internal/handlers"

	"github.com/pquerna/otp/totp"
)

// Prints a fresh admin TOTP secret, or the current code for an existing one.
func main() {
	account := flag.String("account", "admin", "account name embedded in the otpauth URL")
	flag.Parse()

	secret := os.Getenv("ADMIN_TOTP_SECRET")
	if secret == "" {
		key, err := handlers.GenerateTOTPKey(*account)
		if err != nil {
			fmt.Printf("Error generating TOTP secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("No ADMIN_TOTP_SECRET set, generated a new one:")
		fmt.Printf("Secret: %s\n", key.Secret())
		fmt.Printf("URL:    %s\n", key.URL())
		fmt.Println()
		fmt.Printf("export ADMIN_TOTP_SECRET=%s\n", key.Secret())
		secret = key.Secret()
	}

	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		fmt.Printf("Error generating TOTP code: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Current TOTP Code: %s\n", code)
	fmt.Printf("Valid for: ~30 seconds\n")
}
