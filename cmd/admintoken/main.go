// Command admintoken prints a bearer token for the administrator routes,
// signed with the secret the API server is configured with.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"sorteo/internal/config"
	"sorteo/internal/middleware"

	"github.com/google/logger"
	"github.com/spf13/pflag"
)

func main() {
	log := logger.Init("admintoken", false, false, io.Discard)

	flags := pflag.NewFlagSet("admintoken", pflag.ExitOnError)
	subject := flags.StringP("subject", "s", "", "administrator identity recorded in the token (required)")
	ttl := flags.Duration("ttl", 12*time.Hour, "token lifetime")
	flags.Parse(os.Args[1:])

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "usage: admintoken --subject <name> [--ttl 12h]")
		flags.PrintDefaults()
		os.Exit(2)
	}
	if *ttl <= 0 {
		log.Fatalf("ttl must be positive, got %s", *ttl)
	}

	// The secret comes from the same .env, config.yaml and SORTEO_* sources
	// as the server.
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	token, err := middleware.IssueAdminToken([]byte(cfg.JWTSecret), *subject, *ttl)
	if err != nil {
		log.Fatalf("Failed to issue token: %v", err)
	}
	fmt.Println(token)
}
