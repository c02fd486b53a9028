// Command token prints a bearer token naming an address as the caller.
package main

import (
	"flag"
	"fmt"
	"time"

	"raffle/internal/auth"
	"raffle/internal/config"
)

func main() {
	addr := flag.String("addr", "", "caller address to embed in the token")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to RAFFLE_TOKEN_TTL)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		config.Exitf("config: %v", err)
	}
	lifetime := cfg.TokenTTL
	if *ttl > 0 {
		lifetime = *ttl
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}

	tok, err := auth.IssueToken([]byte(cfg.JWTSecret), *addr, lifetime)
	if err != nil {
		config.Exitf("issue token: %v", err)
	}
	fmt.Println(tok)
}
