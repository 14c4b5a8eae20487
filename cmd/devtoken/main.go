// Command devtoken mints bearer tokens for local development. Tokens are
// signed with JWT_SECRET, the same secret the server verifies with.
//
//	go run ./cmd/devtoken -user 7 -role CITIZEN
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/iliyamo/civic-issue-reporting/internal/config"
	"github.com/iliyamo/civic-issue-reporting/internal/model"
	"github.com/iliyamo/civic-issue-reporting/internal/utils"
)

func main() {
	cfg := config.Load()

	userID := flag.Uint64("user", 1, "user id placed in the sub claim")
	roleFlag := flag.String("role", string(model.RoleCitizen), "CITIZEN or MUNICIPAL")
	ttl := flag.Duration("ttl", time.Duration(cfg.AccessTTLMin)*time.Minute, "token lifetime")
	flag.Parse()

	role, ok := model.ParseRole(*roleFlag)
	if !ok {
		log.Fatalf("unknown role %q", *roleFlag)
	}
	tok, err := utils.NewAccessToken(cfg.JWTSecret, *userID, role, *ttl)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Fprintln(os.Stdout, tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}
