//go:build ignore

// Mints a bearer token for manual API testing:
//
//	go run scripts/gen_token.go -subject participant-1 -role participant -groups dev-group
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SafeMPC/threshold-coordinator/internal/auth"
)

func main() {
	subject := flag.String("subject", "participant-1", "token subject (participant or approver id)")
	role := flag.String("role", auth.RoleParticipant, "token role: participant, approver or admin")
	groups := flag.String("groups", "dev-group", "comma separated group ids the token grants access to")
	secret := flag.String("secret", "insecure-dev-secret", "JWT secret shared with the server")
	expiry := flag.Duration("expiry", 24*time.Hour, "token lifetime")
	flag.Parse()

	var groupIDs []string
	if *groups != "" {
		groupIDs = strings.Split(*groups, ",")
	}

	token, err := auth.NewJWTManager(*secret, "threshold-coordinator", *expiry).
		Generate(*subject, *role, groupIDs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate token:", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
