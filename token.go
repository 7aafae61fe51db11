package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/workspace/session-coordinator/internal/auth"
)

// newTokenCmd mints HS256 tokens for local development against a coordinator
// configured with CLIENT_TOKEN_SECRET or SANDBOX_SHARED_SECRET.
func newTokenCmd() *cobra.Command {
	var (
		secret    string
		subject   string
		name      string
		session   string
		sandboxID string
		audience  string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("--secret is required")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			now := time.Now()
			claims := auth.Claims{
				RegisteredClaims: jwt.RegisteredClaims{
					Subject:   subject,
					IssuedAt:  jwt.NewNumericDate(now),
					ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
				},
				Name:      name,
				Session:   session,
				SandboxID: sandboxID,
			}
			if audience != "" {
				claims.Audience = jwt.ClaimStrings{audience}
			}
			token, err := auth.IssueHMAC([]byte(secret), claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC secret")
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (user id)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&session, "session", "", "restrict the token to one session")
	cmd.Flags().StringVar(&sandboxID, "sandbox-id", "", "sandbox id for sandbox tokens")
	cmd.Flags().StringVar(&audience, "audience", "", "token audience")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
