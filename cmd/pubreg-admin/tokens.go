package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/database"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage bearer tokens",
	Long: `Issue, list and revoke publisher bearer tokens.

Unlike the account API, this command may grant the admin scope.`,
}

var (
	tokenUser        string
	tokenLabel       string
	tokenScopes      []string
	tokenExpiresDays int
)

var tokensCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a token and print its secret once",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *adminEnv, _ []string) error {
		return createToken(ctx, e, tokenUser, tokenLabel, tokenScopes, tokenExpiresDays)
	}),
}

var tokensListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's tokens",
	Args:  cobra.NoArgs,
	RunE: withEnv(func(ctx context.Context, e *adminEnv, _ []string) error {
		return listTokens(ctx, e, tokenUser)
	}),
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <label>",
	Short: "Revoke a user's token by label",
	Args:  cobra.ExactArgs(1),
	RunE: withEnv(func(ctx context.Context, e *adminEnv, args []string) error {
		return revokeToken(ctx, e, tokenUser, args[0])
	}),
}

func init() {
	tokensCmd.PersistentFlags().StringVarP(&tokenUser, "user", "u", "", "Owning username")
	_ = tokensCmd.MarkPersistentFlagRequired("user")

	tokensCreateCmd.Flags().StringVarP(&tokenLabel, "label", "l", "", "Token label, unique per user")
	tokensCreateCmd.Flags().StringSliceVarP(&tokenScopes, "scope", "s", []string{auth.ScopePublishAll}, "Scope to grant (repeatable)")
	tokensCreateCmd.Flags().IntVar(&tokenExpiresDays, "expires-days", 0, "Days until the token expires (0 = never)")
	_ = tokensCreateCmd.MarkFlagRequired("label")

	tokensCmd.AddCommand(tokensCreateCmd, tokensListCmd, tokensRevokeCmd)
	rootCmd.AddCommand(tokensCmd)
}

func createToken(ctx context.Context, e *adminEnv, username, label string, scopes []string, expiresDays int) error {
	label = strings.TrimSpace(label)
	if label == "" || len(label) > 64 {
		return fmt.Errorf("label must be 1-64 characters")
	}
	if expiresDays < 0 {
		return fmt.Errorf("--expires-days must not be negative")
	}
	joined, err := auth.JoinScopes(scopes)
	if err != nil {
		return err
	}

	u, err := lookupAccount(ctx, e, userAccounts, username)
	if err != nil {
		return err
	}

	secret, hash, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	t := &database.AuthToken{
		TokenHash: hash,
		UserID:    u.ID,
		Label:     label,
		Scopes:    joined,
		CreatedAt: time.Now().UTC(),
	}
	if expiresDays > 0 {
		t.ExpiresAt = sql.NullTime{Time: t.CreatedAt.AddDate(0, 0, expiresDays), Valid: true}
	}
	if err := e.store.Tokens.Create(ctx, t); err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("user %q already has a token labelled %q", username, label)
		}
		return err
	}

	fmt.Fprintf(e.out, "✓ Created token %q for %q (scopes: %s)\n", label, username, joined)
	fmt.Fprintf(e.out, "  Token: %s\n", secret)
	fmt.Fprintln(e.out, "  Store it now; it cannot be shown again.")
	return nil
}

func listTokens(ctx context.Context, e *adminEnv, username string) error {
	u, err := lookupAccount(ctx, e, userAccounts, username)
	if err != nil {
		return err
	}
	tokens, err := e.store.Tokens.ListByUser(ctx, u.ID)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		fmt.Fprintf(e.out, "No tokens for %q.\n", username)
		return nil
	}

	w := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tSCOPES\tCREATED\tLAST USED\tEXPIRES")
	for _, t := range tokens {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.Label, t.Scopes, t.CreatedAt.Format("2006-01-02"),
			formatNullTime(t.LastUsedAt, "never"), formatNullTime(t.ExpiresAt, "-"))
	}
	return w.Flush()
}

func revokeToken(ctx context.Context, e *adminEnv, username, label string) error {
	u, err := lookupAccount(ctx, e, userAccounts, username)
	if err != nil {
		return err
	}
	if !e.confirm("Revoke token %q of %q?", label, username) {
		return errAborted
	}
	found, err := e.store.Tokens.DeleteByLabel(ctx, u.ID, label)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("user %q has no token labelled %q", username, label)
	}
	fmt.Fprintf(e.out, "✓ Revoked token %q of %q\n", label, username)
	return nil
}

func formatNullTime(t sql.NullTime, missing string) string {
	if !t.Valid {
		return missing
	}
	return t.Time.Format("2006-01-02 15:04")
}
