package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/upb/identity-service/config"
	"github.com/upb/identity-service/models"
	"github.com/upb/identity-service/repositories/postgres"
	"github.com/upb/identity-service/services/token"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending identity store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := initLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg, err := config.New(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Store.Backend != config.StorePostgres {
				return fmt.Errorf("migrate requires STORE_BACKEND=%s, got %q", config.StorePostgres, cfg.Store.Backend)
			}

			factory, err := postgres.NewRepositoryFactory(cfg, logger)
			if err != nil {
				return err
			}
			defer factory.Close()

			if down {
				if err := factory.Migrator().Down(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "rolled back all migrations")
				return nil
			}

			version, err := factory.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "roll back every migration instead of applying them")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var (
		out   string
		bits  int
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA signing key for RS256 tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return errors.New("--out is required")
			}
			if bits < 2048 {
				return fmt.Errorf("--bits must be at least 2048, got %d", bits)
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}

			pemBytes, err := token.GenerateRSAKeyPEM(bits)
			if err != nil {
				return err
			}

			f, err := os.OpenFile(out, flags, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create key file: %w", err)
			}
			if _, err := f.Write(pemBytes); err != nil {
				_ = f.Close()
				return fmt.Errorf("failed to write key file: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d-bit RSA key to %s\n", bits, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path of the PEM file to write")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA modulus size")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// newIssueTokenCmd mints a token with the configured signing key, for local testing
func newIssueTokenCmd() *cobra.Command {
	var (
		accountID string
		email     string
		scope     string
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign an access token for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			id := uuid.New()
			if accountID != "" {
				parsed, err := uuid.Parse(accountID)
				if err != nil {
					return fmt.Errorf("invalid --account-id: %w", err)
				}
				id = parsed
			}
			sc, err := models.ParseScope(scope)
			if err != nil {
				return err
			}

			cfg, err := config.New(cmd.Context())
			if err != nil {
				return err
			}

			logger := zap.NewNop()
			keys, err := token.NewKeyProvider(cfg.JWT, logger)
			if err != nil {
				return err
			}
			issuer := token.NewIssuer(cfg.JWT.Issuer, cfg.JWT.AccessTokenTTL, cfg.JWT.SigningTimeout, keys, logger)

			tok, err := issuer.Issue(cmd.Context(), models.ResolvedIdentity{
				AccountID: id,
				Email:     email,
				Scope:     sc,
			}, time.Now())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), tok.Value)
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account-id", "", "account UUID, random when empty")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&scope, "scope", string(models.DefaultScope), "scope claim")
	return cmd
}
