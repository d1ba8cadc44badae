package commands

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/livetemplate/pagecraft/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an editor token",
		Long: `Issue a signed editor token for the builder and page writes, using
auth.jwt_secret from the config. Send it as "Authorization: Bearer <token>"
or in the ` + auth.CookieName + ` cookie.`,
		Example: `  PAGECRAFT_JWT_SECRET=... pagecraft token --subject alice --ttl 8h`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Auth.IsEnabled() {
				return fmt.Errorf("auth.jwt_secret is not set; tokens would not be checked")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			v := auth.NewVerifier(cfg.Auth.GetJWTSecret(), cfg.Auth.Issuer, zerolog.Nop())
			token, err := v.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "who the token is for")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")

	return cmd
}
