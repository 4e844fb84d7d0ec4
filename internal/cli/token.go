package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/lattice-collab/internal/auth"
)

type TokenOptions struct {
	*RootOptions
	ClientID string
	Rooms    []string
	TTL      time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a join token",
		Long: `Issue an HS256 join token signed with the configured jwt_secret.

Clients pass the token as options.token in their join event.

Example:
  lattice-collab token --client alice --room notes --ttl 24h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(nil)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("jwt_secret is not configured")
			}
			token, err := auth.New(cfg.JWTSecret).Sign(auth.Claims{
				ClientID: opts.ClientID,
				Rooms:    opts.Rooms,
			}, opts.TTL)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.ClientID, "client", "", "client id the token is issued to (required)")
	cmd.Flags().StringSliceVar(&opts.Rooms, "room", nil, "room the token grants; repeat for more, omit for all")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime (0 never expires)")
	_ = cmd.MarkFlagRequired("client")

	return cmd
}
