package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/lattice-collab/internal/discovery"
)

type PeersOptions struct {
	*RootOptions
	Service string
	Timeout time.Duration
	JSON    bool
}

// NewPeersCommand creates the peers command.
func NewPeersCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PeersOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List servers advertised on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.Timeout)
			defer cancel()

			peers, err := discovery.Browse(ctx, opts.Service)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.JSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(peers)
			}
			if len(peers) == 0 {
				fmt.Fprintln(out, "no peers found")
				return nil
			}
			for _, p := range peers {
				fmt.Fprintf(out, "%s\t%s\n", p.Instance, p.Address())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Service, "service", discovery.DefaultService, "mDNS service type")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 3*time.Second, "how long to listen")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "print JSON")

	return cmd
}
