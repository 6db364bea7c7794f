package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ctagard/dap-proxy/internal/version"
)

var checkForUpdates bool

func NewVersionCommand() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Prints the dap-proxy version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			if !checkForUpdates {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			info, err := version.NewChecker().CheckForUpdates(ctx)
			if err != nil {
				return err
			}
			if msg := info.UpdateMessage(); msg != "" {
				fmt.Fprintln(cmd.OutOrStdout(), msg)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "dap-proxy is up to date")
			}
			return nil
		},
	}
	versionCmd.Flags().BoolVar(&checkForUpdates, "check", false, "Also check for a newer release")
	return versionCmd
}
