package cmd

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <author>",
		Short: "Show sync state, cache statistics and publication details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			info, err := appInstance.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("encode info: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newResetSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-sync <author>",
		Short: "Forget which posts were mirrored so the next run fetches everything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.ResetSync(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sync state reset for %s\n", args[0])
			return nil
		},
	}
}

func newClearCacheCmd() *cobra.Command {
	var expired bool
	cmd := &cobra.Command{
		Use:   "clear-cache",
		Short: "Drop cached API responses and pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if expired {
				n := appInstance.PurgeExpiredCache(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired entries\n", n)
				return nil
			}
			apiRows, pageRows := appInstance.ClearCache(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d api and %d page entries\n", apiRows, pageRows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&expired, "expired", false, "only purge entries past their expiry")
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Serve(cmd.Context())
		},
	}
}
