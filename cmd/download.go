package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/substack-mirror/internal/datefilter"
)

type downloadOptions struct {
	start       string
	end         string
	concurrency int
	force       bool
}

func newDownloadCmd(root *rootOptions) *cobra.Command {
	opts := &downloadOptions{}
	cmd := &cobra.Command{
		Use:   "download <author>",
		Short: "Mirror every new post of an author",
		Long: `Discovers the author's posts, skips the ones already mirrored and
downloads the rest with their images and comments. The author may be a bare
handle or any URL of the publication.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			concurrency := opts.concurrency
			if concurrency <= 0 {
				concurrency = root.cfg.Crawler.Concurrency
			}
			logger := root.logger
			if logger == nil {
				logger = zap.NewNop()
			}
			filter := datefilter.New(opts.start, opts.end, logger)

			counters, runErr := appInstance.DownloadAll(cmd.Context(), args[0], filter, concurrency, opts.force)
			fmt.Fprintf(cmd.OutOrStdout(), "mirrored %d, skipped %d, already synced %d, failed %d\n",
				counters.Success, counters.Skipped, counters.AlreadySynced, counters.Failed)
			if runErr != nil {
				return runErr
			}
			if counters.ExitFailure() {
				return errRunFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.start, "start", "", "only posts on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&opts.end, "end", "", "only posts on or before this date (YYYY-MM-DD)")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 0, "posts processed in parallel (default crawler.concurrency)")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "ignore sync state and the cache")
	cmd.Flags().String("strategy", "", "discovery strategy: api, sitemap, feed or archive")
	cmd.Flags().String("executor", "", "executor: cooperative or isolated")
	cmd.Flags().StringP("output", "o", "", "write the mirror to this directory")
	cmd.Flags().String("token", "", "session token for subscriber-only posts")
	return cmd
}
