package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/hdsflv/internal/config"
	"github.com/jmylchreest/hdsflv/internal/observability"
	"github.com/jmylchreest/hdsflv/pkg/hds"
	"github.com/jmylchreest/hdsflv/pkg/httpclient"
)

var (
	fetchOutputPath string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <manifest-url>",
	Short: "Open an HDS stream and copy its FLV bytes to stdout or a file",
	Long: `Opens a StreamFilter against the given manifest URL and copies the
synthesized FLV byte stream to stdout, or to the file given with -o.

For a VOD manifest, fetch runs until the stream reaches EOF. For a live
manifest, fetch runs until interrupted (Ctrl-C) since a live stream never
reaches EOF on its own.`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVarP(&fetchOutputPath, "output", "o", "", "Write to this file instead of stdout")
}

func runFetch(cmd *cobra.Command, args []string) error {
	manifestURL := args[0]

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)

	out := cmd.OutOrStdout()
	if fetchOutputPath != "" {
		f, ferr := os.Create(fetchOutputPath)
		if ferr != nil {
			return fmt.Errorf("creating output file %s: %w", fetchOutputPath, ferr)
		}
		defer f.Close()
		out = f
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := httpclient.New(httpclient.Config{
		Timeout:          cfg.HTTP.Timeout,
		RetryAttempts:    cfg.HTTP.RetryAttempts,
		RetryDelay:       cfg.HTTP.RetryDelay,
		CircuitThreshold: cfg.HTTP.CircuitBreakerThreshold,
		CircuitTimeout:   cfg.HTTP.CircuitBreakerTimeout,
		UserAgent:        cfg.HTTP.UserAgent,
		Logger:           logger,
	})

	filter, err := hds.Open(ctx, manifestURL, hds.Options{
		HTTPClient:          client,
		Logger:              logger,
		MaxFragmentSize:     cfg.HTTP.MaxFragmentSize.Bytes(),
		DownloadLeadtime:    cfg.HDS.DownloadLeadtime,
		LivePollMinInterval: cfg.HDS.LivePollMinInterval,
		NetworkCachingDelay: cfg.HDS.NetworkCachingDelay,
	})
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer filter.Close()

	logger.Info("fetch: stream opened", slog.String("manifest_url", manifestURL), slog.Bool("live", filter.IsLive()))

	buf := make([]byte, 64*1024)
	var total int64
	for {
		select {
		case <-ctx.Done():
			logger.Info("fetch: interrupted", slog.Int64("bytes_written", total))
			return nil
		default:
		}

		n, rerr := filter.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing output: %w", werr)
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			logger.Info("fetch: stream complete", slog.Int64("bytes_written", total))
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("reading stream: %w", rerr)
		}
		if n == 0 {
			time.Sleep(20 * time.Millisecond)
		}
	}
}
