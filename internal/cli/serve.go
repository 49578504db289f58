package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mgpai22/klip/internal/api"
	"github.com/mgpai22/klip/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the clip service behind an HTTP API",
	Long: `Accept clip requests over HTTP and process them in the background.

POST /v1/clips queues a request, GET /v1/jobs/{id} reports its progress and
GET /v1/jobs/{id}/artifact downloads the clip once. Artifacts nobody
collects are deleted after server.artifact_ttl.

With --watch the inbox directory is served as well.

Examples:
  klip serve
  klip serve --listen :8790 --watch`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Process YAML request files dropped into the inbox directory",
	Long: `Watch paths.inbox_dir for request files and write the outcome of each
next to it as <name>.result.yaml.

A request file looks like:

  source: https://www.youtube.com/watch?v=abc
  range: "1:00-1:30"
  user_id: alice
  captions: true

Use count and duration_seconds instead of range for random clips.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)

	serveCmd.Flags().String("listen", "", "Listen address (overrides server.listen)")
	serveCmd.Flags().Bool("watch", false, "Also process the inbox directory")
	watchCmd.Flags().String("inbox", "", "Inbox directory (overrides paths.inbox_dir)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if l, _ := cmd.Flags().GetString("listen"); l != "" {
		cfg.Server.Listen = l
	}
	watch, _ := cmd.Flags().GetBool("watch")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	go b.store.RunJanitor(ctx, cfg.Server.SweepInterval, cfg.Server.ArtifactTTL)

	if watch {
		w, err := watcher.New(cfg.Paths.InboxDir, b.svc, watcher.DefaultSettle, logger)
		if err != nil {
			return err
		}
		defer w.Close()
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("Inbox watcher stopped", "error", err)
			}
		}()
	}

	server := api.NewServer(api.ServerConfig{
		Addr:       cfg.Server.Listen,
		Token:      cfg.Server.Token,
		Version:    version,
		Service:    b.svc,
		ActiveRuns: b.disp.Active,
		Logger:     logger.Named("api"),
		StartTime:  time.Now(),
	})
	if cfg.Server.Token == "" {
		logger.Warnw("API token not set, /v1 is unauthenticated", "listen", cfg.Server.Listen)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("Initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("Failed to shut down HTTP server", "error", err)
	}
	logger.Infow("Waiting for running jobs", "active", b.disp.Active())
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	if dir, _ := cmd.Flags().GetString("inbox"); dir != "" {
		cfg.Paths.InboxDir = dir
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	go b.store.RunJanitor(ctx, cfg.Server.SweepInterval, cfg.Server.ArtifactTTL)

	w, err := watcher.New(cfg.Paths.InboxDir, b.svc, watcher.DefaultSettle, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
