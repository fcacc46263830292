package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	deltasync "github.com/joohw/deltasync-go"
	"github.com/joohw/deltasync-go/internal/remote"
)

// newSyncCmd runs one full sync against the configured remote, or keeps
// syncing on the auto-sync interval with --watch or sync.auto_sync.
func newSyncCmd() *cobra.Command {
	var (
		flagRemote string
		flagWatch  bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local store with a remote peer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			url := flagRemote
			if url == "" {
				url = cc.Cfg.Remote.URL
			}

			if url == "" {
				return errors.New("no remote configured: set remote.url or pass --remote")
			}

			adapter, err := openAdapter(cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := deltasync.New(ctx, adapter, deltasync.Options{
				Logger:     cc.Logger,
				MaxRetries: cc.Cfg.Sync.MaxRetries,
				Timeout:    cc.Cfg.Sync.Timeout(),
				BatchSize:  cc.Cfg.Sync.BatchSize,
				AutoSync: deltasync.AutoSyncOptions{
					Interval:   cc.Cfg.Sync.Interval(),
					RetryDelay: cc.Cfg.Sync.RetryDelay(),
				},
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			cloud, err := remote.Dial(ctx, url, cc.Logger)
			if err != nil {
				return err
			}

			if err := engine.SetCloudAdapter(ctx, cloud); err != nil {
				return err
			}

			report, err := engine.Sync(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "pulled %d, pushed %d (files: %d down, %d up), version %d\n",
				report.Pulled, report.Pushed, report.FilesPulled, report.FilesPushed, report.Version)

			if !flagWatch && !cc.Cfg.Sync.AutoSync {
				return nil
			}

			engine.EnableAutoSync(cc.Cfg.Sync.Interval())
			<-ctx.Done()

			return nil
		},
	}

	cmd.Flags().StringVar(&flagRemote, "remote", "", "remote store URL (overrides config)")
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "keep syncing on the configured interval")

	return cmd
}
