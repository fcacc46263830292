package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joohw/deltasync-go/internal/remote"
)

// shutdownGrace bounds how long serve waits for in-flight requests on exit.
const shutdownGrace = 5 * time.Second

// newServeCmd exposes the configured local store over websocket so peers can
// use it as their cloud adapter.
func newServeCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local store to syncing peers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			listen := flagListen
			if listen == "" {
				listen = cc.Cfg.Serve.Listen
			}

			adapter, err := openAdapter(cc.Cfg, cc.Logger)
			if err != nil {
				return err
			}
			defer adapter.Close()

			server := &http.Server{
				Addr:              listen,
				Handler:           remote.NewServer(adapter, cc.Logger),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				cc.Logger.Info("serving store", "listen", listen, "driver", cc.Cfg.Local.Driver)

				if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}

				return nil
			})

			g.Go(func() error {
				<-gctx.Done()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()

				return server.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "listen address (overrides config)")

	return cmd
}
