package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/streambridge/internal/attachments"
	"github.com/antonkrylov/streambridge/internal/bridge"
	"github.com/antonkrylov/streambridge/internal/forward"
	"github.com/antonkrylov/streambridge/internal/httpapi"
	"github.com/antonkrylov/streambridge/internal/sink"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		listen       string
		shutdownWait time.Duration
		nf           natsFlags
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and the stream_chunk event stream for a browser UI",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := root.logger
			store, err := attachments.NewStore(root.dataDirectory())
			if err != nil {
				return err
			}
			events := sink.NewSSE(logger)
			mirror, closeMirror, err := nf.open(root, "streambridge-serve")
			if err != nil {
				return err
			}
			defer closeMirror()

			b := bridge.New(forward.Tee(events, mirror), bridge.Options{
				Logger:         logger,
				DefaultAddress: root.backendAddr,
			})
			// Operations follow the bridge default so PUT /api/backend applies.
			base := root.bridgeConfig()
			base.Address = ""
			api := httpapi.New(httpapi.Options{
				Bridge:      b,
				Config:      base,
				Attachments: store,
				Events:      events,
				Logger:      logger,
			})

			srv := &http.Server{
				Addr:              listen,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			srv.RegisterOnShutdown(func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
				defer cancel()
				if err := b.Shutdown(ctx); err != nil {
					logger.Warn("cancel operations", "err", err)
				}
				if err := events.Shutdown(ctx); err != nil {
					logger.Warn("close event stream", "err", err)
				}
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			serverErrors := make(chan error, 1)
			go func() {
				logger.Info("listening", "addr", listen, "backend", root.backendAddr, "data_dir", store.Root())
				serverErrors <- srv.ListenAndServe()
			}()

			select {
			case err := <-serverErrors:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("graceful shutdown failed", "err", err)
					return srv.Close()
				}
				return nil
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8080", "HTTP listen address")
	cmd.Flags().DurationVar(&shutdownWait, "shutdown-timeout", 10*time.Second, "time allowed for open requests and operations on exit")
	nf.register(cmd)
	return cmd
}
