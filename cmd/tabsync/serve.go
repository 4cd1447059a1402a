package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabsync-dev/tabsync/pkg/relay"
	"github.com/tabsync-dev/tabsync/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		addr    string
		logJSON bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket relay server",
		Long: `Run a relay server that exposes an in-memory shared store to remote
contexts over WebSocket. Clients declare an origin on connect and receive
every change except their own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(logJSON)
			slog.SetDefault(log)

			st := store.NewMemoryStore()
			defer st.Close()

			srv := relay.NewServer(st, relay.WithServerLogger(log))
			defer srv.Close()

			httpSrv := &http.Server{
				Addr:    addr,
				Handler: srv.Handler(),
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("relay listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-stop:
				log.Info("shutting down", "signal", sig.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", ":8844", "Address to listen on")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Emit JSON logs")

	return cmd
}

func newLogger(logJSON bool) *slog.Logger {
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}