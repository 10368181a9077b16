package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/projectsync/internal/docstore"
	"github.com/agentworkforce/projectsync/internal/httpapi"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync API and the live status stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cmd, map[string]string{"addr": "http.addr"})
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			engine, err := rt.openEngine(ctx, false)
			if err != nil {
				return err
			}
			defer engine.Close()
			engine.Start()

			handler := httpapi.NewServer(engine, rt.httpConfig())
			return listenAndServe(ctx, rt.cfg.HTTP.Addr, handler, rt.logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address for the sync API")
	return cmd
}

func newDocServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docserver",
		Short: "Serve a document store over HTTP for remote engines",
		Long: "docserver exposes the configured memory or postgres document store with\n" +
			"revision preconditions, so engines can use it through an http:// docs DSN.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cmd, map[string]string{"addr": "http.document_addr"})
			if err != nil {
				return err
			}
			defer rt.Close()

			remote, err := docstore.Open(rt.cfg.Docs.DSN, rt.cfg.Docs.Token)
			if err != nil {
				return err
			}
			if _, ok := remote.(*docstore.HTTPRemote); ok {
				return errors.New("docserver needs a memory:// or postgres:// docs DSN")
			}
			if closer, ok := remote.(io.Closer); ok {
				defer closer.Close()
			}
			handler := httpapi.NewDocumentServer(remote, rt.httpConfig())
			return listenAndServe(cmd.Context(), rt.cfg.HTTP.DocumentAddr, handler, rt.logger)
		},
	}
	cmd.Flags().String("addr", "", "listen address for the document store")
	return cmd
}

// listenAndServe runs handler until ctx ends, then drains connections.
func listenAndServe(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("shutdown did not finish cleanly")
		return srv.Close()
	}
	logger.Info().Msg("server stopped")
	return nil
}
