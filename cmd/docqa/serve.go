package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/docqa"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and the LINE webhook",
	Long: `Start the docqa HTTP server.

Endpoints:
  POST   /sessions               start a conversation
  GET    /sessions/{id}          conversation history
  POST   /sessions/{id}/ask      ask a question {"question": "..."}
  DELETE /sessions/{id}          forget a conversation
  GET    /pages/{n}/images/{i}   rendered page image (PNG)
  GET    /document               loaded document summary
  POST   /document               load a document (multipart "file" or {"path": "..."})
  POST   /callback               LINE Messaging API webhook
  GET    /health                 health check

Examples:
  docqa serve --doc Graphic.pdf
  docqa serve --addr :3000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		engine, cfg, err := openEngine()
		if err != nil {
			return err
		}
		defer engine.Close()

		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveAddr
		}

		if cfg.WatchDocument {
			if err := engine.Watch(ctx); err != nil {
				slog.Warn("document watch disabled", "error", err)
			}
		}

		var line *lineHandler
		if cfg.Line.ChannelSecret != "" {
			line, err = newLineHandler(cfg.Line.ChannelSecret, cfg.Line.ChannelToken, engine)
			if err != nil {
				return fmt.Errorf("creating LINE client: %w", err)
			}
		}

		srv := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      newRouter(engine, cfg, line),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // answers and uploads can be long
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			slog.Info("server starting", "addr", cfg.Server.Addr, "document", engine.Document().Name)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
		}
		slog.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if line != nil {
			if err := line.Shutdown(shutdownCtx); err != nil {
				slog.Error("LINE events still in flight", "error", err)
			}
		}
		slog.Info("server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

// newRouter builds the API mux behind the middleware chain:
// recovery -> cors -> auth -> logging -> mux.
func newRouter(engine docqa.Engine, cfg docqa.Config, line *lineHandler) http.Handler {
	h := newHandler(engine, cfg.Answer.Greeting)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /sessions", h.handleCreateSession)
	mux.HandleFunc("GET /sessions/{id}", h.handleHistory)
	mux.HandleFunc("POST /sessions/{id}/ask", h.handleAsk)
	mux.HandleFunc("DELETE /sessions/{id}", h.handleDeleteSession)
	mux.HandleFunc("GET /pages/{n}/images/{i}", h.handlePageImage)
	mux.HandleFunc("GET /document", h.handleGetDocument)
	mux.HandleFunc("POST /document", h.handleLoadDocument)
	mux.HandleFunc("GET /health", h.handleHealth)
	if line != nil {
		mux.Handle("POST /callback", line)
	}

	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(cfg.Server.APIKey, handler)
	handler = corsMiddleware(cfg.Server.CORSOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}
