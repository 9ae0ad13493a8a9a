package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"example.com/buskercal/internal/feed"
	"example.com/buskercal/internal/sqliteutil"
)

// NewFeedCommand serves the bundled mock schedule feed.
func NewFeedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "feed",
		Short: "Serve a mock busker schedule feed for local runs",
		Long: `Serve a SQLite-backed schedule feed. Seed it through the admin routes:

  POST   /feed/slots          explicit slot (JSON record)
  POST   /feed/slots/random   random evening slot in the next two weeks
  GET    /feed/slots          list slots
  DELETE /feed/slots/{id}     remove a slot

The extractor reads GET /feed/api/schedule with the X-Access-Key header.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, logger := opts.cfg, opts.logger.With("component", "feed.http")

			db, err := sqliteutil.Open(cfg.Feed.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			st := feed.NewStore(db)
			if err := st.Init(ctx); err != nil {
				return err
			}

			key := cfg.Feed.AccessKey
			if key == "" {
				key = uuid.NewString()
				logger.Warn("no feed.access_key configured, generated one", "access_key", key)
			}
			server := &http.Server{
				Addr:              cfg.Feed.ServeAddr,
				Handler:           feed.NewServer(st, key, logger).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				logger.Info("feed API listening", "addr", server.Addr, "db", cfg.Feed.DBPath)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("feed server error", "error", err)
					stop()
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("graceful shutdown failed", "error", err)
				return err
			}
			logger.Info("feed server stopped")
			return nil
		},
	}
}
