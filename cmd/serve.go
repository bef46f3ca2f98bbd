package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/BioHazard786/murmur/internal/config"
	"github.com/BioHazard786/murmur/internal/relay"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var (
	flagListen         string
	flagAllowedOrigins string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the relay that forwards signaling messages between room members.

Examples:
  murmur serve
  murmur serve --listen :9000 --allowed-origins https://murmur.example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{
			Listen:         flagListen,
			AllowedOrigins: flagAllowedOrigins,
		})
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.With().Str("component", "relay").Logger()

	hub := relay.NewHub(log)
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           relay.NewRouter(hub, relay.Options{AllowedOrigins: cfg.AllowedOrigins}, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		hub.Stop()
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Relay forced to shutdown")
	}
	hub.Stop()
	log.Info().Msg("Relay exited")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "Listen address (default LISTEN_ADDR or "+config.DefaultListen+")")
	serveCmd.Flags().StringVar(&flagAllowedOrigins, "allowed-origins", "", "Comma separated origins allowed to open websockets")
}
