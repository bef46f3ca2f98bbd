package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/BioHazard786/murmur/internal/logging"
	"github.com/BioHazard786/murmur/internal/ui"
	"github.com/BioHazard786/murmur/internal/version"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	flagLogLevel string

	logger zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "Peer-to-peer voice rooms over WebRTC",
	Long: `Murmur is a command-line voice chat client. Everyone in a room connects
directly to everyone else over WebRTC; the relay server only forwards
signaling messages and never sees any audio.`,
	Version: version.Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logging.Init(flagLogLevel)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (default LOG_LEVEL or error)")
}
