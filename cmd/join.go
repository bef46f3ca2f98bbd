package cmd

import (
	"fmt"

	"github.com/BioHazard786/murmur/internal/config"
	"github.com/BioHazard786/murmur/internal/ui"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	flagServer string
	flagSTUN   string
	flagDevice string
	flagToneHz float64
)

var joinCmd = &cobra.Command{
	Use:     "join [room-id|url]",
	Aliases: []string{"j"},
	Short:   "Join a voice room",
	Long: `Join a voice room and talk to everyone in it. Without an argument a new
room is created and its link is printed so others can join.

Examples:
  murmur join
  murmur join 2f1c9a4e-7d3b-4c55-9a1e-0b6f3c2d8e71
  murmur join https://murmur.example.com/voice-chat/2f1c9a4e
  murmur join team-standup --device silence`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			roomID := uuid.NewString()
			ui.PrintInfof("Starting a new room %s", ui.ShortID(roomID))
			return joinRoom(cmd, roomID)
		}
		roomID, err := config.ParseRoom(args[0])
		if err != nil {
			return err
		}
		return joinRoom(cmd, roomID)
	},
}

func joinRoom(cmd *cobra.Command, roomID string) error {
	cfg, err := LoadConfig(config.Options{
		Server:      flagServer,
		STUNServers: flagSTUN,
		Device:      flagDevice,
		ToneHz:      flagToneHz,
	})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	fmt.Println()
	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	rc, err := NewRoomContext(ctx, cfg, logger.With().Str("room", roomID).Logger())
	stopSpinner()
	if err != nil {
		return err
	}

	return RunRoom(ctx, rc, roomID)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	joinCmd.Flags().StringVarP(&flagServer, "server", "s", "", "Relay websocket URL (default MURMUR_SERVER or "+config.DefaultServer+")")
	joinCmd.Flags().StringVar(&flagSTUN, "stun", "", "Comma separated STUN servers")
	joinCmd.Flags().StringVarP(&flagDevice, "device", "d", "", "Audio source: tone, silence or none")
	joinCmd.Flags().Float64Var(&flagToneHz, "tone-hz", 0, "Tone frequency in Hz for the tone device")
}
