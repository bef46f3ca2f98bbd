package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BioHazard786/murmur/internal/config"
	"github.com/BioHazard786/murmur/internal/mesh"
	"github.com/BioHazard786/murmur/internal/signaling"
	"github.com/BioHazard786/murmur/internal/ui"
	"github.com/BioHazard786/murmur/internal/webrtc"
	"github.com/rs/zerolog"
)

// clientName is advertised to peers over the status channel.
const clientName = "murmur-cli"

// RoomContext holds everything a room session needs before it joins.
type RoomContext struct {
	Config  *config.Config
	Client  *signaling.Client
	Factory *webrtc.Factory
	Media   *mesh.LocalMedia
	Log     zerolog.Logger
}

func NewRoomContext(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*RoomContext, error) {
	factory, err := webrtc.NewFactory(webrtc.Options{
		STUNServers: cfg.STUNServers,
		Client:      clientName,
		Logger:      log,
	})
	if err != nil {
		return nil, mesh.NewError("set up webrtc", err)
	}

	client := signaling.NewClient(cfg.ServerURL, log)
	if err := client.Connect(ctx); err != nil {
		return nil, mesh.NewError("connect to relay", fmt.Errorf("%w: %w", mesh.ErrTransport, err))
	}

	return &RoomContext{
		Config:  cfg,
		Client:  client,
		Factory: factory,
		Media:   mesh.NewLocalMedia(newDevice(cfg, log)),
		Log:     log,
	}, nil
}

func newDevice(cfg *config.Config, log zerolog.Logger) mesh.Device {
	switch cfg.Device {
	case config.DeviceSilence:
		return webrtc.SilenceDevice{Logger: log}
	case config.DeviceNone:
		return webrtc.NoDevice{}
	default:
		return webrtc.ToneDevice{Frequency: cfg.ToneHz, Logger: log}
	}
}

func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, mesh.NewError("load config", err)
	}
	return cfg, nil
}

// RunRoom joins roomID, shows the room UI until the user leaves or the
// session ends, and prints a summary of everyone who was there.
func RunRoom(ctx context.Context, rc *RoomContext, roomID string) error {
	var session *mesh.Session
	link := rc.Config.RoomLink(roomID)
	roomUI := ui.NewRoomUI(roomID, link, ui.Controls{
		ToggleMute: func() bool { return session.ToggleMute() },
		Reacquire:  func() error { return session.Reacquire(ctx) },
	})

	session, err := mesh.New(mesh.Config{
		Channel:  rc.Client,
		Factory:  rc.Factory,
		Media:    rc.Media,
		Observer: roomUI,
		Logger:   &rc.Log,
	})
	if err != nil {
		rc.Client.Disconnect()
		return mesh.NewError("create session", err)
	}

	stopSpinner := ui.RunWaitingSpinner("Starting audio...")
	err = session.Join(ctx, roomID)
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Println(ui.RoomInfoView(roomID, link))
	started := time.Now()

	stopLeave := context.AfterFunc(ctx, func() { session.Leave() })
	defer stopLeave()

	uiErr := roomUI.Run()
	leaveErr := session.Leave()

	fmt.Println()
	for _, f := range roomUI.Failures() {
		ui.PrintWarning(f)
	}
	ui.PrintSuccess("Left room " + roomID)
	ui.RenderSessionSummary(roomID, session.History(), time.Since(started))

	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	if leaveErr != nil {
		return leaveErr
	}
	return uiErr
}
