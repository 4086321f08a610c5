package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/alex/dmrctl/internal/adapters/upnpsoap"
	"github.com/alex/dmrctl/internal/buildinfo"
	"github.com/alex/dmrctl/internal/config"
	"github.com/alex/dmrctl/internal/description"
	"github.com/alex/dmrctl/internal/diagnostics"
	"github.com/alex/dmrctl/internal/didl"
	"github.com/alex/dmrctl/internal/domain"
	"github.com/alex/dmrctl/internal/gena"
	"github.com/alex/dmrctl/internal/lifecycle"
	"github.com/alex/dmrctl/internal/mediaplayer"
	"github.com/alex/dmrctl/internal/soapclient"
)

const shutdownGrace = 5 * time.Second

func main() {
	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	cmd := &cli.Command{
		Name:    "dmrctl",
		Usage:   "control and observe DLNA media renderers",
		Version: buildinfo.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the JSON config file",
				Sources: cli.EnvVars("DMRCTL_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "device",
				Aliases: []string{"d"},
				Usage:   "name of the configured device to address",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "poll the device once and print its state",
				Action: runStatus,
			},
			{
				Name:      "play",
				Usage:     "load a media URI and start playback",
				ArgsUsage: "<uri>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Usage: "title for the renderer's display"},
				},
				Action: runPlay,
			},
			{
				Name:   "resume",
				Usage:  "resume paused playback",
				Action: deviceAction(func(ctx context.Context, p *mediaplayer.Player) error { return p.Resume(ctx) }),
			},
			{
				Name:   "pause",
				Usage:  "pause playback",
				Action: deviceAction(func(ctx context.Context, p *mediaplayer.Player) error { return p.Pause(ctx) }),
			},
			{
				Name:   "stop",
				Usage:  "stop playback",
				Action: deviceAction(func(ctx context.Context, p *mediaplayer.Player) error { return p.Stop(ctx) }),
			},
			{
				Name:   "next",
				Usage:  "skip to the next track",
				Action: deviceAction(func(ctx context.Context, p *mediaplayer.Player) error { return p.Next(ctx) }),
			},
			{
				Name:   "previous",
				Usage:  "return to the previous track",
				Action: deviceAction(func(ctx context.Context, p *mediaplayer.Player) error { return p.Previous(ctx) }),
			},
			{
				Name:      "seek",
				Usage:     "seek to a position (H:MM:SS or Go duration)",
				ArgsUsage: "<position>",
				Action:    runSeek,
			},
			{
				Name:      "volume",
				Usage:     "set the volume level (0-100)",
				ArgsUsage: "<level>",
				Action:    runVolume,
			},
			{
				Name:      "mute",
				Usage:     "mute or unmute",
				ArgsUsage: "<on|off>",
				Action:    runMute,
			},
			{
				Name:   "watch",
				Usage:  "follow all configured devices and print state changes",
				Action: runWatch,
			},
			{
				Name:   "self-test",
				Usage:  "check connectivity to every configured device",
				Action: runSelfTest,
			},
		},
	}

	if err := cmd.Run(runCtx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	return cfg, logger, nil
}

// openDevice prepares a bridge holding just the addressed device, without
// event subscriptions. One-shot commands do not need a callback listener.
func openDevice(ctx context.Context, cmd *cli.Command) (*mediaplayer.Player, func(), error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}

	target := cmd.String("device")
	if target == "" {
		target = cfg.Devices[0].Name
	}
	var setup *mediaplayer.DeviceSetup
	for _, device := range cfg.Devices {
		if device.Name == target {
			setup = &mediaplayer.DeviceSetup{Name: device.Name, DescriptionURL: device.DescriptionURL}
			break
		}
	}
	if setup == nil {
		return nil, nil, fmt.Errorf("device %q is not configured", target)
	}

	bridge, _ := newBridge(cfg, logger, "", nil)
	if err := bridge.Setup(ctx, []mediaplayer.DeviceSetup{*setup}); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = bridge.Close(closeCtx)
	}

	player, err := bridge.Player(target)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return player, cleanup, nil
}

func newBridge(cfg *config.Config, logger *slog.Logger, callbackHost string, sink mediaplayer.StatusSink) (*mediaplayer.Bridge, *gena.Server) {
	soap := soapclient.NewClient(logger)
	bridgeCfg := mediaplayer.BridgeConfig{
		Fetcher:   description.NewFetcher(logger),
		Factory:   upnpsoap.NewFactory(soap),
		PollEvery: cfg.PollEvery(),
		Sink:      sink,
		Logger:    logger,
	}
	var notify *gena.Server
	if callbackHost != "" {
		notify = gena.NewServer("/notify", logger)
		bridgeCfg.Subscriber = gena.NewSubscriber(logger)
		bridgeCfg.NotifyServer = notify
		bridgeCfg.CallbackHost = callbackHost
	}
	return mediaplayer.NewBridge(bridgeCfg), notify
}

func deviceAction(action func(context.Context, *mediaplayer.Player) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		player, cleanup, err := openDevice(ctx, cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return action(ctx, player)
	}
}

type statusOutput struct {
	Device   string `json:"device"`
	State    string `json:"state"`
	Volume   int    `json:"volume"`
	Muted    bool   `json:"muted"`
	Track    string `json:"track,omitempty"`
	Title    string `json:"title,omitempty"`
	Artist   string `json:"artist,omitempty"`
	Position string `json:"position,omitempty"`
	Duration string `json:"duration,omitempty"`
}

func snapshotOutput(device string, snap domain.Snapshot) statusOutput {
	out := statusOutput{
		Device: device,
		State:  string(snap.State),
		Volume: snap.Volume,
		Muted:  snap.Muted,
		Track:  snap.Position.TrackURI,
	}
	if track, err := didl.ParseTrack(snap.Position.TrackMetadata); err == nil && track.Title != "" {
		out.Title = track.Title
		out.Artist = track.Artist
	}
	if snap.Position.TrackDuration > 0 {
		out.Position = domain.FormatDuration(snap.Position.RelTime)
		out.Duration = domain.FormatDuration(snap.Position.TrackDuration)
	}
	return out
}

// watchSink streams one JSON line per observed change.
type watchSink struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func (s *watchSink) StatusUpdated(device string, snap domain.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.encoder.Encode(snapshotOutput(device, snap))
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func runStatus(ctx context.Context, cmd *cli.Command) error {
	player, cleanup, err := openDevice(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	snap := player.Refresh(ctx)
	if snap.State == domain.StateUnknown {
		return fmt.Errorf("device %s did not answer", player.Name())
	}
	return printJSON(snapshotOutput(player.Name(), snap))
}

func runPlay(ctx context.Context, cmd *cli.Command) error {
	uri := cmd.Args().First()
	if uri == "" {
		return errors.New("play needs a media URI")
	}

	player, cleanup, err := openDevice(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	return player.PlayMedia(ctx, uri, cmd.String("title"))
}

func runSeek(ctx context.Context, cmd *cli.Command) error {
	raw := cmd.Args().First()
	if raw == "" {
		return errors.New("seek needs a position")
	}
	position, err := parsePosition(raw)
	if err != nil {
		return err
	}

	player, cleanup, err := openDevice(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	return player.Seek(ctx, position)
}

func parsePosition(raw string) (time.Duration, error) {
	if strings.Contains(raw, ":") {
		return domain.ParseDuration(raw)
	}
	return time.ParseDuration(raw)
}

func runVolume(ctx context.Context, cmd *cli.Command) error {
	raw := cmd.Args().First()
	if raw == "" {
		return errors.New("volume needs a level")
	}
	level, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid level %q", raw)
	}

	player, cleanup, err := openDevice(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	return player.SetVolume(ctx, level)
}

func runMute(ctx context.Context, cmd *cli.Command) error {
	var muted bool
	switch cmd.Args().First() {
	case "on":
		muted = true
	case "off":
		muted = false
	default:
		return errors.New("mute needs on or off")
	}

	player, cleanup, err := openDevice(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	return player.SetMute(ctx, muted)
}

// runWatch follows every configured device: background polls, event
// subscriptions when a listener is configured, and a line of JSON on each
// observed change.
func runWatch(ctx context.Context, cmd *cli.Command) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	callbackHost := ""
	if cfg.ListenAddress != "" {
		callbackHost = cfg.EffectiveCallbackHost()
	}
	sink := &watchSink{encoder: json.NewEncoder(os.Stdout)}
	bridge, notify := newBridge(cfg, logger, callbackHost, sink)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = bridge.Close(closeCtx)
	}()

	group, groupCtx := errgroup.WithContext(ctx)

	if notify != nil {
		notifySrv := &http.Server{
			Addr:    cfg.ListenAddress,
			Handler: notify,
		}
		group.Go(func() error {
			serveErr := notifySrv.ListenAndServe()
			if errors.Is(serveErr, http.ErrServerClosed) {
				return nil
			}
			return serveErr
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = notifySrv.Shutdown(shutdownCtx)
			return groupCtx.Err()
		})
	}

	setups := make([]mediaplayer.DeviceSetup, 0, len(cfg.Devices))
	for _, device := range cfg.Devices {
		setups = append(setups, mediaplayer.DeviceSetup{Name: device.Name, DescriptionURL: device.DescriptionURL})
	}
	if err := bridge.Setup(groupCtx, setups); err != nil {
		return err
	}

	logger.Info("watch_started",
		slog.Int("devices", len(bridge.Players())),
		slog.Int("unavailable", len(bridge.Unavailable())),
	)

	group.Go(func() error {
		<-groupCtx.Done()
		return groupCtx.Err()
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSelfTest(ctx context.Context, cmd *cli.Command) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	report := diagnostics.ProbeDevices(ctx, cfg.Devices)
	out := struct {
		Name    string                         `json:"name"`
		Version string                         `json:"version"`
		Devices diagnostics.ConnectivityReport `json:"connectivity"`
	}{
		Name:    "dmrctl",
		Version: buildinfo.Version,
		Devices: report,
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if !report.AllReachable {
		return errors.New("some devices are unreachable")
	}
	return nil
}
