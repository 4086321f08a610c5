// Package mediaplayer exposes renderer control as media-player commands:
// validated inputs, metadata generation, and volume handling on top of the
// raw transport.
package mediaplayer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/alex/dmrctl/internal/adapters"
	"github.com/alex/dmrctl/internal/didl"
	"github.com/alex/dmrctl/internal/domain"
	"github.com/alex/dmrctl/internal/gena"
	"github.com/alex/dmrctl/internal/renderer"
)

// ValidationError rejects a command before anything reaches the device.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StatusSink receives observed state changes for a named device.
type StatusSink interface {
	StatusUpdated(device string, snap domain.Snapshot)
}

// Player drives one renderer with media-player semantics.
type Player struct {
	renderer *renderer.Renderer
	desc     *domain.DeviceDescriptor
	logger   *slog.Logger
}

// PlayerConfig assembles a Player. Descriptor and Factory are required.
type PlayerConfig struct {
	Descriptor *domain.DeviceDescriptor
	Factory    adapters.ClientFactory
	Events     <-chan gena.Update
	PollEvery  time.Duration
	Sink       StatusSink
	Logger     *slog.Logger
}

func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.Descriptor == nil {
		return nil, errors.New("mediaplayer: descriptor is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
	}

	var onChange func(domain.Snapshot)
	if cfg.Sink != nil {
		sink := cfg.Sink
		device := cfg.Descriptor.FriendlyName
		onChange = func(snap domain.Snapshot) {
			sink.StatusUpdated(device, snap)
		}
	}

	r, err := renderer.New(renderer.Config{
		Descriptor: cfg.Descriptor,
		Factory:    cfg.Factory,
		Events:     cfg.Events,
		PollEvery:  cfg.PollEvery,
		OnChange:   onChange,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	return &Player{renderer: r, desc: cfg.Descriptor, logger: logger}, nil
}

func (p *Player) Name() string { return p.desc.FriendlyName }

func (p *Player) Descriptor() *domain.DeviceDescriptor { return p.desc }

// Start begins background state polling.
func (p *Player) Start(ctx context.Context) { p.renderer.Start(ctx) }

func (p *Player) Close() error { return p.renderer.Close() }

// Status returns the last observed state.
func (p *Player) Status() domain.Snapshot { return p.renderer.Snapshot() }

// Refresh polls the device immediately and returns the result.
func (p *Player) Refresh(ctx context.Context) domain.Snapshot {
	return p.renderer.Poll(ctx)
}

// PlayMedia loads uri on the renderer and starts playback. Title may be
// empty; the generated metadata falls back to the URI itself.
func (p *Player) PlayMedia(ctx context.Context, uri, title string) error {
	if err := validateMediaURI(uri); err != nil {
		return err
	}

	metadata, err := didl.Build(didl.Item{
		Title:        title,
		Class:        classForURI(uri),
		URI:          uri,
		ProtocolInfo: protocolInfoForURI(uri),
	})
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}

	if err := p.renderer.SetURI(ctx, uri, metadata); err != nil {
		return err
	}
	return p.renderer.Play(ctx)
}

// QueueNext hands the renderer the following URI for gapless transition.
func (p *Player) QueueNext(ctx context.Context, uri, title string) error {
	if err := validateMediaURI(uri); err != nil {
		return err
	}
	metadata, err := didl.Build(didl.Item{
		Title:        title,
		Class:        classForURI(uri),
		URI:          uri,
		ProtocolInfo: protocolInfoForURI(uri),
	})
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}
	return p.renderer.SetNextURI(ctx, uri, metadata)
}

func (p *Player) Resume(ctx context.Context) error { return p.renderer.Play(ctx) }
func (p *Player) Pause(ctx context.Context) error  { return p.renderer.Pause(ctx) }
func (p *Player) Stop(ctx context.Context) error   { return p.renderer.Stop(ctx) }
func (p *Player) Next(ctx context.Context) error   { return p.renderer.Next(ctx) }
func (p *Player) Previous(ctx context.Context) error {
	return p.renderer.Previous(ctx)
}

// Seek moves to an absolute position in the current track. Positions past a
// known duration are pulled back to the end.
func (p *Player) Seek(ctx context.Context, position time.Duration) error {
	if position < 0 {
		return &ValidationError{Field: "position", Reason: "must not be negative"}
	}
	if duration := p.renderer.Snapshot().Position.TrackDuration; duration > 0 && position > duration {
		position = duration
	}
	return p.renderer.Seek(ctx, position)
}

// SetVolume takes a 0..100 level, clamping anything outside, and maps it
// onto the device's own range. A later Status reports the clamped value.
func (p *Player) SetVolume(ctx context.Context, level int) error {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	return p.renderer.SetVolume(ctx, p.desc.Volume.Clamp(level))
}

func (p *Player) SetMute(ctx context.Context, muted bool) error {
	return p.renderer.SetMute(ctx, muted)
}

// Track decodes the current track metadata from the last snapshot.
func (p *Player) Track() didl.Track {
	track, err := didl.ParseTrack(p.renderer.Snapshot().Position.TrackMetadata)
	if err != nil {
		p.logger.Debug("track_metadata_unparseable", slog.String("error", err.Error()))
		return didl.Track{}
	}
	return track
}

func validateMediaURI(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return &ValidationError{Field: "uri", Reason: err.Error()}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &ValidationError{Field: "uri", Reason: "scheme must be http or https"}
	}
	if parsed.Host == "" {
		return &ValidationError{Field: "uri", Reason: "missing host"}
	}
	return nil
}

func extForURI(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return path.Ext(uri)
	}
	return path.Ext(parsed.Path)
}

func classForURI(uri string) string {
	mediaType := mime.TypeByExtension(extForURI(uri))
	switch {
	case strings.HasPrefix(mediaType, "audio/"):
		return didl.ClassAudio
	case strings.HasPrefix(mediaType, "video/"):
		return didl.ClassVideo
	case strings.HasPrefix(mediaType, "image/"):
		return didl.ClassImage
	default:
		return didl.ClassItem
	}
}

func protocolInfoForURI(uri string) string {
	mediaType := mime.TypeByExtension(extForURI(uri))
	if mediaType == "" {
		return ""
	}
	// Strip parameters like charset; renderers match on the bare type.
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	return "http-get:*:" + mediaType + ":*"
}
