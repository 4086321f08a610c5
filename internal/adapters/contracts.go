package adapters

import (
	"context"
	"time"

	"github.com/alex/dmrctl/internal/domain"
)

// TransportClient drives the AVTransport service of one renderer.
type TransportClient interface {
	SetURI(ctx context.Context, uri, metadata string) error
	SetNextURI(ctx context.Context, uri, metadata string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	TransportInfo(ctx context.Context) (domain.TransportState, error)
	PositionInfo(ctx context.Context) (domain.PositionInfo, error)
}

// RenderingClient drives the RenderingControl service of one renderer.
type RenderingClient interface {
	Volume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, level int) error
	Mute(ctx context.Context) (bool, error)
	SetMute(ctx context.Context, muted bool) error
}

// ClientFactory builds service clients from a resolved device descriptor.
type ClientFactory interface {
	NewTransportClient(desc *domain.DeviceDescriptor) TransportClient
	NewRenderingClient(desc *domain.DeviceDescriptor) RenderingClient
}
