package mediaplayer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alex/dmrctl/internal/adapters"
	"github.com/alex/dmrctl/internal/domain"
)

type stubTransport struct {
	mu       sync.Mutex
	calls    []string
	setURI   string
	setMeta  string
	seekPos  time.Duration
	state    domain.TransportState
	position domain.PositionInfo
}

func (s *stubTransport) record(name string) {
	s.mu.Lock()
	s.calls = append(s.calls, name)
	s.mu.Unlock()
}

func (s *stubTransport) SetURI(ctx context.Context, uri, metadata string) error {
	s.record("SetURI")
	s.setURI = uri
	s.setMeta = metadata
	return nil
}

func (s *stubTransport) SetNextURI(ctx context.Context, uri, metadata string) error {
	s.record("SetNextURI")
	return nil
}

func (s *stubTransport) Play(ctx context.Context) error  { s.record("Play"); return nil }
func (s *stubTransport) Pause(ctx context.Context) error { s.record("Pause"); return nil }
func (s *stubTransport) Stop(ctx context.Context) error  { s.record("Stop"); return nil }

func (s *stubTransport) Seek(ctx context.Context, position time.Duration) error {
	s.record("Seek")
	s.seekPos = position
	return nil
}

func (s *stubTransport) Next(ctx context.Context) error     { s.record("Next"); return nil }
func (s *stubTransport) Previous(ctx context.Context) error { s.record("Previous"); return nil }

func (s *stubTransport) TransportInfo(ctx context.Context) (domain.TransportState, error) {
	if s.state == "" {
		return domain.StateStopped, nil
	}
	return s.state, nil
}

func (s *stubTransport) PositionInfo(ctx context.Context) (domain.PositionInfo, error) {
	return s.position, nil
}

type stubRendering struct {
	mu     sync.Mutex
	volume int
	sent   []int
}

func (s *stubRendering) Volume(ctx context.Context) (int, error) { return s.volume, nil }

func (s *stubRendering) SetVolume(ctx context.Context, level int) error {
	s.mu.Lock()
	s.sent = append(s.sent, level)
	s.mu.Unlock()
	return nil
}

func (s *stubRendering) Mute(ctx context.Context) (bool, error)        { return false, nil }
func (s *stubRendering) SetMute(ctx context.Context, muted bool) error { return nil }

type stubFactory struct {
	transport *stubTransport
	rendering *stubRendering
}

func (s stubFactory) NewTransportClient(desc *domain.DeviceDescriptor) adapters.TransportClient {
	return s.transport
}

func (s stubFactory) NewRenderingClient(desc *domain.DeviceDescriptor) adapters.RenderingClient {
	return s.rendering
}

func newTestPlayer(t *testing.T, transport *stubTransport, rendering *stubRendering, volumeRange domain.VolumeRange) *Player {
	t.Helper()
	desc := &domain.DeviceDescriptor{FriendlyName: "Living Room", Volume: volumeRange}
	player, err := NewPlayer(PlayerConfig{
		Descriptor: desc,
		Factory:    stubFactory{transport: transport, rendering: rendering},
	})
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	return player
}

func TestPlayMediaLoadsURIThenPlays(t *testing.T) {
	transport := &stubTransport{}
	player := newTestPlayer(t, transport, &stubRendering{}, domain.DefaultVolumeRange)

	err := player.PlayMedia(context.Background(), "http://media.local/show.mp4", "Evening Show")
	if err != nil {
		t.Fatalf("play media: %v", err)
	}

	if got := strings.Join(transport.calls, ","); got != "SetURI,Play" {
		t.Errorf("call order = %s", got)
	}
	if transport.setURI != "http://media.local/show.mp4" {
		t.Errorf("uri = %q", transport.setURI)
	}
	if !strings.Contains(transport.setMeta, "<dc:title>Evening Show</dc:title>") {
		t.Errorf("metadata missing title: %s", transport.setMeta)
	}
	if !strings.Contains(transport.setMeta, "object.item.videoItem.movie") {
		t.Errorf("metadata missing class for .mp4: %s", transport.setMeta)
	}
}

func TestPlayMediaRejectsBadURI(t *testing.T) {
	transport := &stubTransport{}
	player := newTestPlayer(t, transport, &stubRendering{}, domain.DefaultVolumeRange)

	for _, uri := range []string{"", "ftp://host/file", "http://", "not a url at all\x00"} {
		err := player.PlayMedia(context.Background(), uri, "")
		var validationErr *ValidationError
		if !errors.As(err, &validationErr) {
			t.Errorf("PlayMedia(%q): expected ValidationError, got %v", uri, err)
		}
	}
	if len(transport.calls) != 0 {
		t.Errorf("device was touched for invalid input: %v", transport.calls)
	}
}

func TestSetVolumeClampsToDeviceRange(t *testing.T) {
	rendering := &stubRendering{}
	player := newTestPlayer(t, &stubTransport{}, rendering, domain.VolumeRange{Min: 0, Max: 30})

	if err := player.SetVolume(context.Background(), 80); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if len(rendering.sent) != 1 || rendering.sent[0] != 30 {
		t.Errorf("sent levels = %v, want [30]", rendering.sent)
	}
}

func TestSetVolumeClampsOutOfRangeInput(t *testing.T) {
	rendering := &stubRendering{}
	player := newTestPlayer(t, &stubTransport{}, rendering, domain.DefaultVolumeRange)

	if err := player.SetVolume(context.Background(), 120); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if got := player.Status().Volume; got != 100 {
		t.Errorf("volume after SetVolume(120) = %d, want 100", got)
	}

	if err := player.SetVolume(context.Background(), -5); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	if got := player.Status().Volume; got != 0 {
		t.Errorf("volume after SetVolume(-5) = %d, want 0", got)
	}

	if want := []int{100, 0}; len(rendering.sent) != 2 || rendering.sent[0] != want[0] || rendering.sent[1] != want[1] {
		t.Errorf("sent levels = %v, want %v", rendering.sent, want)
	}
}

func TestTrackParsesPolledMetadata(t *testing.T) {
	transport := &stubTransport{
		state: domain.StatePlaying,
		position: domain.PositionInfo{
			TrackURI:      "http://media.local/song.mp3",
			TrackMetadata: `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/"><item id="0" parentID="-1" restricted="1"><dc:title>Night Drive</dc:title></item></DIDL-Lite>`,
		},
	}
	player := newTestPlayer(t, transport, &stubRendering{}, domain.DefaultVolumeRange)

	player.Refresh(context.Background())
	if got := player.Track().Title; got != "Night Drive" {
		t.Errorf("title = %q, want Night Drive", got)
	}
}

func TestSeekValidatesAndClamps(t *testing.T) {
	transport := &stubTransport{
		state:    domain.StatePlaying,
		position: domain.PositionInfo{TrackDuration: 100 * time.Second},
	}
	player := newTestPlayer(t, transport, &stubRendering{}, domain.DefaultVolumeRange)

	err := player.Seek(context.Background(), -time.Second)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	player.Refresh(context.Background())
	if err := player.Seek(context.Background(), 500*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if transport.seekPos != 100*time.Second {
		t.Errorf("seek target = %v, want clamped to duration", transport.seekPos)
	}
}
