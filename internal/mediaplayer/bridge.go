package mediaplayer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alex/dmrctl/internal/adapters"
	"github.com/alex/dmrctl/internal/domain"
	"github.com/alex/dmrctl/internal/gena"
)

// DeviceSetup names one renderer and where to find its description document.
type DeviceSetup struct {
	Name           string
	DescriptionURL string
}

// descriptionFetcher lets tests stand in for the real HTTP fetcher.
type descriptionFetcher interface {
	Fetch(ctx context.Context, descriptionURL string) (*domain.DeviceDescriptor, error)
}

// BridgeConfig assembles a Bridge. Factory is required. CallbackHost is the
// externally reachable host:port of the NOTIFY listener; when empty, devices
// are polled without event subscriptions.
type BridgeConfig struct {
	Fetcher      descriptionFetcher
	Factory      adapters.ClientFactory
	Subscriber   *gena.Subscriber
	NotifyServer *gena.Server
	CallbackHost string
	PollEvery    time.Duration
	Sink         StatusSink
	Logger       *slog.Logger
}

// Bridge manages a set of renderers as named players. Devices whose setup
// fails stay registered as unavailable and are never polled.
type Bridge struct {
	fetcher      descriptionFetcher
	factory      adapters.ClientFactory
	subscriber   *gena.Subscriber
	notify       *gena.Server
	callbackHost string
	pollEvery    time.Duration
	sink         StatusSink
	logger       *slog.Logger

	mu          sync.Mutex
	players     map[string]*Player
	unavailable map[string]error
	leases      []*lease

	renewCancel context.CancelFunc
	renewDone   chan struct{}
	closeOnce   sync.Once
	closeErr    error
}

type lease struct {
	sub          *gena.Subscription
	callbackPath string
}

func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
	}
	return &Bridge{
		fetcher:      cfg.Fetcher,
		factory:      cfg.Factory,
		subscriber:   cfg.Subscriber,
		notify:       cfg.NotifyServer,
		callbackHost: cfg.CallbackHost,
		pollEvery:    cfg.PollEvery,
		sink:         cfg.Sink,
		logger:       logger,
		players:      make(map[string]*Player),
		unavailable:  make(map[string]error),
	}
}

// Setup resolves each configured device and starts its monitor. Devices are
// prepared concurrently; a failure marks that device unavailable without
// affecting the others.
func (b *Bridge) Setup(ctx context.Context, devices []DeviceSetup) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, device := range devices {
		device := device
		group.Go(func() error {
			b.setupDevice(groupCtx, device)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	renewCtx, cancel := context.WithCancel(ctx)
	b.renewCancel = cancel
	b.renewDone = make(chan struct{})
	go b.runRenewals(renewCtx)
	return nil
}

func (b *Bridge) setupDevice(ctx context.Context, device DeviceSetup) {
	desc, err := b.fetcher.Fetch(ctx, device.DescriptionURL)
	if err != nil {
		b.logger.Warn("device_setup_failed",
			slog.String("device", device.Name),
			slog.String("url", device.DescriptionURL),
			slog.String("error", err.Error()),
		)
		b.mu.Lock()
		b.unavailable[device.Name] = err
		b.mu.Unlock()
		return
	}
	if device.Name != "" {
		desc.FriendlyName = device.Name
	}

	events := b.subscribeDevice(ctx, device.Name, desc)

	player, err := NewPlayer(PlayerConfig{
		Descriptor: desc,
		Factory:    b.factory,
		Events:     events,
		PollEvery:  b.pollEvery,
		Sink:       b.sink,
		Logger:     b.logger,
	})
	if err != nil {
		b.mu.Lock()
		b.unavailable[device.Name] = err
		b.mu.Unlock()
		return
	}
	player.Start(ctx)

	b.mu.Lock()
	b.players[device.Name] = player
	delete(b.unavailable, device.Name)
	b.mu.Unlock()

	b.logger.Info("device_ready",
		slog.String("device", device.Name),
		slog.String("friendly_name", desc.FriendlyName),
		slog.String("udn", desc.UDN),
	)
}

// subscribeDevice opens event leases on both renderer services when a
// callback listener exists. Subscription failures are logged and ignored;
// polling alone keeps the state fresh.
func (b *Bridge) subscribeDevice(ctx context.Context, name string, desc *domain.DeviceDescriptor) <-chan gena.Update {
	if b.callbackHost == "" || b.subscriber == nil || b.notify == nil {
		return nil
	}

	eventURL := desc.AVTransport.EventURL
	if eventURL == "" {
		return nil
	}

	callbackPath, events := b.notify.Register()
	callbackURL := "http://" + b.callbackHost + callbackPath

	sub, err := b.subscriber.Subscribe(ctx, eventURL, callbackURL, 0)
	if err != nil {
		b.logger.Warn("event_subscribe_failed",
			slog.String("device", name),
			slog.String("error", err.Error()),
		)
		b.notify.Unregister(callbackPath)
		return nil
	}

	b.mu.Lock()
	b.leases = append(b.leases, &lease{sub: sub, callbackPath: callbackPath})
	b.mu.Unlock()
	return events
}

// runRenewals keeps event leases alive, renewing each at half its granted
// lifetime.
func (b *Bridge) runRenewals(ctx context.Context) {
	defer close(b.renewDone)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	deadlines := make(map[*lease]time.Time)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.renewDue(ctx, now, deadlines)
		}
	}
}

// renewDue renews every lease whose half-lifetime has passed and drops
// deadline entries for leases that are gone.
func (b *Bridge) renewDue(ctx context.Context, now time.Time, deadlines map[*lease]time.Time) {
	b.mu.Lock()
	leases := append([]*lease(nil), b.leases...)
	b.mu.Unlock()

	current := make(map[*lease]bool, len(leases))
	for _, l := range leases {
		current[l] = true
	}
	for l := range deadlines {
		if !current[l] {
			delete(deadlines, l)
		}
	}

	for _, l := range leases {
		deadline, known := deadlines[l]
		if !known {
			deadline = now.Add(time.Duration(l.sub.LeaseSeconds) * time.Second / 2)
			deadlines[l] = deadline
		}
		if now.Before(deadline) {
			continue
		}
		if err := b.subscriber.Renew(ctx, l.sub); err != nil {
			b.logger.Warn("event_renew_failed",
				slog.String("sid", l.sub.SID),
				slog.String("error", err.Error()),
			)
		}
		deadlines[l] = now.Add(time.Duration(l.sub.LeaseSeconds) * time.Second / 2)
	}
}

// Player looks up a configured device by name.
func (b *Bridge) Player(name string) (*Player, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if player, ok := b.players[name]; ok {
		return player, nil
	}
	if err, ok := b.unavailable[name]; ok {
		return nil, fmt.Errorf("device %s unavailable: %w", name, err)
	}
	return nil, fmt.Errorf("unknown device %s", name)
}

// Players returns all available players, sorted by name.
func (b *Bridge) Players() []*Player {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.players))
	for name := range b.players {
		names = append(names, name)
	}
	sort.Strings(names)

	players := make([]*Player, 0, len(names))
	for _, name := range names {
		players = append(players, b.players[name])
	}
	return players
}

// Unavailable reports devices whose setup failed, keyed by name.
func (b *Bridge) Unavailable() map[string]error {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]error, len(b.unavailable))
	for name, err := range b.unavailable {
		out[name] = err
	}
	return out
}

// Close releases event leases and stops all monitors. The context bounds
// how long the unsubscribe round may take.
func (b *Bridge) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		if b.renewCancel != nil {
			b.renewCancel()
			<-b.renewDone
		}

		b.mu.Lock()
		leases := b.leases
		b.leases = nil
		players := make([]*Player, 0, len(b.players))
		for _, player := range b.players {
			players = append(players, player)
		}
		b.mu.Unlock()

		for _, l := range leases {
			if err := b.subscriber.Unsubscribe(ctx, l.sub); err != nil {
				b.logger.Debug("event_unsubscribe_failed",
					slog.String("sid", l.sub.SID),
					slog.String("error", err.Error()),
				)
			}
			b.notify.Unregister(l.callbackPath)
		}
		for _, player := range players {
			if err := player.Close(); err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
	})
	return b.closeErr
}
