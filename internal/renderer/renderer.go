package renderer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alex/dmrctl/internal/adapters"
	"github.com/alex/dmrctl/internal/domain"
	"github.com/alex/dmrctl/internal/gena"
	"github.com/alex/dmrctl/internal/soapclient"
)

const (
	defaultPollInterval = 10 * time.Second
	monitorStopWait     = 500 * time.Millisecond

	defaultRetryAttempts    = 3
	defaultRetryBaseBackoff = 120 * time.Millisecond
	defaultRetryMaxBackoff  = 800 * time.Millisecond
)

// Config assembles a Renderer. Descriptor and Factory are required;
// everything else has working defaults.
type Config struct {
	Descriptor *domain.DeviceDescriptor
	Factory    adapters.ClientFactory

	PollEvery        time.Duration
	RetryAttempts    int
	RetryBaseBackoff time.Duration
	RetryMaxBackoff  time.Duration

	// Events optionally feeds renderer-initiated notifications into the
	// published snapshot.
	Events <-chan gena.Update

	// OnChange, when set, is called after an observation (poll or event)
	// changes the published state, volume or mute.
	OnChange func(domain.Snapshot)

	Logger *slog.Logger
	Now    func() time.Time
}

// Renderer owns the control and observation of one device. Commands are
// serialized: a renderer sees at most one in-flight SOAP action at a time.
type Renderer struct {
	desc      *domain.DeviceDescriptor
	transport adapters.TransportClient
	rendering adapters.RenderingClient
	logger    *slog.Logger

	pollEvery        time.Duration
	retryAttempts    int
	retryBaseBackoff time.Duration
	retryMaxBackoff  time.Duration
	now              func() time.Time

	events   <-chan gena.Update
	onChange func(domain.Snapshot)
	state    *StateMachine

	actionMu sync.Mutex

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	closeOnce     sync.Once
}

func New(cfg Config) (*Renderer, error) {
	if cfg.Descriptor == nil {
		return nil, errors.New("renderer: descriptor is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("renderer: client factory is required")
	}

	r := &Renderer{
		desc:             cfg.Descriptor,
		transport:        cfg.Factory.NewTransportClient(cfg.Descriptor),
		rendering:        cfg.Factory.NewRenderingClient(cfg.Descriptor),
		logger:           cfg.Logger,
		pollEvery:        cfg.PollEvery,
		retryAttempts:    cfg.RetryAttempts,
		retryBaseBackoff: cfg.RetryBaseBackoff,
		retryMaxBackoff:  cfg.RetryMaxBackoff,
		now:              cfg.Now,
		events:           cfg.Events,
		onChange:         cfg.OnChange,
		state:            NewStateMachine(),
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
	}
	if r.pollEvery <= 0 {
		r.pollEvery = defaultPollInterval
	}
	if r.retryAttempts <= 0 {
		r.retryAttempts = defaultRetryAttempts
	}
	if r.retryBaseBackoff <= 0 {
		r.retryBaseBackoff = defaultRetryBaseBackoff
	}
	if r.retryMaxBackoff < r.retryBaseBackoff {
		r.retryMaxBackoff = defaultRetryMaxBackoff
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Descriptor returns the device this renderer controls.
func (r *Renderer) Descriptor() *domain.DeviceDescriptor { return r.desc }

// Snapshot returns the current published state.
func (r *Renderer) Snapshot() domain.Snapshot { return r.state.Snapshot() }

// Start launches the monitor goroutine: an immediate poll, then one per
// interval, with event notifications folded in between.
func (r *Renderer) Start(ctx context.Context) {
	monitorCtx, cancel := context.WithCancel(ctx)
	r.monitorCancel = cancel
	r.monitorDone = make(chan struct{})
	go r.runMonitor(monitorCtx)
}

// Close stops the monitor and waits briefly for it to drain.
func (r *Renderer) Close() error {
	r.closeOnce.Do(func() {
		if r.monitorCancel != nil {
			r.monitorCancel()
		}
		if r.monitorDone != nil {
			select {
			case <-r.monitorDone:
			case <-time.After(monitorStopWait):
			}
		}
	})
	return nil
}

func (r *Renderer) runMonitor(ctx context.Context) {
	defer close(r.monitorDone)

	r.poll(ctx)

	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	events := r.events
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			r.applyEvent(update)
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Renderer) applyEvent(update gena.Update) {
	previous := r.state.Snapshot()

	state := domain.TransportState("")
	if update.TransportState != "" {
		state = domain.ParseTransportState(update.TransportState)
	}
	r.state.ApplyEvent(state, update.Volume, update.Muted, r.now())
	r.logger.Debug("event_applied",
		slog.String("device", r.desc.FriendlyName),
		slog.String("state", string(state)),
	)
	r.notifyChanged(previous)
}

// notifyChanged invokes the change hook when an observation moved the
// published state, volume or mute.
func (r *Renderer) notifyChanged(previous domain.Snapshot) {
	if r.onChange == nil {
		return
	}
	current := r.state.Snapshot()
	if current.State == previous.State && current.Volume == previous.Volume && current.Muted == previous.Muted {
		return
	}
	r.onChange(current)
}

// poll asks the device for its transport state and, when media is loaded,
// its position and volume. Transport info is the health signal: its failure
// counts toward the unknown threshold, the rest is best effort.
func (r *Renderer) poll(ctx context.Context) {
	r.actionMu.Lock()
	defer r.actionMu.Unlock()

	observedAt := r.now()
	previous := r.state.Snapshot()

	state, err := r.transport.TransportInfo(ctx)
	if err != nil {
		streak := r.state.ApplyPollFailure(observedAt)
		r.logger.Debug("poll_failed",
			slog.String("device", r.desc.FriendlyName),
			slog.Int("streak", streak),
			slog.String("error", err.Error()),
		)
		r.notifyChanged(previous)
		return
	}

	snap := domain.Snapshot{
		State:      state,
		Volume:     previous.Volume,
		Muted:      previous.Muted,
		ObservedAt: observedAt,
	}

	if state == domain.StatePlaying || state == domain.StatePaused || state == domain.StateTransitioning {
		if position, posErr := r.transport.PositionInfo(ctx); posErr == nil {
			snap.Position = position
		}
	}
	if volume, volErr := r.rendering.Volume(ctx); volErr == nil {
		snap.Volume = volume
	}
	if muted, muteErr := r.rendering.Mute(ctx); muteErr == nil {
		snap.Muted = muted
	}

	r.state.ApplyPoll(snap)
	r.notifyChanged(previous)
}

// Poll runs one poll cycle immediately, outside the monitor schedule.
func (r *Renderer) Poll(ctx context.Context) domain.Snapshot {
	r.poll(ctx)
	return r.state.Snapshot()
}

// SetURI loads a media URI on the renderer without starting playback.
func (r *Renderer) SetURI(ctx context.Context, uri, metadata string) error {
	return r.command(ctx, "set_uri", domain.StateTransitioning, func() error {
		return r.transport.SetURI(ctx, uri, metadata)
	})
}

// SetNextURI queues the following media URI for gapless handoff.
func (r *Renderer) SetNextURI(ctx context.Context, uri, metadata string) error {
	return r.command(ctx, "set_next_uri", "", func() error {
		return r.transport.SetNextURI(ctx, uri, metadata)
	})
}

// Transport commands publish TRANSITIONING until the next poll reports
// where the device actually landed.

func (r *Renderer) Play(ctx context.Context) error {
	return r.command(ctx, "play", domain.StateTransitioning, func() error {
		return r.transport.Play(ctx)
	})
}

func (r *Renderer) Pause(ctx context.Context) error {
	return r.command(ctx, "pause", domain.StateTransitioning, func() error {
		return r.transport.Pause(ctx)
	})
}

func (r *Renderer) Stop(ctx context.Context) error {
	return r.command(ctx, "stop", domain.StateTransitioning, func() error {
		return r.transport.Stop(ctx)
	})
}

func (r *Renderer) Seek(ctx context.Context, position time.Duration) error {
	return r.command(ctx, "seek", "", func() error {
		return r.transport.Seek(ctx, position)
	})
}

func (r *Renderer) Next(ctx context.Context) error {
	return r.command(ctx, "next", domain.StateTransitioning, func() error {
		return r.transport.Next(ctx)
	})
}

func (r *Renderer) Previous(ctx context.Context) error {
	return r.command(ctx, "previous", domain.StateTransitioning, func() error {
		return r.transport.Previous(ctx)
	})
}

// SetVolume sends an absolute level. The caller clamps to the device range
// beforehand.
func (r *Renderer) SetVolume(ctx context.Context, level int) error {
	r.actionMu.Lock()
	defer r.actionMu.Unlock()

	if err := r.withRetry(ctx, "set_volume", func() error {
		return r.rendering.SetVolume(ctx, level)
	}); err != nil {
		return err
	}
	r.state.SetOptimisticVolume(level, r.now())
	return nil
}

func (r *Renderer) SetMute(ctx context.Context, muted bool) error {
	r.actionMu.Lock()
	defer r.actionMu.Unlock()

	if err := r.withRetry(ctx, "set_mute", func() error {
		return r.rendering.SetMute(ctx, muted)
	}); err != nil {
		return err
	}
	r.state.SetOptimisticMute(muted, r.now())
	return nil
}

// command runs one transport action under the per-device mutex. Success
// applies the optimistic state; failure after retries rolls the published
// state back to the last poll.
func (r *Renderer) command(ctx context.Context, operation string, optimistic domain.TransportState, call func() error) error {
	r.actionMu.Lock()
	defer r.actionMu.Unlock()

	if err := r.withRetry(ctx, operation, call); err != nil {
		r.state.RevertOptimistic()
		return fmt.Errorf("%s %s: %w", operation, r.desc.FriendlyName, err)
	}
	if optimistic != "" {
		r.state.ApplyOptimistic(optimistic, r.now())
	}
	return nil
}

func (r *Renderer) withRetry(ctx context.Context, operation string, call func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.retryAttempts; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= r.retryAttempts || !isRetryable(err) {
			break
		}

		backoff := backoffForAttempt(r.retryBaseBackoff, r.retryMaxBackoff, attempt)
		r.logger.Debug("retrying",
			slog.String("operation", operation),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		if waitErr := waitForBackoff(ctx, backoff); waitErr != nil {
			return waitErr
		}
	}
	return lastErr
}

func backoffForAttempt(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if max > 0 && backoff >= max {
			return max
		}
	}
	if max > 0 && backoff > max {
		return max
	}
	return backoff
}

func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryable covers transient network failures plus the one device fault
// worth retrying: 701, raised while the renderer is still transitioning.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var actionErr *soapclient.ActionError
	if errors.As(err, &actionErr) {
		return actionErr.Code == soapclient.ErrCodeTransitionNotAvailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"temporar",
		"connection reset",
		"connection refused",
		"broken pipe",
		"unexpected eof",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
