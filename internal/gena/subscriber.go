// Package gena implements the subscription side of UPnP eventing: SUBSCRIBE
// and UNSUBSCRIBE requests to renderer event URLs, and a NOTIFY endpoint that
// turns LastChange bodies into state updates.
//
// Events are advisory. They let a watcher react quickly, but the poll loop
// remains the authority on renderer state.
package gena

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

const (
	defaultSubscribeTimeout = 5 * time.Second

	// DefaultLeaseSeconds is requested on subscribe; renderers may grant less.
	DefaultLeaseSeconds = 300
)

// Subscription is an active event lease on one service.
type Subscription struct {
	SID          string
	EventURL     string
	LeaseSeconds int
}

// SubscribeError reports a failed subscription exchange.
type SubscribeError struct {
	EventURL string
	Status   int
	Err      error
}

func (e *SubscribeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscribe %s: %v", e.EventURL, e.Err)
	}
	return fmt.Sprintf("subscribe %s: unexpected status %d", e.EventURL, e.Status)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// Subscriber issues GENA requests against renderer event URLs.
type Subscriber struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

func NewSubscriber(logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
	}
	return &Subscriber{
		httpClient: cleanhttp.DefaultPooledClient(),
		timeout:    defaultSubscribeTimeout,
		logger:     logger,
	}
}

// Subscribe opens an event lease on eventURL, delivering notifications to
// callbackURL. The granted lease may be shorter than requested; callers renew
// before it expires.
func (s *Subscriber) Subscribe(ctx context.Context, eventURL, callbackURL string, leaseSeconds int) (*Subscription, error) {
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}

	header := http.Header{}
	header.Set("NT", "upnp:event")
	header.Set("CALLBACK", "<"+callbackURL+">")
	header.Set("TIMEOUT", fmt.Sprintf("Second-%d", leaseSeconds))

	status, respHeader, err := s.do(ctx, "SUBSCRIBE", eventURL, header)
	if err != nil {
		return nil, &SubscribeError{EventURL: eventURL, Err: err}
	}
	if status != http.StatusOK {
		return nil, &SubscribeError{EventURL: eventURL, Status: status}
	}

	sid := respHeader.Get("SID")
	if sid == "" {
		return nil, &SubscribeError{EventURL: eventURL, Err: fmt.Errorf("device granted no SID")}
	}

	sub := &Subscription{
		SID:          sid,
		EventURL:     eventURL,
		LeaseSeconds: parseLease(respHeader.Get("TIMEOUT"), leaseSeconds),
	}
	s.logger.Debug("gena_subscribed",
		slog.String("event_url", eventURL),
		slog.String("sid", sid),
		slog.Int("lease_seconds", sub.LeaseSeconds),
	)
	return sub, nil
}

// Renew extends an existing lease. Devices drop expired SIDs, in which case
// the caller must subscribe from scratch.
func (s *Subscriber) Renew(ctx context.Context, sub *Subscription) error {
	header := http.Header{}
	header.Set("SID", sub.SID)
	header.Set("TIMEOUT", fmt.Sprintf("Second-%d", sub.LeaseSeconds))

	status, respHeader, err := s.do(ctx, "SUBSCRIBE", sub.EventURL, header)
	if err != nil {
		return &SubscribeError{EventURL: sub.EventURL, Err: err}
	}
	if status != http.StatusOK {
		return &SubscribeError{EventURL: sub.EventURL, Status: status}
	}
	sub.LeaseSeconds = parseLease(respHeader.Get("TIMEOUT"), sub.LeaseSeconds)
	return nil
}

// Unsubscribe releases the lease. Best effort: the renderer forgets the SID
// on its own when the lease lapses.
func (s *Subscriber) Unsubscribe(ctx context.Context, sub *Subscription) error {
	header := http.Header{}
	header.Set("SID", sub.SID)

	status, _, err := s.do(ctx, "UNSUBSCRIBE", sub.EventURL, header)
	if err != nil {
		return &SubscribeError{EventURL: sub.EventURL, Err: err}
	}
	if status != http.StatusOK {
		return &SubscribeError{EventURL: sub.EventURL, Status: status}
	}
	return nil
}

func (s *Subscriber) do(ctx context.Context, method, target string, header http.Header) (int, http.Header, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, nil)
	if err != nil {
		return 0, nil, err
	}
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	// GENA replies carry everything in headers.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	return resp.StatusCode, resp.Header, nil
}

// parseLease reads "Second-300" style TIMEOUT headers. "infinite" and
// unparseable values keep the requested lease.
func parseLease(header string, fallback int) int {
	header = strings.TrimSpace(header)
	if rest, ok := strings.CutPrefix(header, "Second-"); ok {
		if seconds, err := strconv.Atoi(rest); err == nil && seconds > 0 {
			return seconds
		}
	}
	return fallback
}
