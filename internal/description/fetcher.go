package description

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/alex/dmrctl/internal/domain"
)

const (
	AVTransportType      = "urn:schemas-upnp-org:service:AVTransport:1"
	RenderingControlType = "urn:schemas-upnp-org:service:RenderingControl:1"

	avTransportPrefix      = "urn:schemas-upnp-org:service:AVTransport:"
	renderingControlPrefix = "urn:schemas-upnp-org:service:RenderingControl:"

	defaultFetchTimeout = 5 * time.Second
	maxDescriptionBytes = 1 << 20
	fetchRetryMax       = 2
)

// FetchError reports a network-level failure while retrieving a description
// document. Setup treats it as fatal for the device.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch device description %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a malformed description document or one that lacks the
// required renderer services.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse device description %s: %s", e.URL, e.Reason)
}

// Fetcher retrieves and parses UPnP device descriptions.
type Fetcher struct {
	client  *retryablehttp.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewFetcher(logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
	}

	client := retryablehttp.NewClient()
	client.RetryMax = fetchRetryMax
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = defaultFetchTimeout

	return &Fetcher{
		client:  client,
		timeout: defaultFetchTimeout,
		logger:  logger,
	}
}

type descriptionRoot struct {
	XMLName xml.Name      `xml:"root"`
	Device  deviceElement `xml:"device"`
}

type deviceElement struct {
	FriendlyName string          `xml:"friendlyName"`
	UDN          string          `xml:"UDN"`
	Services     []serviceEntry  `xml:"serviceList>service"`
	Embedded     []deviceElement `xml:"deviceList>device"`
}

type serviceEntry struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
	EventSubURL string `xml:"eventSubURL"`
	SCPDURL     string `xml:"SCPDURL"`
}

// Fetch retrieves the description document at descriptionURL and extracts the
// AVTransport and RenderingControl endpoints, resolved against the document
// URL. The RenderingControl SCPD is fetched as well to learn the device's
// Volume range; SCPD failures fall back to the 0..100 default.
func (f *Fetcher) Fetch(ctx context.Context, descriptionURL string) (*domain.DeviceDescriptor, error) {
	base, err := url.Parse(descriptionURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, &ParseError{URL: descriptionURL, Reason: "description URL is not absolute"}
	}

	body, err := f.get(ctx, descriptionURL)
	if err != nil {
		return nil, &FetchError{URL: descriptionURL, Err: err}
	}

	var root descriptionRoot
	if err := xml.Unmarshal(body, &root); err != nil {
		return nil, &ParseError{URL: descriptionURL, Reason: fmt.Sprintf("invalid XML: %v", err)}
	}

	avt, foundAVT := findService(root.Device, avTransportPrefix)
	rc, foundRC := findService(root.Device, renderingControlPrefix)
	if !foundAVT {
		return nil, &ParseError{URL: descriptionURL, Reason: "no AVTransport service"}
	}
	if !foundRC {
		return nil, &ParseError{URL: descriptionURL, Reason: "no RenderingControl service"}
	}

	avtEndpoints, err := resolveEndpoints(base, avt)
	if err != nil {
		return nil, &ParseError{URL: descriptionURL, Reason: err.Error()}
	}
	rcEndpoints, err := resolveEndpoints(base, rc)
	if err != nil {
		return nil, &ParseError{URL: descriptionURL, Reason: err.Error()}
	}

	desc := &domain.DeviceDescriptor{
		BaseURL:          base.String(),
		FriendlyName:     strings.TrimSpace(root.Device.FriendlyName),
		UDN:              strings.TrimSpace(root.Device.UDN),
		AVTransport:      avtEndpoints,
		RenderingControl: rcEndpoints,
		Volume:           domain.DefaultVolumeRange,
	}

	if rcEndpoints.SCPDURL != "" {
		if volume, ok := f.fetchVolumeRange(ctx, rcEndpoints.SCPDURL); ok {
			desc.Volume = volume
		}
	}

	return desc, nil
}

func (f *Fetcher) get(ctx context.Context, target string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDescriptionBytes))
}

func findService(device deviceElement, typePrefix string) (serviceEntry, bool) {
	for _, svc := range device.Services {
		if strings.HasPrefix(strings.TrimSpace(svc.ServiceType), typePrefix) {
			return svc, true
		}
	}
	for _, embedded := range device.Embedded {
		if svc, ok := findService(embedded, typePrefix); ok {
			return svc, true
		}
	}
	return serviceEntry{}, false
}

func resolveEndpoints(base *url.URL, svc serviceEntry) (domain.ServiceEndpoints, error) {
	controlURL, err := resolveRef(base, svc.ControlURL)
	if err != nil || controlURL == "" {
		return domain.ServiceEndpoints{}, fmt.Errorf("service %s has no usable controlURL", svc.ServiceType)
	}
	eventURL, err := resolveRef(base, svc.EventSubURL)
	if err != nil {
		eventURL = ""
	}
	scpdURL, err := resolveRef(base, svc.SCPDURL)
	if err != nil {
		scpdURL = ""
	}

	return domain.ServiceEndpoints{
		ServiceType: strings.TrimSpace(svc.ServiceType),
		ControlURL:  controlURL,
		EventURL:    eventURL,
		SCPDURL:     scpdURL,
	}, nil
}

func resolveRef(base *url.URL, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", nil
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(parsed).String(), nil
}

type scpdDocument struct {
	StateVariables []scpdStateVariable `xml:"serviceStateTable>stateVariable"`
}

type scpdStateVariable struct {
	Name         string     `xml:"name"`
	AllowedRange *scpdRange `xml:"allowedValueRange"`
}

type scpdRange struct {
	Minimum string `xml:"minimum"`
	Maximum string `xml:"maximum"`
}

func (f *Fetcher) fetchVolumeRange(ctx context.Context, scpdURL string) (domain.VolumeRange, bool) {
	body, err := f.get(ctx, scpdURL)
	if err != nil {
		f.logger.Debug("scpd_fetch_failed", slog.String("url", scpdURL), slog.String("error", err.Error()))
		return domain.VolumeRange{}, false
	}

	var doc scpdDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		f.logger.Debug("scpd_parse_failed", slog.String("url", scpdURL), slog.String("error", err.Error()))
		return domain.VolumeRange{}, false
	}

	for _, sv := range doc.StateVariables {
		if strings.TrimSpace(sv.Name) != "Volume" || sv.AllowedRange == nil {
			continue
		}
		min, minErr := strconv.Atoi(strings.TrimSpace(sv.AllowedRange.Minimum))
		max, maxErr := strconv.Atoi(strings.TrimSpace(sv.AllowedRange.Maximum))
		if minErr != nil || maxErr != nil || max <= min {
			return domain.VolumeRange{}, false
		}
		return domain.VolumeRange{Min: min, Max: max}, true
	}
	return domain.VolumeRange{}, false
}
