// Package soapclient invokes UPnP control actions over SOAP. It builds the
// envelope by hand, sends it with the SOAPACTION header the UPnP device
// architecture requires, and maps device faults onto typed errors.
package soapclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/alex/dmrctl/internal/domain"
)

const (
	defaultActionTimeout = 5 * time.Second
	maxResponseBytes     = 1 << 20

	// UPnP error codes the renderer cares about.
	ErrCodeTransitionNotAvailable = 701
	ErrCodeIllegalMIMEType        = 714
)

// Arg is a single action argument. Order is preserved on the wire because
// some renderers reject envelopes with reordered arguments.
type Arg struct {
	Name  string
	Value string
}

// TransportError reports that an action never produced a device response:
// connection failures, timeouts, and unreadable replies.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("soap %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ActionError is a fault returned by the device itself. Code is the UPnP
// error code; it is zero when the device returned a non-2xx status without
// a parseable fault body.
type ActionError struct {
	Action      string
	Code        int
	Description string
}

func (e *ActionError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("soap %s: device error: %s", e.Action, e.Description)
	}
	return fmt.Sprintf("soap %s: device error %d: %s", e.Action, e.Code, e.Description)
}

// Client sends SOAP actions to renderer control endpoints. A single Client
// is safe for concurrent use; serializing actions per device is the
// caller's concern.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(99)}))
	}
	return &Client{
		httpClient: cleanhttp.DefaultPooledClient(),
		timeout:    defaultActionTimeout,
		logger:     logger,
	}
}

// Invoke posts one action to the service's control URL and returns the
// response arguments keyed by name. Device faults come back as *ActionError,
// everything below the SOAP layer as *TransportError.
func (c *Client) Invoke(ctx context.Context, svc domain.ServiceEndpoints, action string, args []Arg) (map[string]string, error) {
	envelope := buildEnvelope(svc.ServiceType, action, args)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, svc.ControlURL, bytes.NewReader(envelope))
	if err != nil {
		return nil, &TransportError{Op: action, Err: err}
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf("%q", svc.ServiceType+"#"+action))
	req.Header.Set("Connection", "close")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: action, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Op: action, Err: err}
	}

	c.logger.Debug("soap_action",
		slog.String("action", action),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if fault, ok := parseFault(body); ok {
			fault.Action = action
			return nil, fault
		}
		return nil, &ActionError{
			Action:      action,
			Description: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	out, err := parseResponse(body, action)
	if err != nil {
		return nil, &TransportError{Op: action, Err: err}
	}
	return out, nil
}

func buildEnvelope(serviceType, action string, args []Arg) []byte {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">`)
	buf.WriteString(`<s:Body>`)
	fmt.Fprintf(&buf, `<u:%s xmlns:u="%s">`, action, serviceType)
	for _, arg := range args {
		fmt.Fprintf(&buf, "<%s>", arg.Name)
		_ = xml.EscapeText(&buf, []byte(arg.Value))
		fmt.Fprintf(&buf, "</%s>", arg.Name)
	}
	fmt.Fprintf(&buf, `</u:%s>`, action)
	buf.WriteString(`</s:Body></s:Envelope>`)
	return buf.Bytes()
}

type faultEnvelope struct {
	Body struct {
		Fault struct {
			Detail struct {
				UPnPError struct {
					Code        int    `xml:"errorCode"`
					Description string `xml:"errorDescription"`
				} `xml:"UPnPError"`
			} `xml:"detail"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

func parseFault(body []byte) (*ActionError, bool) {
	var env faultEnvelope
	if err := xml.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	upnpErr := env.Body.Fault.Detail.UPnPError
	if upnpErr.Code == 0 {
		return nil, false
	}
	return &ActionError{Code: upnpErr.Code, Description: upnpErr.Description}, true
}

// parseResponse walks the response envelope looking for the <u:XxxResponse>
// element and collects its direct children as name/value pairs.
func parseResponse(body []byte, action string) (map[string]string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	responseName := action + "Response"

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no %s element in reply", responseName)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid response XML: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != responseName {
			continue
		}
		return collectChildren(decoder)
	}
}

func collectChildren(decoder *xml.Decoder) (map[string]string, error) {
	out := make(map[string]string)
	depth := 0
	var current string
	var text strings.Builder

	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid response XML: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 1 {
				current = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 1 {
				text.Write(t)
			}
		case xml.EndElement:
			if depth == 0 {
				// closing tag of the response element itself
				return out, nil
			}
			if depth == 1 {
				out[current] = text.String()
			}
			depth--
		}
	}
}
