package description

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alex/dmrctl/internal/domain"
)

const rendererDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaRenderer:1</deviceType>
    <friendlyName>Bedroom TV</friendlyName>
    <UDN>uuid:7076436f-6e65-1063-8074-aabbccddeeff</UDN>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:AVTransport:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:AVTransport</serviceId>
        <SCPDURL>/upnp/service/avtransport.xml</SCPDURL>
        <controlURL>/upnp/control/avtransport</controlURL>
        <eventSubURL>/upnp/event/avtransport</eventSubURL>
      </service>
      <service>
        <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
        <serviceId>urn:upnp-org:serviceId:RenderingControl</serviceId>
        <SCPDURL>/upnp/service/renderingcontrol.xml</SCPDURL>
        <controlURL>/upnp/control/renderingcontrol</controlURL>
        <eventSubURL>/upnp/event/renderingcontrol</eventSubURL>
      </service>
    </serviceList>
  </device>
</root>`

const renderingControlSCPD = `<?xml version="1.0" encoding="utf-8"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <serviceStateTable>
    <stateVariable sendEvents="no">
      <name>Volume</name>
      <dataType>ui2</dataType>
      <allowedValueRange><minimum>0</minimum><maximum>30</maximum><step>1</step></allowedValueRange>
    </stateVariable>
    <stateVariable sendEvents="no"><name>Mute</name><dataType>boolean</dataType></stateVariable>
  </serviceStateTable>
</scpd>`

const noTransportDescription = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Speaker</friendlyName>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:RenderingControl:1</serviceType>
        <controlURL>/ctl/rc</controlURL>
        <eventSubURL>/evt/rc</eventSubURL>
        <SCPDURL>/scpd/rc.xml</SCPDURL>
      </service>
    </serviceList>
  </device>
</root>`

func newDescriptionServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dmr.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(rendererDescription))
	})
	mux.HandleFunc("/upnp/service/renderingcontrol.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(renderingControlSCPD))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchResolvesServiceEndpoints(t *testing.T) {
	srv := newDescriptionServer(t)

	desc, err := NewFetcher(nil).Fetch(context.Background(), srv.URL+"/dmr.xml")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if desc.FriendlyName != "Bedroom TV" {
		t.Errorf("friendly name = %q", desc.FriendlyName)
	}
	if want := srv.URL + "/upnp/control/avtransport"; desc.AVTransport.ControlURL != want {
		t.Errorf("avtransport control URL = %q, want %q", desc.AVTransport.ControlURL, want)
	}
	if want := srv.URL + "/upnp/event/renderingcontrol"; desc.RenderingControl.EventURL != want {
		t.Errorf("renderingcontrol event URL = %q, want %q", desc.RenderingControl.EventURL, want)
	}
	if desc.Volume != (domain.VolumeRange{Min: 0, Max: 30}) {
		t.Errorf("volume range = %+v, want 0..30", desc.Volume)
	}
}

func TestFetchMissingAVTransportIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(noTransportDescription))
	}))
	defer srv.Close()

	_, err := NewFetcher(nil).Fetch(context.Background(), srv.URL+"/desc.xml")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestFetchNetworkFailureIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewFetcher(nil).Fetch(context.Background(), srv.URL+"/desc.xml")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestFetchMalformedXMLIsParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<root><device>"))
	}))
	defer srv.Close()

	_, err := NewFetcher(nil).Fetch(context.Background(), srv.URL+"/desc.xml")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestFetchRejectsRelativeURL(t *testing.T) {
	_, err := NewFetcher(nil).Fetch(context.Background(), "/not-absolute")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestFetchSCPDFailureFallsBackToDefaultRange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dmr.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(rendererDescription))
	})
	mux.HandleFunc("/upnp/service/renderingcontrol.xml", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	desc, err := NewFetcher(nil).Fetch(context.Background(), srv.URL+"/dmr.xml")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if desc.Volume != domain.DefaultVolumeRange {
		t.Errorf("volume range = %+v, want default", desc.Volume)
	}
}
