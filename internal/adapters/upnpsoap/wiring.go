// Package upnpsoap backs the adapter contracts with SOAP calls against a
// renderer's AVTransport and RenderingControl services.
package upnpsoap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alex/dmrctl/internal/adapters"
	"github.com/alex/dmrctl/internal/domain"
	"github.com/alex/dmrctl/internal/soapclient"
)

// AVTransport and RenderingControl conventions for single-instance
// renderers.
const (
	instanceID    = "0"
	masterChannel = "Master"
	playSpeed     = "1"
	seekModeRel   = "REL_TIME"
)

// Factory builds SOAP-backed service clients sharing one underlying HTTP
// client.
type Factory struct {
	client *soapclient.Client
}

func NewFactory(client *soapclient.Client) Factory {
	return Factory{client: client}
}

func (f Factory) NewTransportClient(desc *domain.DeviceDescriptor) adapters.TransportClient {
	return &transportClient{client: f.client, service: desc.AVTransport}
}

func (f Factory) NewRenderingClient(desc *domain.DeviceDescriptor) adapters.RenderingClient {
	return &renderingClient{client: f.client, service: desc.RenderingControl}
}

type transportClient struct {
	client  *soapclient.Client
	service domain.ServiceEndpoints
}

func (t *transportClient) SetURI(ctx context.Context, uri, metadata string) error {
	_, err := t.client.Invoke(ctx, t.service, "SetAVTransportURI", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "CurrentURI", Value: uri},
		{Name: "CurrentURIMetaData", Value: metadata},
	})
	return err
}

func (t *transportClient) SetNextURI(ctx context.Context, uri, metadata string) error {
	_, err := t.client.Invoke(ctx, t.service, "SetNextAVTransportURI", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "NextURI", Value: uri},
		{Name: "NextURIMetaData", Value: metadata},
	})
	return err
}

func (t *transportClient) Play(ctx context.Context) error {
	_, err := t.client.Invoke(ctx, t.service, "Play", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "Speed", Value: playSpeed},
	})
	return err
}

func (t *transportClient) Pause(ctx context.Context) error {
	_, err := t.client.Invoke(ctx, t.service, "Pause", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
	})
	return err
}

func (t *transportClient) Stop(ctx context.Context) error {
	_, err := t.client.Invoke(ctx, t.service, "Stop", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
	})
	return err
}

func (t *transportClient) Seek(ctx context.Context, position time.Duration) error {
	_, err := t.client.Invoke(ctx, t.service, "Seek", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "Unit", Value: seekModeRel},
		{Name: "Target", Value: domain.FormatDuration(position)},
	})
	return err
}

func (t *transportClient) Next(ctx context.Context) error {
	_, err := t.client.Invoke(ctx, t.service, "Next", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
	})
	return err
}

func (t *transportClient) Previous(ctx context.Context) error {
	_, err := t.client.Invoke(ctx, t.service, "Previous", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
	})
	return err
}

func (t *transportClient) TransportInfo(ctx context.Context) (domain.TransportState, error) {
	out, err := t.client.Invoke(ctx, t.service, "GetTransportInfo", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
	})
	if err != nil {
		return domain.StateUnknown, err
	}
	return domain.ParseTransportState(out["CurrentTransportState"]), nil
}

func (t *transportClient) PositionInfo(ctx context.Context) (domain.PositionInfo, error) {
	out, err := t.client.Invoke(ctx, t.service, "GetPositionInfo", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
	})
	if err != nil {
		return domain.PositionInfo{}, err
	}

	// Devices report NOT_IMPLEMENTED or garbage for fields they do not
	// track; a partial position beats none.
	info := domain.PositionInfo{
		TrackURI:      out["TrackURI"],
		TrackMetadata: out["TrackMetaData"],
	}
	if duration, err := domain.ParseDuration(out["TrackDuration"]); err == nil {
		info.TrackDuration = duration
	}
	if relTime, err := domain.ParseDuration(out["RelTime"]); err == nil {
		info.RelTime = relTime
	}
	return info, nil
}

type renderingClient struct {
	client  *soapclient.Client
	service domain.ServiceEndpoints
}

func (r *renderingClient) Volume(ctx context.Context) (int, error) {
	out, err := r.client.Invoke(ctx, r.service, "GetVolume", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "Channel", Value: masterChannel},
	})
	if err != nil {
		return 0, err
	}
	volume, err := strconv.Atoi(strings.TrimSpace(out["CurrentVolume"]))
	if err != nil {
		return 0, &soapclient.TransportError{Op: "GetVolume", Err: fmt.Errorf("bad CurrentVolume %q", out["CurrentVolume"])}
	}
	return volume, nil
}

func (r *renderingClient) SetVolume(ctx context.Context, level int) error {
	_, err := r.client.Invoke(ctx, r.service, "SetVolume", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "Channel", Value: masterChannel},
		{Name: "DesiredVolume", Value: strconv.Itoa(level)},
	})
	return err
}

func (r *renderingClient) Mute(ctx context.Context) (bool, error) {
	out, err := r.client.Invoke(ctx, r.service, "GetMute", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "Channel", Value: masterChannel},
	})
	if err != nil {
		return false, err
	}
	raw := strings.TrimSpace(out["CurrentMute"])
	return raw == "1" || strings.EqualFold(raw, "true"), nil
}

func (r *renderingClient) SetMute(ctx context.Context, muted bool) error {
	desired := "0"
	if muted {
		desired = "1"
	}
	_, err := r.client.Invoke(ctx, r.service, "SetMute", []soapclient.Arg{
		{Name: "InstanceID", Value: instanceID},
		{Name: "Channel", Value: masterChannel},
		{Name: "DesiredMute", Value: desired},
	})
	return err
}
