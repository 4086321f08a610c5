// Package diagnostics answers "can this host talk to the configured
// renderers" for the self-test command.
package diagnostics

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/alex/dmrctl/internal/config"
)

const probeTimeout = 3 * time.Second

var probeURL = func(ctx context.Context, target string) error {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	resp, err := cleanhttp.DefaultClient().Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type DeviceStatus struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

type ConnectivityReport struct {
	Devices      []DeviceStatus `json:"devices"`
	AllReachable bool           `json:"all_reachable"`
}

// ProbeDevices checks each configured description URL. A HEAD exchange is
// enough; any HTTP response means the device answers.
func ProbeDevices(ctx context.Context, devices []config.Device) ConnectivityReport {
	report := ConnectivityReport{AllReachable: true}

	for _, device := range devices {
		status := DeviceStatus{Name: device.Name, URL: device.DescriptionURL}
		if err := probeURL(ctx, device.DescriptionURL); err != nil {
			status.Error = err.Error()
			report.AllReachable = false
		} else {
			status.Reachable = true
		}
		report.Devices = append(report.Devices, status)
	}
	return report
}
