package domain

// ServiceEndpoints holds the resolved URLs for one UPnP service on a device.
type ServiceEndpoints struct {
	ServiceType string
	ControlURL  string
	EventURL    string
	SCPDURL     string
}

// VolumeRange is the device-reported allowed range for the Volume state
// variable. The zero value is replaced by DefaultVolumeRange at parse time.
type VolumeRange struct {
	Min int
	Max int
}

// DefaultVolumeRange applies when the device SCPD does not declare a range.
var DefaultVolumeRange = VolumeRange{Min: 0, Max: 100}

// Clamp limits level to the range.
func (r VolumeRange) Clamp(level int) int {
	if r.Max <= r.Min {
		r = DefaultVolumeRange
	}
	if level < r.Min {
		return r.Min
	}
	if level > r.Max {
		return r.Max
	}
	return level
}

// DeviceDescriptor is the parsed device description of a renderer. It is
// immutable once fetched and re-fetched only on reconnect.
type DeviceDescriptor struct {
	BaseURL          string
	FriendlyName     string
	UDN              string
	AVTransport      ServiceEndpoints
	RenderingControl ServiceEndpoints
	Volume           VolumeRange
}
