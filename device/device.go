package device

import (
	"errors"
	"slices"
	"sync"
)

// ErrDeviceNotFound indicates no known device matches the requested UID.
var ErrDeviceNotFound = errors.New("audio device not found")

// TransportType classifies how a device is attached to the host.
type TransportType string

const (
	TransportBuiltIn   TransportType = "builtin"
	TransportUSB       TransportType = "usb"
	TransportBluetooth TransportType = "bluetooth"
	TransportAirPlay   TransportType = "airplay"
	TransportVirtual   TransportType = "virtual"
	TransportUnknown   TransportType = "unknown"
)

// IsWireless reports whether the transport buffers over a radio link
// and therefore needs a longer warmup before audio is routed to it.
func (t TransportType) IsWireless() bool {
	return t == TransportBluetooth || t == TransportAirPlay
}

// Info describes one output device.
type Info struct {
	ID                uint32
	UID               string
	Name              string
	TransportType     TransportType
	IsReady           bool
	NominalSampleRate float64
}

// Provider enumerates output devices and reports removals. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Devices lists the currently available output devices.
	Devices() ([]Info, error)

	// DeviceByUID resolves one device, returning ErrDeviceNotFound when
	// it is not present.
	DeviceByUID(uid string) (Info, error)

	// DefaultDevice returns the system default output device.
	DefaultDevice() (Info, error)

	// OnRemoved registers a callback invoked with the UID of each
	// device that disappears. Callbacks run on the provider's watch
	// goroutine and must return quickly.
	OnRemoved(fn func(uid string))
}

// StaticProvider serves a fixed device list. Tests mutate the list with
// SetDevices, which also fires removal callbacks for devices that
// vanished.
type StaticProvider struct {
	mu        sync.Mutex
	devices   []Info
	defaultID string
	removed   []func(uid string)
}

// NewStaticProvider returns a provider over the given devices. The
// first device is the default output.
func NewStaticProvider(devices ...Info) *StaticProvider {
	p := &StaticProvider{devices: slices.Clone(devices)}
	if len(devices) > 0 {
		p.defaultID = devices[0].UID
	}
	return p
}

// Devices implements Provider.
func (p *StaticProvider) Devices() ([]Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.devices), nil
}

// DeviceByUID implements Provider.
func (p *StaticProvider) DeviceByUID(uid string) (Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.UID == uid {
			return d, nil
		}
	}
	return Info{}, ErrDeviceNotFound
}

// DefaultDevice implements Provider.
func (p *StaticProvider) DefaultDevice() (Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.devices {
		if d.UID == p.defaultID {
			return d, nil
		}
	}
	if len(p.devices) > 0 {
		return p.devices[0], nil
	}
	return Info{}, ErrDeviceNotFound
}

// SetDefault marks uid as the default output device.
func (p *StaticProvider) SetDefault(uid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defaultID = uid
}

// OnRemoved implements Provider.
func (p *StaticProvider) OnRemoved(fn func(uid string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, fn)
}

// SetDevices replaces the device list and fires removal callbacks for
// any device no longer present.
func (p *StaticProvider) SetDevices(devices ...Info) {
	p.mu.Lock()
	var gone []string
	for _, old := range p.devices {
		present := false
		for _, d := range devices {
			if d.UID == old.UID {
				present = true
				break
			}
		}
		if !present {
			gone = append(gone, old.UID)
		}
	}
	p.devices = slices.Clone(devices)
	callbacks := slices.Clone(p.removed)
	p.mu.Unlock()

	for _, uid := range gone {
		for _, fn := range callbacks {
			fn(uid)
		}
	}
}
