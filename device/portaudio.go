package device

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/sirupsen/logrus"
)

// watchInterval is how often the PortAudio provider re-enumerates
// devices to detect removals. PortAudio has no change notification, so
// polling is the only option.
const watchInterval = 2 * time.Second

// PortAudioProvider enumerates host output devices through PortAudio.
// PortAudio does not expose persistent device UIDs, so the provider
// synthesizes one from the host API and device name, which is stable
// for the lifetime of the host session.
type PortAudioProvider struct {
	mu      sync.Mutex
	removed []func(uid string)
	known   []string
	stop    chan struct{}
	done    chan struct{}
}

// NewPortAudioProvider initializes PortAudio and starts the removal
// watch goroutine. Call Close when done.
func NewPortAudioProvider() (*PortAudioProvider, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	p := &PortAudioProvider{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	devices, err := p.Devices()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}
	for _, d := range devices {
		p.known = append(p.known, d.UID)
	}

	go p.watch()

	logrus.WithFields(logrus.Fields{
		"function": "NewPortAudioProvider",
		"devices":  len(devices),
	}).Info("PortAudio device provider started")

	return p, nil
}

// Close stops the watch goroutine and terminates PortAudio.
func (p *PortAudioProvider) Close() error {
	close(p.stop)
	<-p.done
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// Devices implements Provider. Only devices with output channels are
// listed.
func (p *PortAudioProvider) Devices() ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate audio devices: %w", err)
	}

	var infos []Info
	for _, d := range devices {
		if d.MaxOutputChannels <= 0 {
			continue
		}
		infos = append(infos, infoFromPortAudio(d, uint32(len(infos))))
	}
	return infos, nil
}

// DeviceByUID implements Provider.
func (p *PortAudioProvider) DeviceByUID(uid string) (Info, error) {
	devices, err := p.Devices()
	if err != nil {
		return Info{}, err
	}
	for _, d := range devices {
		if d.UID == uid {
			return d, nil
		}
	}
	return Info{}, ErrDeviceNotFound
}

// DefaultDevice implements Provider.
func (p *PortAudioProvider) DefaultDevice() (Info, error) {
	d, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return Info{}, fmt.Errorf("failed to resolve default output device: %w", err)
	}

	info := infoFromPortAudio(d, 0)
	devices, err := p.Devices()
	if err == nil {
		for _, known := range devices {
			if known.UID == info.UID {
				return known, nil
			}
		}
	}
	return info, nil
}

// OnRemoved implements Provider.
func (p *PortAudioProvider) OnRemoved(fn func(uid string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed = append(p.removed, fn)
}

func (p *PortAudioProvider) watch() {
	defer close(p.done)
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.checkRemovals()
		}
	}
}

func (p *PortAudioProvider) checkRemovals() {
	devices, err := p.Devices()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "PortAudioProvider.checkRemovals",
			"error":    err.Error(),
		}).Warn("Device enumeration failed during watch")
		return
	}

	current := make([]string, 0, len(devices))
	for _, d := range devices {
		current = append(current, d.UID)
	}

	p.mu.Lock()
	var gone []string
	for _, uid := range p.known {
		if !slices.Contains(current, uid) {
			gone = append(gone, uid)
		}
	}
	p.known = current
	callbacks := slices.Clone(p.removed)
	p.mu.Unlock()

	for _, uid := range gone {
		logrus.WithFields(logrus.Fields{
			"function": "PortAudioProvider.checkRemovals",
			"uid":      uid,
		}).Info("Audio device removed")
		for _, fn := range callbacks {
			fn(uid)
		}
	}
}

// infoFromPortAudio converts a PortAudio device record. PortAudio
// exposes no stable device index through its Go binding, so id is the
// position in the enumerated output-device list.
func infoFromPortAudio(d *portaudio.DeviceInfo, id uint32) Info {
	hostAPI := "unknown"
	if d.HostApi != nil {
		hostAPI = d.HostApi.Name
	}
	return Info{
		ID:                id,
		UID:               fmt.Sprintf("%s:%s", hostAPI, d.Name),
		Name:              d.Name,
		TransportType:     transportFromName(d.Name),
		IsReady:           true,
		NominalSampleRate: d.DefaultSampleRate,
	}
}

// transportFromName guesses the transport from the device name.
// PortAudio does not expose transport metadata, so name matching is
// the best available signal.
func transportFromName(name string) TransportType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "bluetooth"), strings.Contains(lower, "airpods"):
		return TransportBluetooth
	case strings.Contains(lower, "airplay"):
		return TransportAirPlay
	case strings.Contains(lower, "usb"):
		return TransportUSB
	case strings.Contains(lower, "built-in"), strings.Contains(lower, "builtin"):
		return TransportBuiltIn
	default:
		return TransportUnknown
	}
}
