package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportTypeIsWireless(t *testing.T) {
	tests := []struct {
		transport TransportType
		wireless  bool
	}{
		{TransportBuiltIn, false},
		{TransportUSB, false},
		{TransportBluetooth, true},
		{TransportAirPlay, true},
		{TransportVirtual, false},
		{TransportUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.transport), func(t *testing.T) {
			assert.Equal(t, tt.wireless, tt.transport.IsWireless())
		})
	}
}

func TestStaticProviderLookup(t *testing.T) {
	p := NewStaticProvider(
		Info{UID: "a", Name: "Speakers"},
		Info{UID: "b", Name: "Headphones"},
	)

	devices, err := p.Devices()
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	d, err := p.DeviceByUID("b")
	require.NoError(t, err)
	assert.Equal(t, "Headphones", d.Name)

	_, err = p.DeviceByUID("missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestStaticProviderDefault(t *testing.T) {
	p := NewStaticProvider(
		Info{UID: "a", Name: "Speakers"},
		Info{UID: "b", Name: "Headphones"},
	)

	d, err := p.DefaultDevice()
	require.NoError(t, err)
	assert.Equal(t, "a", d.UID)

	p.SetDefault("b")
	d, err = p.DefaultDevice()
	require.NoError(t, err)
	assert.Equal(t, "b", d.UID)
}

func TestStaticProviderEmptyDefault(t *testing.T) {
	p := NewStaticProvider()
	_, err := p.DefaultDevice()
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestStaticProviderRemovalCallbacks(t *testing.T) {
	p := NewStaticProvider(
		Info{UID: "a"},
		Info{UID: "b"},
	)

	var removed []string
	p.OnRemoved(func(uid string) {
		removed = append(removed, uid)
	})

	p.SetDevices(Info{UID: "b"})
	assert.Equal(t, []string{"a"}, removed)

	// Re-adding does not fire removal.
	p.SetDevices(Info{UID: "a"}, Info{UID: "b"})
	assert.Equal(t, []string{"a"}, removed)

	p.SetDevices()
	assert.ElementsMatch(t, []string{"a", "a", "b"}, removed)
}

func TestTransportFromName(t *testing.T) {
	tests := []struct {
		name string
		want TransportType
	}{
		{"MacBook Pro Speakers (Built-in)", TransportBuiltIn},
		{"Scarlett 2i2 USB", TransportUSB},
		{"WH-1000XM5 (Bluetooth)", TransportBluetooth},
		{"Pro AirPods", TransportBluetooth},
		{"Living Room (AirPlay)", TransportAirPlay},
		{"Mystery Device", TransportUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transportFromName(tt.name))
		})
	}
}
