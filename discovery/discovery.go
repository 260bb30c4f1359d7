package discovery

import (
	"slices"
	"sync"
)

// App describes one running application with audio capability.
type App struct {
	// PID is the process identifier used to create a tap.
	PID uint32
	// Name is the human-readable application name.
	Name string
	// Identifier is the stable application identifier (bundle ID or
	// executable path), used for persisted per-app settings.
	Identifier string
}

// Provider enumerates tappable applications. Implementations must be
// safe for concurrent use.
type Provider interface {
	// Apps lists the currently running tappable applications.
	Apps() ([]App, error)

	// OnChange registers a callback invoked with the full list
	// whenever it changes. Callbacks must return quickly.
	OnChange(fn func(apps []App))
}

// StaticProvider serves a fixed application list for tests and
// examples.
type StaticProvider struct {
	mu       sync.Mutex
	apps     []App
	onChange []func(apps []App)
}

// NewStaticProvider returns a provider over the given applications.
func NewStaticProvider(apps ...App) *StaticProvider {
	return &StaticProvider{apps: slices.Clone(apps)}
}

// Apps implements Provider.
func (p *StaticProvider) Apps() ([]App, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.apps), nil
}

// OnChange implements Provider.
func (p *StaticProvider) OnChange(fn func(apps []App)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

// SetApps replaces the application list and fires change callbacks.
func (p *StaticProvider) SetApps(apps ...App) {
	p.mu.Lock()
	p.apps = slices.Clone(apps)
	callbacks := slices.Clone(p.onChange)
	snapshot := slices.Clone(p.apps)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(snapshot)
	}
}
