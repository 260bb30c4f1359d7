package proctap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/proctap/device"
	"github.com/opd-ai/proctap/discovery"
	"github.com/opd-ai/proctap/dsp"
	"github.com/opd-ai/proctap/notify"
	"github.com/opd-ai/proctap/persist"
	"github.com/opd-ai/proctap/tap"
)

// ErrUnknownApp indicates the requested PID is not a routed (or
// routable) application.
var ErrUnknownApp = errors.New("application is not routed")

// ErrClosed indicates the router has been closed.
var ErrClosed = errors.New("router is closed")

// Options configures a Router. System, Devices, and Discovery are
// required; Store and Notifier are optional.
type Options struct {
	// System binds the platform audio services.
	System tap.AudioSystem
	// Devices enumerates output devices.
	Devices device.Provider
	// Discovery enumerates tappable applications.
	Discovery discovery.Provider
	// Store persists per-app settings across restarts. Nil disables
	// persistence.
	Store *persist.Store
	// Notifier receives routing events. Nil defaults to NopNotifier.
	Notifier notify.Notifier
}

// route is one activated application: its discovery record and its
// controller.
type route struct {
	app        discovery.App
	controller *tap.Controller
}

// Router composes the per-app controllers with discovery, device
// watching, persistence, and event publication. Safe for concurrent
// use.
type Router struct {
	system    tap.AudioSystem
	devices   device.Provider
	discovery discovery.Provider
	store     *persist.Store
	notifier  notify.Notifier

	mu     sync.Mutex
	routes map[uint32]*route
	closed bool
}

// NewRouter validates the options, wires the device-removal watch, and
// returns an empty router. No taps exist until Activate.
func NewRouter(opts Options) (*Router, error) {
	if opts.System == nil {
		return nil, errors.New("audio system is required")
	}
	if opts.Devices == nil {
		return nil, errors.New("device provider is required")
	}
	if opts.Discovery == nil {
		return nil, errors.New("discovery provider is required")
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	r := &Router{
		system:    opts.System,
		devices:   opts.Devices,
		discovery: opts.Discovery,
		store:     opts.Store,
		notifier:  notifier,
		routes:    make(map[uint32]*route),
	}

	opts.Devices.OnRemoved(r.handleDeviceRemoved)
	opts.Discovery.OnChange(r.handleAppsChanged)

	logrus.WithFields(logrus.Fields{
		"function":    "NewRouter",
		"persistence": opts.Store != nil,
	}).Info("Router created")

	return r, nil
}

// Activate creates and starts a tap for the application with the given
// PID, applying any persisted settings for its identifier. Activating
// an already-routed PID is a no-op.
func (r *Router) Activate(ctx context.Context, pid uint32) error {
	app, err := r.lookupApp(pid)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.routes[pid]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	settings := r.loadSettings(app.Identifier)

	controller := tap.NewController(r.system, r.devices, tap.ProcessID(pid), app.Name, settings.DeviceUIDs)
	if err := controller.Activate(ctx); err != nil {
		return fmt.Errorf("failed to activate tap for %s: %w", app.Name, err)
	}

	controller.SetVolume(settings.Volume)
	controller.SetMute(settings.Muted)
	if err := controller.UpdateEQSettings(settings.EQ); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.Activate",
			"app":      app.Name,
			"error":    err.Error(),
		}).Warn("Persisted EQ settings rejected, keeping flat response")
	}
	if err := controller.UpdateCompressorSettings(settings.Compressor); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.Activate",
			"app":      app.Name,
			"error":    err.Error(),
		}).Warn("Persisted compressor settings rejected, keeping defaults")
	}
	controller.SetCompressorEnabled(settings.CompressorEnabled)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		controller.Invalidate()
		return ErrClosed
	}
	r.routes[pid] = &route{app: app, controller: controller}
	r.mu.Unlock()

	r.publish(notify.Event{
		Type:       notify.EventActivated,
		PID:        pid,
		App:        app.Name,
		DeviceUIDs: controller.CurrentDeviceUIDs(),
	})

	return nil
}

// Deactivate tears down the tap for pid. Unknown PIDs are a no-op.
func (r *Router) Deactivate(pid uint32) {
	r.mu.Lock()
	rt, ok := r.routes[pid]
	delete(r.routes, pid)
	r.mu.Unlock()
	if !ok {
		return
	}

	rt.controller.Invalidate()
	r.publish(notify.Event{
		Type: notify.EventInvalidated,
		PID:  pid,
		App:  rt.app.Name,
	})
}

// RouteTo switches pid's audio to the given output device set and
// persists the new route.
func (r *Router) RouteTo(ctx context.Context, pid uint32, deviceUIDs []string) error {
	rt, err := r.route(pid)
	if err != nil {
		return err
	}

	if err := rt.controller.UpdateDevices(ctx, deviceUIDs); err != nil {
		return err
	}

	r.mutateSettings(rt.app.Identifier, func(s *persist.AppSettings) {
		s.DeviceUIDs = rt.controller.CurrentDeviceUIDs()
	})
	r.publish(notify.Event{
		Type:       notify.EventDeviceSwitch,
		PID:        pid,
		App:        rt.app.Name,
		DeviceUIDs: rt.controller.CurrentDeviceUIDs(),
	})

	return nil
}

// SetVolume sets pid's target gain and persists it.
func (r *Router) SetVolume(pid uint32, volume float64) error {
	rt, err := r.route(pid)
	if err != nil {
		return err
	}

	rt.controller.SetVolume(volume)
	applied := rt.controller.Volume()

	r.mutateSettings(rt.app.Identifier, func(s *persist.AppSettings) {
		s.Volume = applied
	})
	r.publish(notify.Event{
		Type:   notify.EventVolumeChanged,
		PID:    pid,
		App:    rt.app.Name,
		Volume: applied,
	})

	return nil
}

// SetMute sets pid's mute flag and persists it.
func (r *Router) SetMute(pid uint32, muted bool) error {
	rt, err := r.route(pid)
	if err != nil {
		return err
	}

	rt.controller.SetMute(muted)

	r.mutateSettings(rt.app.Identifier, func(s *persist.AppSettings) {
		s.Muted = muted
	})
	r.publish(notify.Event{
		Type:  notify.EventMuteChanged,
		PID:   pid,
		App:   rt.app.Name,
		Muted: muted,
	})

	return nil
}

// UpdateEQSettings applies new equalizer gains for pid and persists
// them.
func (r *Router) UpdateEQSettings(pid uint32, settings dsp.EQSettings) error {
	rt, err := r.route(pid)
	if err != nil {
		return err
	}

	if err := rt.controller.UpdateEQSettings(settings); err != nil {
		return err
	}
	r.mutateSettings(rt.app.Identifier, func(s *persist.AppSettings) {
		s.EQ = settings
	})
	return nil
}

// UpdateCompressorSettings applies a new compressor curve for pid and
// persists it.
func (r *Router) UpdateCompressorSettings(pid uint32, settings dsp.CompressorSettings) error {
	rt, err := r.route(pid)
	if err != nil {
		return err
	}

	if err := rt.controller.UpdateCompressorSettings(settings); err != nil {
		return err
	}
	r.mutateSettings(rt.app.Identifier, func(s *persist.AppSettings) {
		s.Compressor = settings
	})
	return nil
}

// SetCompressorEnabled toggles pid's compressor stage and persists the
// flag.
func (r *Router) SetCompressorEnabled(pid uint32, enabled bool) error {
	rt, err := r.route(pid)
	if err != nil {
		return err
	}

	rt.controller.SetCompressorEnabled(enabled)
	r.mutateSettings(rt.app.Identifier, func(s *persist.AppSettings) {
		s.CompressorEnabled = enabled
	})
	return nil
}

// AudioLevel returns pid's smoothed peak meter.
func (r *Router) AudioLevel(pid uint32) (float64, error) {
	rt, err := r.route(pid)
	if err != nil {
		return 0, err
	}
	return rt.controller.AudioLevel(), nil
}

// Controller returns pid's controller for direct access (recorder
// attachment, device queries), or ErrUnknownApp.
func (r *Router) Controller(pid uint32) (*tap.Controller, error) {
	rt, err := r.route(pid)
	if err != nil {
		return nil, err
	}
	return rt.controller, nil
}

// RoutedPIDs lists the currently routed applications.
func (r *Router) RoutedPIDs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	pids := make([]uint32, 0, len(r.routes))
	for pid := range r.routes {
		pids = append(pids, pid)
	}
	return pids
}

// Refresh reconciles the routed set against discovery: controllers for
// exited applications are torn down. New applications are not
// auto-activated; that stays a caller decision.
func (r *Router) Refresh() error {
	apps, err := r.discovery.Apps()
	if err != nil {
		return fmt.Errorf("failed to enumerate applications: %w", err)
	}
	r.handleAppsChanged(apps)
	return nil
}

// Close deactivates every routed application and closes the notifier.
// Idempotent. The settings store and providers are owned by the caller
// and stay open.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	routes := r.routes
	r.routes = make(map[uint32]*route)
	r.mu.Unlock()

	for _, rt := range routes {
		rt.controller.Invalidate()
	}
	r.notifier.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Router.Close",
		"routes":   len(routes),
	}).Info("Router closed")
}

func (r *Router) route(pid uint32) (*route, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	rt, ok := r.routes[pid]
	if !ok {
		return nil, ErrUnknownApp
	}
	return rt, nil
}

func (r *Router) lookupApp(pid uint32) (discovery.App, error) {
	apps, err := r.discovery.Apps()
	if err != nil {
		return discovery.App{}, fmt.Errorf("failed to enumerate applications: %w", err)
	}
	for _, app := range apps {
		if app.PID == pid {
			return app, nil
		}
	}
	return discovery.App{}, ErrUnknownApp
}

func (r *Router) loadSettings(identifier string) persist.AppSettings {
	if r.store == nil {
		return persist.DefaultAppSettings()
	}
	settings, err := r.store.Load(identifier)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.loadSettings",
			"app":      identifier,
			"error":    err.Error(),
		}).Warn("Failed to load persisted settings, using defaults")
		return persist.DefaultAppSettings()
	}
	return settings
}

// mutateSettings applies fn to the persisted settings for identifier
// and saves the result. Persistence failures are logged, never
// surfaced: the live audio state already changed.
func (r *Router) mutateSettings(identifier string, fn func(*persist.AppSettings)) {
	if r.store == nil {
		return
	}
	settings, err := r.store.Load(identifier)
	if err != nil {
		settings = persist.DefaultAppSettings()
	}
	fn(&settings)
	if err := r.store.Save(identifier, settings); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.mutateSettings",
			"app":      identifier,
			"error":    err.Error(),
		}).Warn("Failed to persist settings")
	}
}

func (r *Router) publish(event notify.Event) {
	if err := r.notifier.Publish(event); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.publish",
			"type":     event.Type,
			"error":    err.Error(),
		}).Warn("Failed to publish routing event")
	}
}

// handleDeviceRemoved reroutes every application currently routed
// through the removed device to the default output. Best effort: a
// failed reroute is logged and published, not retried.
func (r *Router) handleDeviceRemoved(uid string) {
	r.mu.Lock()
	var affected []*route
	var pids []uint32
	for pid, rt := range r.routes {
		for _, d := range rt.controller.CurrentDeviceUIDs() {
			if d == uid {
				affected = append(affected, rt)
				pids = append(pids, pid)
				break
			}
		}
	}
	r.mu.Unlock()

	if len(affected) == 0 {
		return
	}

	fallback, err := r.devices.DefaultDevice()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleDeviceRemoved",
			"uid":      uid,
			"error":    err.Error(),
		}).Error("Device removed and no default output available")
		return
	}

	for i, rt := range affected {
		r.publish(notify.Event{
			Type:       notify.EventDeviceRemoved,
			PID:        pids[i],
			App:        rt.app.Name,
			DeviceUIDs: []string{uid},
		})

		err := rt.controller.UpdateDevices(context.Background(), []string{fallback.UID})
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Router.handleDeviceRemoved",
				"app":      rt.app.Name,
				"fallback": fallback.UID,
				"error":    err.Error(),
			}).Error("Failed to reroute after device removal")
			continue
		}

		r.mutateSettings(rt.app.Identifier, func(s *persist.AppSettings) {
			s.DeviceUIDs = []string{fallback.UID}
		})
		r.publish(notify.Event{
			Type:       notify.EventDeviceSwitch,
			PID:        pids[i],
			App:        rt.app.Name,
			DeviceUIDs: []string{fallback.UID},
		})
	}
}

// handleAppsChanged tears down controllers whose application exited.
func (r *Router) handleAppsChanged(apps []discovery.App) {
	running := make(map[uint32]bool, len(apps))
	for _, app := range apps {
		running[app.PID] = true
	}

	r.mu.Lock()
	var gone []uint32
	for pid := range r.routes {
		if !running[pid] {
			gone = append(gone, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range gone {
		logrus.WithFields(logrus.Fields{
			"function": "Router.handleAppsChanged",
			"pid":      pid,
		}).Info("Routed application exited, tearing down tap")
		r.Deactivate(pid)
	}
}
