package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Subject prefix for all published events.
const subjectPrefix = "proctap.events."

// Event types published by the router.
const (
	EventActivated     = "activated"
	EventInvalidated   = "invalidated"
	EventDeviceSwitch  = "device_switch"
	EventDeviceRemoved = "device_removed"
	EventVolumeChanged = "volume_changed"
	EventMuteChanged   = "mute_changed"
)

// Event is the wire payload for one routing event.
type Event struct {
	Type       string    `json:"type"`
	PID        uint32    `json:"pid,omitempty"`
	App        string    `json:"app,omitempty"`
	DeviceUIDs []string  `json:"device_uids,omitempty"`
	Volume     float64   `json:"volume,omitempty"`
	Muted      bool      `json:"muted,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier publishes routing events. Implementations must not block
// the caller for long; the router publishes from its control path.
type Notifier interface {
	Publish(event Event) error
	Close()
}

// Connection is the seam over a NATS connection, so tests can inject a
// recording fake without a running broker.
type Connection interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSNotifier publishes events as JSON on proctap.events.<type>.
type NATSNotifier struct {
	conn Connection
}

// NewNATSNotifier connects to the NATS server at url.
func NewNATSNotifier(url string) (*NATSNotifier, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewNATSNotifier",
		"url":      url,
	}).Info("Connected to NATS event bus")

	return &NATSNotifier{conn: nc}, nil
}

// NewNATSNotifierWithConnection wraps an existing connection. Used by
// tests and by callers that manage their own NATS client.
func NewNATSNotifierWithConnection(conn Connection) *NATSNotifier {
	return &NATSNotifier{conn: conn}
}

// Publish implements Notifier.
func (n *NATSNotifier) Publish(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	if err := n.conn.Publish(subjectPrefix+event.Type, data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

// Close implements Notifier.
func (n *NATSNotifier) Close() {
	n.conn.Close()
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(Event) error { return nil }

// Close implements Notifier.
func (NopNotifier) Close() {}
