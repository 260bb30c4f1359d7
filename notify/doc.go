// Package notify publishes routing events (activation, device
// switches, device removals, level settings) to a NATS bus so external
// tooling can observe what the router is doing. NopNotifier drops
// everything for deployments without a bus.
package notify
