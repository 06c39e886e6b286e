// This file defines the extensibility hooks of pondsync. A MetricsCollector receives the
// lifecycle signals of channel sessions, the reconciler and presence tracking so they can be
// forwarded to Prometheus, StatsD or any other monitoring system.
package pondsync

import (
	"time"
)

// MetricsCollector defines the interface for collecting synchronization metrics.
type MetricsCollector interface {
	// ChannelOpened is called when a new channel session is created.
	ChannelOpened(channel string)

	// ChannelClosed is called when a session is torn down, with its lifetime.
	ChannelClosed(channel string, lifetime time.Duration)

	// ReconnectScheduled is called whenever a failed session schedules a reconnect.
	ReconnectScheduled(channel string, attempt int, delay time.Duration)

	// EventDispatched tracks debounced deliveries; collapsed is the number of events the
	// burst absorbed.
	EventDispatched(channel string, collection string, collapsed int)

	// MessageReconciled is called when a server echo replaces an optimistic entry.
	MessageReconciled(conversationID string)

	// MessageFailed is called when a message exhausts its send retries.
	MessageFailed(conversationID string)

	// PresenceSynced reports the derived online count after a presence recomputation.
	PresenceSynced(channel string, online int)
}

// Hooks bundles optional callbacks installed on a Client.
type Hooks struct {
	Metrics MetricsCollector

	// OnStateChange observes every channel session state transition.
	OnStateChange func(channel string, state ConnectionState)
}

func (h *Hooks) metrics() MetricsCollector {
	if h == nil || h.Metrics == nil {
		return noopMetrics{}
	}
	return h.Metrics
}

func (h *Hooks) stateChanged(channel string, state ConnectionState) {
	if h == nil || h.OnStateChange == nil {
		return
	}
	h.OnStateChange(channel, state)
}

type noopMetrics struct{}

func (noopMetrics) ChannelOpened(string)                          {}
func (noopMetrics) ChannelClosed(string, time.Duration)           {}
func (noopMetrics) ReconnectScheduled(string, int, time.Duration) {}
func (noopMetrics) EventDispatched(string, string, int)           {}
func (noopMetrics) MessageReconciled(string)                      {}
func (noopMetrics) MessageFailed(string)                          {}
func (noopMetrics) PresenceSynced(string, int)                    {}
