// Package event provides the typed publish/subscribe bus that carries plugin
// lifecycle notifications between runtime components.
package event

import "time"

// Topic names a class of events.
type Topic string

// Lifecycle topics published by the plugin manager.
const (
	TopicPluginLoading   Topic = "plugin.loading"
	TopicPluginLoaded    Topic = "plugin.loaded"
	TopicPluginStarting  Topic = "plugin.starting"
	TopicPluginStarted   Topic = "plugin.started"
	TopicPluginStopping  Topic = "plugin.stopping"
	TopicPluginStopped   Topic = "plugin.stopped"
	TopicPluginUnloading Topic = "plugin.unloading"
	TopicPluginUnloaded  Topic = "plugin.unloaded"
	TopicPluginError     Topic = "plugin.error"

	// TopicPluginCustom carries events emitted by plugins themselves.
	TopicPluginCustom Topic = "plugin.custom"

	TopicExtensionRegistered Topic = "extension.registered"

	TopicInstanceActivated Topic = "instance.activated"
	TopicInstanceDestroyed Topic = "instance.destroyed"
)

// TopicAll subscribes to every topic.
const TopicAll Topic = "*"

// Event is a single notification.
type Event struct {
	Topic    Topic
	PluginID string
	Time     time.Time
	Data     map[string]any
	Err      error
}
