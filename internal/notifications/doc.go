// Package notifications delivers burn job events via ntfy.
//
// NewService publishes to the topic configured under [notifications] and
// degrades to a no-op when no topic is set. Callers publish an Event with a
// Payload; the service formats title, message, tags and priority so every
// caller produces the same operator-facing text. Completion and failure
// events can be switched off individually in the config.
package notifications
