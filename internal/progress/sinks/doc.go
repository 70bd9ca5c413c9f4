// Package sinks holds the progress consumers: structured logs and a
// publisher that forwards run events to a message topic.
package sinks
