package handlers

import (
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// MessageContextBase holds the metadata and logger shared by JSON and proto
// handlers.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing messages without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadatapkg.KeyCorrelationID]
}

// Channel names the channel the message was delivered from.
func (b MessageContextBase) Channel() string {
	return b.Metadata[metadatapkg.KeyChannel]
}

// ReplyChannel returns the reply channel requested by the sender, if any.
func (b MessageContextBase) ReplyChannel() string {
	return b.Metadata[metadatapkg.KeyReplyChannel]
}
