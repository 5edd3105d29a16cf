// Package types defines the core domain model shared across the engine.
package types

import (
	"fmt"
	"time"
)

// Endpoint is the immutable identity of one server session.
type Endpoint struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Credential string `json:"-"`
}

// Addr returns the host:port dial address for the endpoint.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Compatibility describes how a plugin relates to the server version it runs on.
type Compatibility string

const (
	CompatUnknown      Compatibility = ""
	CompatOK           Compatibility = "ok"
	CompatOutdated     Compatibility = "outdated"
	CompatIncompatible Compatibility = "incompatible"
)

// PluginRecord describes one installed plugin as reported by the server.
// Records are owned by the reconciler and never mutated after publication.
type PluginRecord struct {
	Name          string        `json:"name"`
	Version       string        `json:"version"`
	Enabled       bool          `json:"enabled"`
	Compatibility Compatibility `json:"compatibility,omitempty"`
}

// PluginChange is one entry of a delta response. Removed takes precedence
// over the remaining fields; otherwise the change is an upsert keyed by Name.
type PluginChange struct {
	Name          string        `json:"name"`
	Version       string        `json:"version,omitempty"`
	Enabled       bool          `json:"enabled,omitempty"`
	Compatibility Compatibility `json:"compatibility,omitempty"`
	Removed       bool          `json:"removed,omitempty"`
}

// ServerMetadata describes the server software behind a session.
type ServerMetadata struct {
	Software string    `json:"software"`
	Version  string    `json:"version"`
	LastSeen time.Time `json:"last_seen"`
}

// StateSnapshot is an immutable point-in-time aggregate of server and plugin
// state. Seq is strictly increasing for the lifetime of one session; consumers
// hold snapshots by shared-read reference and must not mutate them.
type StateSnapshot struct {
	Seq     uint64
	Server  ServerMetadata
	Plugins []PluginRecord
	Taken   time.Time
}

// Plugin returns the record for name, if present in the snapshot.
func (s *StateSnapshot) Plugin(name string) (PluginRecord, bool) {
	for _, p := range s.Plugins {
		if p.Name == name {
			return p, true
		}
	}
	return PluginRecord{}, false
}

// SessionState is the supervisor's lifecycle state. Transitions happen only
// inside the supervisor's run loop; see internal/session.
type SessionState int

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateAuthenticating
	StateLive
	StateReconnecting
	StateFatal
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateFatal:
		return "disconnected(fatal)"
	default:
		return "unknown"
	}
}
