package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/mqui/mqui/pkg/types"
)

// Version is the wire protocol version this build speaks. It is sent in the
// hello payload and fixed for the remainder of the session.
const Version = 1

// Message types. Requests carry an ID; the matching response echoes it.
const (
	TypeHello        = "hello"
	TypeWelcome      = "welcome"
	TypeListPlugins  = "list_plugins"
	TypePluginList   = "plugin_list"
	TypePluginDelta  = "plugin_delta"
	TypeServerStatus = "server_status"
	TypeStatus       = "status"
	TypeReloadPlugin = "reload_plugin"
	TypeSetEnabled   = "set_enabled"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeAck          = "ack"
)

// Wire error codes carried in the envelope error field.
const (
	CodeAuthFailed    = "auth_failed"
	CodeUnknownPlugin = "unknown_plugin"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

// Envelope is the JSON frame body. Unknown fields are ignored on decode so
// newer servers can add fields without breaking older clients.
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Error   *WireError      `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WireError is a server-reported failure for one request.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HelloPayload opens a session: protocol version plus the credential.
type HelloPayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	Credential      string `json:"credential"`
	ClientName      string `json:"client_name,omitempty"`
}

// WelcomePayload is the server's answer to hello.
type WelcomePayload struct {
	ProtocolVersion int    `json:"protocol_version"`
	Software        string `json:"software"`
	Version         string `json:"version"`
}

// PluginListPayload is a full refresh: the complete plugin set plus metadata.
type PluginListPayload struct {
	Software string               `json:"software"`
	Version  string               `json:"version"`
	Plugins  []types.PluginRecord `json:"plugins"`
}

// PluginDeltaPayload describes incremental changes relative to the last
// full refresh the client holds.
type PluginDeltaPayload struct {
	Changes []types.PluginChange `json:"changes"`
}

// ServerStatusPayload answers a server_status query.
type ServerStatusPayload struct {
	Software      string `json:"software"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginCount   int    `json:"plugin_count"`
}

// PluginNamePayload names the target plugin of a command.
type PluginNamePayload struct {
	Name string `json:"name"`
}

// SetEnabledPayload enables or disables one plugin.
type SetEnabledPayload struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// AckPayload acknowledges a command.
type AckPayload struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}
