package wire

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 message envelope and MCP protocol types

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// JSON-RPC error codes used by the engine
const (
	// CodeParseError is the standard JSON-RPC parse error code.
	CodeParseError = -32700
	// CodeMethodNotFound is the standard JSON-RPC unknown-method code.
	CodeMethodNotFound = -32601
	// CodeRequestCancelled is the reserved code servers attach to a response
	// for a request that was cancelled at the caller's request.
	CodeRequestCancelled = -32800
)

// MCP method and notification names
const (
	MethodInitialize           = "initialize"
	MethodResourcesSubscribe   = "resources/subscribe"
	MethodResourcesUnsubscribe = "resources/unsubscribe"

	NotificationInitialized          = "notifications/initialized"
	NotificationCancelled            = "notifications/cancelled"
	NotificationResourcesUpdated     = "notifications/resources/updated"
	NotificationResourcesListChanged = "notifications/resources/list_changed"
)

// Message is a decoded JSON-RPC message: request, response, or notification.
// The decoder emits all three shapes, so a single envelope carries every
// combination and the Is* helpers classify a given instance.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsRequest returns true for messages that expect a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsNotification returns true for one-way messages without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsResponse returns true for replies carrying a result or an error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request message with the given id, method, and params.
// A nil params produces a request with no params field.
func NewRequest(id any, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message (no id, no response expected).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}

// RPCError represents a JSON-RPC error object
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// MCP protocol specific types

// InitializeParams for the initialize method
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

// ClientCapabilities advertised by the engine during the handshake
type ClientCapabilities struct {
	Roots *RootsCapability `json:"roots,omitempty"`
}

// RootsCapability signals workspace-roots support
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ClientInfo identifies the connecting client
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult for the initialize response
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerCapabilities as reported by an MCP server
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

// ToolsCapability represents tool-related capabilities
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resource-related capabilities.
// Subscribe gates whether resources/subscribe calls are worth attempting.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerInfo identifies the remote server
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// CancelledParams is the payload of notifications/cancelled in both directions
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// SubscribeParams is the payload of resources/subscribe and resources/unsubscribe
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is the payload of notifications/resources/updated
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}
