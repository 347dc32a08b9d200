package wire

import (
	"encoding/json"
	"testing"
)

func TestMessage_Classification(t *testing.T) {
	tests := []struct {
		name         string
		msg          Message
		request      bool
		notification bool
		response     bool
	}{
		{
			name:    "request",
			msg:     Message{JSONRPC: Version, ID: "1", Method: "tools/list"},
			request: true,
		},
		{
			name:         "notification",
			msg:          Message{JSONRPC: Version, Method: "notifications/initialized"},
			notification: true,
		},
		{
			name:     "result response",
			msg:      Message{JSONRPC: Version, ID: "1", Result: []byte(`{}`)},
			response: true,
		},
		{
			name:     "error response",
			msg:      Message{JSONRPC: Version, ID: "1", Error: &RPCError{Code: CodeRequestCancelled, Message: "request cancelled"}},
			response: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsRequest(); got != tt.request {
				t.Errorf("IsRequest() = %v, want %v", got, tt.request)
			}
			if got := tt.msg.IsNotification(); got != tt.notification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.notification)
			}
			if got := tt.msg.IsResponse(); got != tt.response {
				t.Errorf("IsResponse() = %v, want %v", got, tt.response)
			}
		})
	}
}

func TestNewRequest(t *testing.T) {
	msg, err := NewRequest("abc", MethodResourcesSubscribe, SubscribeParams{URI: "file:///x"})
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if msg.JSONRPC != Version {
		t.Errorf("JSONRPC = %q, want %q", msg.JSONRPC, Version)
	}
	if !msg.IsRequest() {
		t.Error("built message should classify as request")
	}

	var params SubscribeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("params did not round-trip: %v", err)
	}
	if params.URI != "file:///x" {
		t.Errorf("URI = %q, want %q", params.URI, "file:///x")
	}
}

func TestNewRequest_NilParams(t *testing.T) {
	msg, err := NewRequest(1, "tools/list", nil)
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if msg.Params != nil {
		t.Errorf("Params = %q, want omitted", msg.Params)
	}
}

func TestNewNotification(t *testing.T) {
	msg, err := NewNotification(NotificationCancelled, CancelledParams{RequestID: "r1", Reason: "timeout"})
	if err != nil {
		t.Fatalf("NewNotification failed: %v", err)
	}
	if !msg.IsNotification() {
		t.Error("built message should classify as notification")
	}

	var params CancelledParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		t.Fatalf("params did not round-trip: %v", err)
	}
	if params.Reason != "timeout" {
		t.Errorf("Reason = %q, want %q", params.Reason, "timeout")
	}
}

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: CodeRequestCancelled, Message: "request cancelled"}
	want := "jsonrpc error -32800: request cancelled"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
