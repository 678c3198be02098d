package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest(7, MethodToolsCall, ToolCallParams{
		Name:      "read_file",
		Arguments: map[string]interface{}{"path": "/tmp/x"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.JSONRPC != Version {
		t.Errorf("expected jsonrpc %q, got %q", Version, req.JSONRPC)
	}
	if req.ID != 7 {
		t.Errorf("expected id 7, got %d", req.ID)
	}
	if req.Method != MethodToolsCall {
		t.Errorf("expected method %q, got %q", MethodToolsCall, req.Method)
	}

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if !strings.Contains(string(raw), `"name":"read_file"`) {
		t.Errorf("serialized request missing params: %s", raw)
	}
}

func TestNewRequestNilParams(t *testing.T) {
	req, err := NewRequest(1, MethodInitialize, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if strings.Contains(string(raw), "params") {
		t.Errorf("nil params must be omitted, got %s", raw)
	}
}

func TestNewNotificationHasNoID(t *testing.T) {
	n := NewNotification(MethodShutdown)
	raw, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal notification: %v", err)
	}
	if strings.Contains(string(raw), `"id"`) {
		t.Errorf("notification must not carry an id, got %s", raw)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr bool
		wantOK  bool
	}{
		{
			name:   "result",
			line:   `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`,
			wantOK: true,
		},
		{
			name: "error",
			line: `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`,
		},
		{
			name:    "malformed json",
			line:    `{"jsonrpc":`,
			wantErr: true,
		},
		{
			name:    "wrong version",
			line:    `{"jsonrpc":"1.0","id":3,"result":{}}`,
			wantErr: true,
		},
		{
			name:    "result and error",
			line:    `{"jsonrpc":"2.0","id":4,"result":{},"error":{"code":-32000,"message":"x"}}`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := ParseResponse([]byte(tc.line))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected parse error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Ok() != tc.wantOK {
				t.Errorf("Ok() = %v, want %v", resp.Ok(), tc.wantOK)
			}
		})
	}
}

func TestRPCErrorString(t *testing.T) {
	e := &RPCError{Code: CodeMethodNotFound, Message: "Method not found: frobnicate"}
	got := e.Error()
	if !strings.Contains(got, "-32601") || !strings.Contains(got, "frobnicate") {
		t.Errorf("unexpected error string: %q", got)
	}
}

func TestInitializeParamsRoundtrip(t *testing.T) {
	params := InitializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo:      ClientInfo{Name: "ironclaw", Version: "0.1.0"},
	}
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if !strings.Contains(string(raw), `"protocolVersion":"`+ProtocolVersion+`"`) {
		t.Errorf("serialized params missing protocol version: %s", raw)
	}

	var decoded InitializeParams
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if decoded.ClientInfo.Name != "ironclaw" {
		t.Errorf("expected client name ironclaw, got %q", decoded.ClientInfo.Name)
	}
}
