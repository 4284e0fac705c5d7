package sandbox

import (
	"encoding/json"
	"strings"
)

const (
	jsonRPCVersion = "2.0"
	maxMessageSize = 16 * 1024 * 1024
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage covers both responses (ID set) and notifications (Method set)
// arriving on the worker's stdout.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type rpcReply struct {
	result json.RawMessage
	err    *rpcError
}

// outputChunk is the params of an exec.output notification. ID tags the
// chunk to the submission that produced it.
type outputChunk struct {
	ID     int    `json:"id"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// displayChunk is the params of an exec.display notification.
type displayChunk struct {
	ID    int    `json:"id"`
	Media string `json:"media"`
	Data  string `json:"data"`
}

// execResultWire is the final response body of an exec submission. Captured
// output travels separately in notifications.
type execResultWire struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ExecCount int    `json:"exec_count"`
}

func remoteError(e *rpcError) error {
	if e == nil {
		return nil
	}
	code := ""
	if e.Data != nil {
		if v, ok := e.Data["error_code"].(string); ok {
			code = v
		}
	}
	if code == "" && strings.EqualFold(e.Message, codeUnavailable) {
		code = codeUnavailable
	}
	if code == codeUnavailable {
		return ErrUnavailable
	}
	return &RemoteError{Code: code, Message: e.Message}
}
