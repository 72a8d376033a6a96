package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cantonconnect/bridge/pkg/errcode"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// PingMethod is answered by the node itself and never reaches the bridge.
const PingMethod = "ping"

// Request is a JSON-RPC 2.0 request. A request without an ID is a
// notification and gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request with a numeric ID. params may be nil.
func NewRequest(id uint64, method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: Version,
		ID:      json.RawMessage(strconv.FormatUint(id, 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMarshalingRequest, err)
		}
		req.Params = raw
	}
	return req, nil
}

func (r Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is either the reply to a request (ID set, Result or Error set) or a
// server notification (no ID, Method and Params set).
type Response struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *errcode.RPCError `json:"error,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  json.RawMessage   `json:"params,omitempty"`
}

var nullID = json.RawMessage("null")

// NewResultResponse answers id with result.
func NewResultResponse(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: normalizeID(id), Result: raw}, nil
}

// NewErrorResponse answers id with err mapped to its JSON-RPC code.
func NewErrorResponse(id json.RawMessage, err error) *Response {
	return &Response{JSONRPC: Version, ID: normalizeID(id), Error: errcode.ToRPCError(err)}
}

// NewNotification builds a server-initiated message.
func NewNotification(method string, params any) (*Response, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, Method: method, Params: raw}, nil
}

func (r Response) IsNotification() bool {
	return len(r.ID) == 0 && r.Method != ""
}

// RequestID returns the numeric ID of a response to a request created with
// NewRequest.
func (r Response) RequestID() (uint64, bool) {
	if len(r.ID) == 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(string(bytes.TrimSpace(r.ID)), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Err returns the response error converted back to a bridge error, or nil.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return errcode.FromRPCError(r.Error)
}

// Decode unmarshals the result into dst.
func (r Response) Decode(dst any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if dst == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, dst)
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return nullID
	}
	return id
}
