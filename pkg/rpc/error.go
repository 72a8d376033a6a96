package rpc

import (
	"fmt"

	"github.com/cantonconnect/bridge/pkg/errcode"
)

// Dialer error messages
var (
	// Connection errors
	ErrAlreadyConnected  = fmt.Errorf("already connected")
	ErrNotConnected      = fmt.Errorf("not connected to server")
	ErrConnectionTimeout = fmt.Errorf("websocket connection timeout")
	ErrReadingMessage    = fmt.Errorf("error reading message")

	// Request/Response errors
	ErrNilRequest        = fmt.Errorf("nil request")
	ErrMarshalingRequest = fmt.Errorf("error marshaling request")
	ErrSendingRequest    = fmt.Errorf("error sending request")
	ErrNoResponse        = fmt.Errorf("no response received")
	ErrSendingPing       = fmt.Errorf("error sending ping")

	// WebSocket-specific errors
	ErrDialingWebsocket = fmt.Errorf("error dialing websocket server")
)

// Frame-level failures happen before a method is known, so they carry the
// JSON-RPC envelope codes instead of a bridge kind's canonical code.

func parseError(err error) *errcode.RPCError {
	return &errcode.RPCError{
		Code:    errcode.RPCParseError,
		Message: "parse error: " + err.Error(),
		Data:    errcode.ErrorData{Kind: errcode.RegistrySchemaInvalid},
	}
}

func invalidRequest(msg string) *errcode.RPCError {
	return &errcode.RPCError{
		Code:    errcode.RPCInvalidRequest,
		Message: "invalid request: " + msg,
		Data:    errcode.ErrorData{Kind: errcode.RegistrySchemaInvalid},
	}
}
