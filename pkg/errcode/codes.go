package errcode

import "fmt"

// Provider code space.
const (
	ProviderUserRejected               = 4001
	ProviderUnauthorized               = 4100
	ProviderUnsupportedMethod          = 4200
	ProviderDisconnected               = 4900
	ProviderNetworkDisconnected        = 4901
	ProviderWalletNotFound             = 4902
	ProviderWalletNotInstalled         = 4903
	ProviderTimeout                    = 4904
	ProviderRegistryFetchFailed        = 4905
	ProviderRegistryVerificationFailed = 4906
	ProviderRegistrySchemaInvalid      = 4907
	ProviderInternal                   = 4908
)

// JSON-RPC code space.
const (
	RPCParseError                 = -32700
	RPCInvalidRequest             = -32600
	RPCMethodNotFound             = -32601
	RPCInvalidParams              = -32602
	RPCInternalError              = -32603
	RPCTransportError             = -32000
	RPCWalletNotFound             = -32001
	RPCWalletNotInstalled         = -32002
	RPCUserRejected               = -32003
	RPCTimeout                    = -32004
	RPCSessionExpired             = -32005
	RPCRegistryFetchFailed        = -32006
	RPCRegistryVerificationFailed = -32007
)

var providerCodes = map[Kind]int{
	UserRejected:               ProviderUserRejected,
	OriginNotAllowed:           ProviderUnauthorized,
	CapabilityNotSupported:     ProviderUnsupportedMethod,
	SessionExpired:             ProviderDisconnected,
	TransportError:             ProviderNetworkDisconnected,
	WalletNotFound:             ProviderWalletNotFound,
	WalletNotInstalled:         ProviderWalletNotInstalled,
	Timeout:                    ProviderTimeout,
	RegistryFetchFailed:        ProviderRegistryFetchFailed,
	RegistryVerificationFailed: ProviderRegistryVerificationFailed,
	RegistrySchemaInvalid:      ProviderRegistrySchemaInvalid,
	Internal:                   ProviderInternal,
}

var rpcCodes = map[Kind]int{
	UserRejected:               RPCUserRejected,
	OriginNotAllowed:           RPCInvalidRequest,
	CapabilityNotSupported:     RPCMethodNotFound,
	SessionExpired:             RPCSessionExpired,
	TransportError:             RPCTransportError,
	WalletNotFound:             RPCWalletNotFound,
	WalletNotInstalled:         RPCWalletNotInstalled,
	Timeout:                    RPCTimeout,
	RegistryFetchFailed:        RPCRegistryFetchFailed,
	RegistryVerificationFailed: RPCRegistryVerificationFailed,
	RegistrySchemaInvalid:      RPCInvalidParams,
	Internal:                   RPCInternalError,
}

var (
	providerKinds = invert(providerCodes)
	rpcKinds      = invert(rpcCodes)
)

func init() {
	// A payload that cannot be decoded fails its schema.
	rpcKinds[RPCParseError] = RegistrySchemaInvalid
}

func invert(m map[Kind]int) map[int]Kind {
	out := make(map[int]Kind, len(m))
	for k, code := range m {
		if prev, dup := out[code]; dup {
			panic(fmt.Sprintf("errcode: code %d assigned to both %s and %s", code, prev, k))
		}
		out[code] = k
	}
	return out
}

// ProviderCode returns the canonical provider code of kind.
func ProviderCode(kind Kind) int {
	if c, ok := providerCodes[kind]; ok {
		return c
	}
	return ProviderInternal
}

// RPCCode returns the canonical JSON-RPC code of kind.
func RPCCode(kind Kind) int {
	if c, ok := rpcCodes[kind]; ok {
		return c
	}
	return RPCInternalError
}

// FromProviderCode returns the kind of a provider code. Unknown codes map to
// Internal with ok false.
func FromProviderCode(code int) (Kind, bool) {
	k, ok := providerKinds[code]
	if !ok {
		return Internal, false
	}
	return k, true
}

// FromRPCCode returns the kind of a JSON-RPC code. Unknown codes map to
// Internal with ok false.
func FromRPCCode(code int) (Kind, bool) {
	k, ok := rpcKinds[code]
	if !ok {
		return Internal, false
	}
	return k, true
}

// ProviderError is the provider-space wire shape of an error.
type ProviderError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// RPCError is the JSON-RPC-space wire shape of an error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData is the data member attached to wire errors.
type ErrorData struct {
	Kind    Kind           `json:"kind"`
	Details map[string]any `json:"details,omitempty"`
}

func ToProviderError(err error) *ProviderError {
	e := Classify(err)
	if e == nil {
		return nil
	}
	return &ProviderError{
		Code:    ProviderCode(e.Kind),
		Message: e.Message,
		Data:    ErrorData{Kind: e.Kind, Details: e.Details},
	}
}

func ToRPCError(err error) *RPCError {
	e := Classify(err)
	if e == nil {
		return nil
	}
	return &RPCError{
		Code:    RPCCode(e.Kind),
		Message: e.Message,
		Data:    ErrorData{Kind: e.Kind, Details: e.Details},
	}
}

// FromProviderError converts a provider-space error received from a wallet.
func FromProviderError(pe *ProviderError) *Error {
	kind, _ := FromProviderCode(pe.Code)
	return New(kind, pe.Message)
}

// FromRPCError converts a JSON-RPC-space error received from a wallet.
func FromRPCError(re *RPCError) *Error {
	kind, _ := FromRPCCode(re.Code)
	return New(kind, re.Message)
}
