package core

import "encoding/json"

// ConnectRequest is sent to a wallet to open a connection. State is a fresh
// nonce per request.
type ConnectRequest struct {
	AppName               string       `json:"appName"`
	Origin                string       `json:"origin"`
	Network               NetworkID    `json:"network"`
	State                 string       `json:"state"`
	RedirectURI           string       `json:"redirectUri,omitempty"`
	RequestedCapabilities []Capability `json:"requestedCapabilities,omitempty"`
}

type SignKind string

const (
	SignKindMessage     SignKind = "message"
	SignKindTransaction SignKind = "transaction"
)

// SignRequest asks a wallet to sign a message or a prepared transaction.
type SignRequest struct {
	AppName               string          `json:"appName"`
	Origin                string          `json:"origin"`
	Network               NetworkID       `json:"network"`
	State                 string          `json:"state"`
	RedirectURI           string          `json:"redirectUri,omitempty"`
	RequestedCapabilities []Capability    `json:"requestedCapabilities,omitempty"`
	Kind                  SignKind        `json:"kind"`
	Party                 PartyID         `json:"party,omitempty"`
	Payload               json.RawMessage `json:"payload,omitempty"`
}
