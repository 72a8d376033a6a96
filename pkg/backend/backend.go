// Package backend defines the contract every wallet implementation fulfils
// and the adapters shipped with the bridge.
//
// A Backend always supports connect and disconnect. Every other capability
// it declares must be backed by the matching optional interface; Guard and
// Validate detect a backend that declares more than it implements.
package backend

import (
	"context"
	"encoding/json"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/eventbus"
)

// Installation is the result of DetectInstalled.
type Installation struct {
	Installed bool   `json:"installed"`
	Reason    string `json:"reason,omitempty"`
}

// ConnectContext describes the dApp a call is made on behalf of.
type ConnectContext struct {
	AppName string
	Origin  string
	Network core.NetworkID
}

type ConnectOptions struct {
	Network               core.NetworkID
	RequestedCapabilities []core.Capability
	// State pins the request nonce on the mock transport. Real transports
	// always generate a fresh one.
	State       string
	RedirectURI string
}

// Backend is the wallet-specific side of the bridge.
type Backend interface {
	ID() core.WalletID
	Capabilities() core.CapabilitySet
	DetectInstalled(ctx context.Context) Installation
	Connect(ctx context.Context, cc ConnectContext, opts *ConnectOptions) (*core.ConnectResult, error)
	Disconnect(ctx context.Context, cc ConnectContext, s *core.Session) error
}

// Restorer confirms a persisted session is still live on the wallet side.
type Restorer interface {
	Restore(ctx context.Context, cc ConnectContext, s *core.Session) (bool, error)
}

type SignResult struct {
	Signature core.Signature `json:"signature"`
	SignedBy  string         `json:"signedBy"`
	Party     core.PartyID   `json:"party"`
}

type MessageSigner interface {
	SignMessage(ctx context.Context, cc ConnectContext, s *core.Session, message string) (*SignResult, error)
}

type TransactionSigner interface {
	SignTransaction(ctx context.Context, cc ConnectContext, s *core.Session, tx json.RawMessage) (*SignResult, error)
}

type SubmitRequest struct {
	CommandID   core.CommandID  `json:"commandId"`
	Transaction json.RawMessage `json:"transaction"`
	Signed      SignResult      `json:"signed"`
}

type SubmitResult struct {
	UpdateID         string `json:"updateId"`
	CompletionOffset int64  `json:"completionOffset"`
}

type TransactionSubmitter interface {
	SubmitTransaction(ctx context.Context, cc ConnectContext, s *core.Session, req SubmitRequest) (*SubmitResult, error)
}

// LedgerRequest is a ledger JSON API call proxied through the wallet.
type LedgerRequest struct {
	RequestMethod string          `json:"requestMethod" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Resource      string          `json:"resource" validate:"required,startswith=/"`
	Body          json.RawMessage `json:"body,omitempty"`
}

type LedgerProxy interface {
	LedgerAPI(ctx context.Context, s *core.Session, req LedgerRequest) (json.RawMessage, error)
}

// EventSource lets the bridge republish wallet-originated events. The
// returned func removes the handler.
type EventSource interface {
	On(event eventbus.Event, fn eventbus.Listener) func()
}

// NetworkReporter reports the network the wallet is currently on.
type NetworkReporter interface {
	ActiveNetwork(ctx context.Context, s *core.Session) (core.NetworkID, error)
}

type AccountLister interface {
	ListAccounts(ctx context.Context, s *core.Session) (core.Accounts, error)
}
