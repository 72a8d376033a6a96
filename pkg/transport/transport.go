// Package transport implements the request/response security protocol shared
// by every way of reaching a wallet: an in-process call, a popup with message
// passing, a deep link with callback, and a deterministic mock.
//
// All variants follow the same rules. Each request carries a fresh random
// state and only a response echoing that exact state is accepted. Messages
// from origins outside Options.AllowedOrigins are ignored. A timeout always
// wins over a late response. A response carrying a job id is resolved by
// polling the job status endpoint.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

const (
	// DefaultTimeout bounds connect and sign requests.
	DefaultTimeout = 60 * time.Second
	// ManualApprovalTimeout bounds flows that wait on a scan or a manual approval.
	ManualApprovalTimeout = 300 * time.Second
	// JobStatusTimeout bounds a single job status request.
	JobStatusTimeout = 5 * time.Second
	// DefaultPollInterval paces job status requests.
	DefaultPollInterval = time.Second

	stateBytes = 32
)

// Transport opens connect and sign requests against a wallet endpoint.
type Transport interface {
	OpenConnectRequest(ctx context.Context, endpoint string, req core.ConnectRequest, opts Options) (*ConnectResponse, error)
	OpenSignRequest(ctx context.Context, endpoint string, req core.SignRequest, opts Options) (*SignResponse, error)
}

// JobPoller fetches the status of an asynchronous approval job.
type JobPoller interface {
	PollJobStatus(ctx context.Context, jobID, statusEndpoint string, opts Options) (*JobStatus, error)
}

// Options tune a single request.
type Options struct {
	// AllowedOrigins restricts which origins may answer. Empty allows any.
	AllowedOrigins []string
	// Timeout bounds the whole request including job polling.
	Timeout time.Duration
	// PollInterval paces job status requests.
	PollInterval time.Duration
	// StatusEndpoint is polled when a response carries a job id.
	StatusEndpoint string
}

// OriginAllowed reports whether origin may answer a request made with o.
func (o Options) OriginAllowed(origin string) bool {
	if len(o.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range o.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}

func (o Options) timeout(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return def
}

func (o Options) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return DefaultPollInterval
}

// GenerateState returns 32 random bytes, hex encoded.
func GenerateState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Message is an inbound frame on a shared channel.
type Message struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
	// Redirect marks a callback that arrived as a browser redirect. Redirects
	// carry no Origin header, so one without an origin is matched on state
	// alone.
	Redirect bool `json:"-"`
}

type ConnectResponse struct {
	State        string                 `json:"state"`
	PartyID      core.PartyID           `json:"partyId,omitempty"`
	SessionID    core.SessionID         `json:"sessionId,omitempty"`
	Network      core.NetworkID         `json:"network,omitempty"`
	Capabilities []core.Capability      `json:"capabilities,omitempty"`
	Accounts     core.Accounts          `json:"accounts,omitempty"`
	JobID        string                 `json:"jobId,omitempty"`
	Error        *errcode.ProviderError `json:"error,omitempty"`
}

type SignResponse struct {
	State     string                 `json:"state"`
	Signature core.Signature         `json:"signature,omitempty"`
	SignedBy  string                 `json:"signedBy,omitempty"`
	Party     core.PartyID           `json:"party,omitempty"`
	JobID     string                 `json:"jobId,omitempty"`
	Error     *errcode.ProviderError `json:"error,omitempty"`
}

type JobState string

const (
	JobPending  JobState = "pending"
	JobApproved JobState = "approved"
	JobDenied   JobState = "denied"
)

func (s JobState) Terminal() bool {
	return s == JobApproved || s == JobDenied
}

type JobStatus struct {
	JobID  string                 `json:"jobId"`
	Status JobState               `json:"status"`
	Result json.RawMessage        `json:"result,omitempty"`
	Error  *errcode.ProviderError `json:"error,omitempty"`
}
