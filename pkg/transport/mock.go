package transport

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

var (
	_ Transport = (*MockTransport)(nil)
	_ JobPoller = (*MockTransport)(nil)
)

// MockTransport answers without any wallet. The same state always yields the
// same response: identifiers and signatures are derived from Keccak256 of the
// state unless a canned response was set for it.
type MockTransport struct {
	base

	mu       sync.Mutex
	connects map[string]ConnectResponse
	signs    map[string]SignResponse
	jobs     map[string][]JobStatus
}

func NewMockTransport(opts ...Option) *MockTransport {
	return &MockTransport{
		base:     newBase("mock", opts),
		connects: make(map[string]ConnectResponse),
		signs:    make(map[string]SignResponse),
		jobs:     make(map[string][]JobStatus),
	}
}

// SetConnectResponse cans the answer to a connect request with state.
func (m *MockTransport) SetConnectResponse(state string, resp ConnectResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects[state] = resp
}

// SetSignResponse cans the answer to a sign request with state.
func (m *MockTransport) SetSignResponse(state string, resp SignResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signs[state] = resp
}

// ScriptJob sets the statuses returned by successive polls of jobID. The last
// status repeats once the script is exhausted.
func (m *MockTransport) ScriptJob(jobID string, statuses ...JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID] = statuses
}

// MockPartyID is the party a mock connect with state resolves to.
func MockPartyID(state string) core.PartyID {
	return core.PartyID("mock::1220" + hex.EncodeToString(ethcrypto.Keccak256([]byte(state))))
}

func (m *MockTransport) OpenConnectRequest(ctx context.Context, _ string, req core.ConnectRequest, opts Options) (resp *ConnectResponse, err error) {
	start := time.Now()
	defer func() { m.observe("connect", start, err) }()

	if req.State == "" {
		if req.State, err = newState(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	canned, ok := m.connects[req.State]
	m.mu.Unlock()

	if ok {
		if canned.State == "" {
			canned.State = req.State
		}
		return finishDecoded[ConnectResponse, *ConnectResponse](ctx, &canned, req.State, m.jobPoller(), opts)
	}

	h := ethcrypto.Keccak256([]byte(req.State))
	party := MockPartyID(req.State)
	network := req.Network
	if network == "" {
		network = core.NetworkLocal
	}
	caps := req.RequestedCapabilities
	if len(caps) == 0 {
		caps = []core.Capability{core.CapConnect, core.CapDisconnect, core.CapSignMessage}
	}

	return &ConnectResponse{
		State:        req.State,
		PartyID:      party,
		SessionID:    core.SessionID("mock-session-" + hex.EncodeToString(h[:16])),
		Network:      network,
		Capabilities: caps,
		Accounts: core.Accounts{{
			PartyID:           party,
			Primary:           true,
			Status:            core.AccountAllocated,
			Hint:              "mock",
			PublicKey:         hex.EncodeToString(h),
			Namespace:         "1220" + hex.EncodeToString(h[:8]),
			NetworkID:         network,
			SigningProviderID: "mock",
		}},
	}, nil
}

func (m *MockTransport) OpenSignRequest(ctx context.Context, _ string, req core.SignRequest, opts Options) (resp *SignResponse, err error) {
	start := time.Now()
	defer func() { m.observe("sign", start, err) }()

	if req.State == "" {
		if req.State, err = newState(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	canned, ok := m.signs[req.State]
	m.mu.Unlock()

	if ok {
		if canned.State == "" {
			canned.State = req.State
		}
		return finishDecoded[SignResponse, *SignResponse](ctx, &canned, req.State, m.jobPoller(), opts)
	}

	sig := ethcrypto.Keccak256([]byte(req.State), req.Payload)
	party := req.Party
	if party == "" {
		party = MockPartyID(req.State)
	}
	return &SignResponse{
		State:     req.State,
		Signature: core.Signature("0x" + hex.EncodeToString(sig)),
		SignedBy:  "mock-signer",
		Party:     party,
	}, nil
}

func (m *MockTransport) PollJobStatus(_ context.Context, jobID, _ string, _ Options) (*JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	script, ok := m.jobs[jobID]
	if !ok || len(script) == 0 {
		return nil, errcode.Newf(errcode.TransportError, "unknown job %s", jobID)
	}
	status := script[0]
	if len(script) > 1 {
		m.jobs[jobID] = script[1:]
	}
	if status.JobID == "" {
		status.JobID = jobID
	}
	return &status, nil
}

func (m *MockTransport) jobPoller() JobPoller {
	if m.poller != nil {
		return m.poller
	}
	return m
}
