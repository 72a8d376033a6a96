package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/bridge"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/lifecycle"
	"github.com/cantonconnect/bridge/pkg/log"
	"github.com/cantonconnect/bridge/pkg/transport"
)

const conformanceOrigin = "https://conformance.local"

// ConformanceCheck is one protocol property exercised against a fresh bridge
// and mock wallet.
type ConformanceCheck struct {
	Name string
	Opts []backend.MockOption
	Run  func(ctx context.Context, h *conformanceHarness) error
}

type ConformanceResult struct {
	Name string
	Err  error
}

type conformanceHarness struct {
	bridge *bridge.Bridge
	wallet *backend.MockBackend
	txs    chan lifecycle.Event
}

func newConformanceHarness(logger log.Logger, opts []backend.MockOption) (*conformanceHarness, error) {
	h := &conformanceHarness{
		wallet: backend.NewMockBackend("mock", transport.NewMockTransport(), opts...),
		txs:    make(chan lifecycle.Event, 16),
	}
	b, err := bridge.New(bridge.Config{AppName: "conformance", Backend: h.wallet, Logger: logger})
	if err != nil {
		return nil, err
	}
	h.bridge = b
	b.On(eventbus.TxChanged, func(payload any) {
		if ev, ok := payload.(lifecycle.Event); ok {
			h.txs <- ev
		}
	})
	return h, nil
}

func (h *conformanceHarness) close() {
	h.bridge.Close()
	h.wallet.Close()
}

func (h *conformanceHarness) call(ctx context.Context, method string, params any) (any, error) {
	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return nil, err
		}
	}
	return h.bridge.Request(ctx, bridge.RequestArgs{Method: method, Params: raw, Origin: conformanceOrigin})
}

// lifecycle collects the txChanged events already delivered. The terminal
// event of a call reaches listeners before the call returns, so all n must be
// there without waiting.
func (h *conformanceHarness) lifecycle(n int) ([]core.CommandStatus, error) {
	var statuses []core.CommandStatus
	var id core.CommandID
	for len(statuses) < n {
		select {
		case ev := <-h.txs:
			if id == "" {
				id = ev.CommandID
			} else if ev.CommandID != id {
				return nil, fmt.Errorf("command id changed from %s to %s", id, ev.CommandID)
			}
			statuses = append(statuses, ev.Status)
		default:
			return statuses, fmt.Errorf("only %d of %d lifecycle events delivered before the call returned", len(statuses), n)
		}
	}

	select {
	case ev := <-h.txs:
		return nil, fmt.Errorf("unexpected extra lifecycle event %s", ev.Status)
	case <-time.After(50 * time.Millisecond):
	}
	return statuses, nil
}

var testTransaction = bridge.PrepareExecuteParams{Commands: json.RawMessage(`[{"create":"Conformance"}]`)}

// ConformanceChecks are the protocol properties every bridge build must hold.
var ConformanceChecks = []ConformanceCheck{
	{
		Name: "error kinds map one to one onto provider and rpc codes",
		Run: func(context.Context, *conformanceHarness) error {
			for _, k := range errcode.Kinds {
				if back, ok := errcode.FromProviderCode(errcode.ProviderCode(k)); !ok || back != k {
					return fmt.Errorf("provider code of %s does not round trip", k)
				}
				if back, ok := errcode.FromRPCCode(errcode.RPCCode(k)); !ok || back != k {
					return fmt.Errorf("rpc code of %s does not round trip", k)
				}
			}
			return nil
		},
	},
	{
		Name: "isConnected and status answer without a session",
		Run: func(ctx context.Context, h *conformanceHarness) error {
			res, err := h.call(ctx, bridge.MethodIsConnected, nil)
			if err != nil {
				return err
			}
			if res.(bridge.IsConnectedResult).IsConnected {
				return errors.New("reported connected without a session")
			}
			_, err = h.call(ctx, bridge.MethodStatus, nil)
			return err
		},
	},
	{
		Name: "mainnet resolves to canton:da-mainnet",
		Run: func(ctx context.Context, h *conformanceHarness) error {
			res, err := h.call(ctx, bridge.MethodConnect, bridge.ConnectParams{Network: "mainnet"})
			if err != nil {
				return err
			}
			if got := res.(bridge.ConnectResult).Network.NetworkID; got != core.NetworkMainnet {
				return fmt.Errorf("connected to %s", got)
			}
			return nil
		},
	},
	{
		Name: "disconnect leaves isConnected false",
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, nil); err != nil {
				return err
			}
			if _, err := h.call(ctx, bridge.MethodDisconnect, nil); err != nil {
				return err
			}
			res, err := h.call(ctx, bridge.MethodIsConnected, nil)
			if err != nil {
				return err
			}
			if res.(bridge.IsConnectedResult).IsConnected {
				return errors.New("still connected after disconnect")
			}
			return nil
		},
	},
	{
		Name: "mock wallet signs deterministically",
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, bridge.ConnectParams{State: strings.Repeat("0f", 32)}); err != nil {
				return err
			}
			first, err := h.call(ctx, bridge.MethodSignMessage, bridge.SignMessageParams{Message: "conformance"})
			if err != nil {
				return err
			}
			second, err := h.call(ctx, bridge.MethodSignMessage, bridge.SignMessageParams{Message: "conformance"})
			if err != nil {
				return err
			}
			if first.(bridge.SignMessageResult).Signature != second.(bridge.SignMessageResult).Signature {
				return errors.New("signatures differ")
			}
			return nil
		},
	},
	{
		Name: "prepareExecute emits pending, signed, executed",
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, nil); err != nil {
				return err
			}
			if _, err := h.call(ctx, bridge.MethodPrepareExecute, testTransaction); err != nil {
				return err
			}
			return expectStatuses(h, core.CommandPending, core.CommandSigned, core.CommandExecuted)
		},
	},
	{
		Name: "rejected signature emits pending, failed",
		Opts: []backend.MockOption{backend.WithMockError(backend.OpSignTx, errors.New("user rejected the request"))},
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, nil); err != nil {
				return err
			}
			_, err := h.call(ctx, bridge.MethodPrepareExecute, testTransaction)
			if !errcode.IsKind(err, errcode.UserRejected) {
				return fmt.Errorf("expected %s, got %v", errcode.UserRejected, err)
			}
			return expectStatuses(h, core.CommandPending, core.CommandFailed)
		},
	},
	{
		Name: "failed submission emits pending, signed, failed",
		Opts: []backend.MockOption{backend.WithMockError(backend.OpSubmit, errors.New("connection reset by peer"))},
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, nil); err != nil {
				return err
			}
			if _, err := h.call(ctx, bridge.MethodPrepareExecute, testTransaction); err == nil {
				return errors.New("submission failure was not reported")
			}
			return expectStatuses(h, core.CommandPending, core.CommandSigned, core.CommandFailed)
		},
	},
	{
		Name: "unsupported capability fails before the wallet is called",
		Opts: []backend.MockOption{backend.WithMockCapabilities(core.CapConnect, core.CapDisconnect)},
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, nil); err != nil {
				return err
			}
			before := h.wallet.TotalCalls()
			_, err := h.call(ctx, bridge.MethodSignMessage, bridge.SignMessageParams{Message: "hi"})
			if !errcode.IsKind(err, errcode.CapabilityNotSupported) {
				return fmt.Errorf("expected %s, got %v", errcode.CapabilityNotSupported, err)
			}
			if h.wallet.TotalCalls() != before {
				return errors.New("wallet was called")
			}
			return nil
		},
	},
	{
		Name: "sessions are bound to their origin",
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, nil); err != nil {
				return err
			}
			_, err := h.bridge.Request(ctx, bridge.RequestArgs{Method: bridge.MethodListAccounts, Origin: "https://other.local"})
			if err == nil {
				return errors.New("another origin used the session")
			}
			return nil
		},
	},
	{
		Name: "another origin cannot replace a live session",
		Run: func(ctx context.Context, h *conformanceHarness) error {
			if _, err := h.call(ctx, bridge.MethodConnect, nil); err != nil {
				return err
			}
			_, err := h.bridge.Request(ctx, bridge.RequestArgs{Method: bridge.MethodConnect, Origin: "https://other.local"})
			if !errcode.IsKind(err, errcode.OriginNotAllowed) {
				return fmt.Errorf("expected %s, got %v", errcode.OriginNotAllowed, err)
			}
			res, err := h.call(ctx, bridge.MethodIsConnected, nil)
			if err != nil {
				return err
			}
			if !res.(bridge.IsConnectedResult).IsConnected {
				return errors.New("owner lost its session")
			}
			return nil
		},
	},
}

func expectStatuses(h *conformanceHarness, want ...core.CommandStatus) error {
	got, err := h.lifecycle(len(want))
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(got, want) {
		return fmt.Errorf("lifecycle %v, want %v", got, want)
	}
	return nil
}

// RunConformance runs checks and writes one line per check to out.
func RunConformance(ctx context.Context, checks []ConformanceCheck, out io.Writer, logger log.Logger) []ConformanceResult {
	results := make([]ConformanceResult, 0, len(checks))
	for _, check := range checks {
		res := ConformanceResult{Name: check.Name}

		h, err := newConformanceHarness(logger, check.Opts)
		if err != nil {
			res.Err = err
		} else {
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			res.Err = check.Run(checkCtx, h)
			cancel()
			h.close()
		}

		if res.Err != nil {
			fmt.Fprintf(out, "FAIL  %s: %v\n", res.Name, res.Err)
		} else {
			fmt.Fprintf(out, "PASS  %s\n", res.Name)
		}
		results = append(results, res)
	}
	return results
}

func newConformanceCmd(logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "conformance",
		Short: "Check protocol properties against an in-process bridge and mock wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results := RunConformance(cmd.Context(), ConformanceChecks, cmd.OutOrStdout(), logger.WithName("conformance"))

			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d conformance checks failed", failed, len(results))
			}
			return nil
		},
	}
}
