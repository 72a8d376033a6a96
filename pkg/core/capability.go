package core

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Capability names an operation a wallet backend may support.
type Capability string

const (
	CapConnect           Capability = "connect"
	CapDisconnect        Capability = "disconnect"
	CapRestore           Capability = "restore"
	CapSignMessage       Capability = "signMessage"
	CapSignTransaction   Capability = "signTransaction"
	CapSubmitTransaction Capability = "submitTransaction"
	CapLedgerAPI         Capability = "ledgerApi"
	CapEvents            Capability = "events"
	CapDeeplink          Capability = "deeplink"
	CapPopup             Capability = "popup"
	CapInjected          Capability = "injected"
	CapRemoteSigner      Capability = "remoteSigner"
)

var allCapabilities = []Capability{
	CapConnect, CapDisconnect, CapRestore, CapSignMessage, CapSignTransaction,
	CapSubmitTransaction, CapLedgerAPI, CapEvents, CapDeeplink, CapPopup,
	CapInjected, CapRemoteSigner,
}

// AllCapabilities returns every known capability.
func AllCapabilities() []Capability {
	return append([]Capability(nil), allCapabilities...)
}

func (c Capability) Valid() bool {
	for _, k := range allCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// CapabilitySet is an immutable set of capabilities. The zero value is empty.
type CapabilitySet struct {
	m map[Capability]struct{}
}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	m := make(map[Capability]struct{}, len(caps))
	for _, c := range caps {
		m[c] = struct{}{}
	}
	return CapabilitySet{m: m}
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s.m[c]
	return ok
}

func (s CapabilitySet) Len() int { return len(s.m) }

// Keys returns the members sorted by name.
func (s CapabilitySet) Keys() []Capability {
	out := make([]Capability, 0, len(s.m))
	for c := range s.m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy.
func (s CapabilitySet) Clone() CapabilitySet {
	return NewCapabilitySet(s.Keys()...)
}

func (s CapabilitySet) Union(other CapabilitySet) CapabilitySet {
	return NewCapabilitySet(append(s.Keys(), other.Keys()...)...)
}

func (s CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Keys())
}

func (s *CapabilitySet) UnmarshalJSON(data []byte) error {
	var keys []Capability
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	for _, k := range keys {
		if !k.Valid() {
			return fmt.Errorf("unknown capability %q", k)
		}
	}
	*s = NewCapabilitySet(keys...)
	return nil
}
