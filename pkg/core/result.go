package core

// ConnectResult is what a backend returns from a successful connect. Session
// carries the fields the wallet decided (id, network, expiry); the origin and
// capability snapshot are set by whoever persists it.
type ConnectResult struct {
	PartyID      PartyID       `json:"partyId"`
	Session      Session       `json:"session"`
	Capabilities CapabilitySet `json:"capabilities"`
	Accounts     Accounts      `json:"accounts,omitempty"`
}
