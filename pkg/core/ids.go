// Package core holds the data model shared by every bridge component:
// nominal identifiers, network ids, capabilities, accounts, sessions and
// lifecycle commands.
package core

// Distinct string types so that, for example, a PartyID can never be passed
// where a WalletID is expected without an explicit conversion.
type (
	WalletID        string
	PartyID         string
	SessionID       string
	TransactionHash string
	Signature       string
	CommandID       string
)

func (id WalletID) String() string        { return string(id) }
func (id PartyID) String() string         { return string(id) }
func (id SessionID) String() string       { return string(id) }
func (id TransactionHash) String() string { return string(id) }
func (id Signature) String() string       { return string(id) }
func (id CommandID) String() string       { return string(id) }
