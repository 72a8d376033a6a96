package core

import (
	"errors"
	"fmt"
)

type AccountStatus string

const (
	AccountInitializing AccountStatus = "initializing"
	AccountAllocated    AccountStatus = "allocated"
)

type Account struct {
	PartyID           PartyID       `json:"partyId"`
	Primary           bool          `json:"primary"`
	Status            AccountStatus `json:"status"`
	Hint              string        `json:"hint"`
	PublicKey         string        `json:"publicKey"`
	Namespace         string        `json:"namespace"`
	NetworkID         NetworkID     `json:"networkId"`
	SigningProviderID string        `json:"signingProviderId"`
}

type Accounts []Account

var ErrNoPrimaryAccount = errors.New("no primary account")

// Primary returns the primary account.
func (a Accounts) Primary() (Account, error) {
	for _, acc := range a {
		if acc.Primary {
			return acc, nil
		}
	}
	return Account{}, ErrNoPrimaryAccount
}

// ValidateAccounts checks that a non-empty account list has exactly one primary.
func ValidateAccounts(accounts Accounts) error {
	if len(accounts) == 0 {
		return nil
	}
	primaries := 0
	for _, acc := range accounts {
		if acc.PartyID == "" {
			return errors.New("account without party id")
		}
		if acc.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return fmt.Errorf("expected exactly one primary account, got %d", primaries)
	}
	return nil
}
