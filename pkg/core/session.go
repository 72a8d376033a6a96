package core

import (
	"errors"
	"time"
)

var ErrOriginMismatch = errors.New("origin does not match session origin")

// Session is the runtime view of an active connection. Origin is fixed at
// creation and Capabilities is the snapshot taken at connect time.
type Session struct {
	SessionID    SessionID         `json:"sessionId"`
	WalletID     WalletID          `json:"walletId"`
	PartyID      PartyID           `json:"partyId"`
	Network      NetworkID         `json:"network"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	Origin       string            `json:"origin"`
	Capabilities CapabilitySet     `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session has passed its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !now.Before(*s.ExpiresAt)
}

// CheckOrigin returns ErrOriginMismatch unless origin equals the session origin.
func (s *Session) CheckOrigin(origin string) error {
	if s.Origin != origin {
		return ErrOriginMismatch
	}
	return nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.ExpiresAt != nil {
		exp := *s.ExpiresAt
		c.ExpiresAt = &exp
	}
	c.Capabilities = s.Capabilities.Clone()
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
