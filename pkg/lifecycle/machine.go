// Package lifecycle drives one prepareExecute command through
// pending -> signed -> executed, or to failed from pending or signed.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/cantonconnect/bridge/pkg/core"
)

var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// SignedPayload accompanies the signed event.
type SignedPayload struct {
	Signature core.Signature `json:"signature"`
	SignedBy  string         `json:"signedBy"`
	Party     core.PartyID   `json:"party"`
}

// ExecutedPayload accompanies the executed event.
type ExecutedPayload struct {
	UpdateID         string `json:"updateId"`
	CompletionOffset int64  `json:"completionOffset"`
}

// Event is the txChanged payload. Pending and failed events carry no payload.
type Event struct {
	Status    core.CommandStatus `json:"status"`
	CommandID core.CommandID     `json:"commandId"`
	Payload   any                `json:"payload,omitempty"`
}

var transitions = map[core.CommandStatus][]core.CommandStatus{
	core.CommandPending: {core.CommandSigned, core.CommandFailed},
	core.CommandSigned:  {core.CommandExecuted, core.CommandFailed},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to core.CommandStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Machine holds the record of a single command. It is not safe for
// concurrent use; Tracker serializes access.
type Machine struct {
	cmd     core.Command
	history []core.CommandStatus
}

// NewMachine starts a command in pending.
func NewMachine(id core.CommandID) *Machine {
	return &Machine{
		cmd:     core.Command{CommandID: id, Status: core.CommandPending},
		history: []core.CommandStatus{core.CommandPending},
	}
}

func (m *Machine) Command() core.Command { return m.cmd }

func (m *Machine) Status() core.CommandStatus { return m.cmd.Status }

// History lists every status the command has been in, oldest first.
func (m *Machine) History() []core.CommandStatus {
	return append([]core.CommandStatus(nil), m.history...)
}

// PendingEvent is the entry event of the command.
func (m *Machine) PendingEvent() Event {
	return Event{Status: core.CommandPending, CommandID: m.cmd.CommandID}
}

// Sign moves pending -> signed.
func (m *Machine) Sign(p SignedPayload) (Event, error) {
	if err := m.advance(core.CommandSigned); err != nil {
		return Event{}, err
	}
	m.cmd.Signature = p.Signature
	m.cmd.SignedBy = p.SignedBy
	m.cmd.Party = p.Party
	return Event{Status: core.CommandSigned, CommandID: m.cmd.CommandID, Payload: p}, nil
}

// Execute moves signed -> executed.
func (m *Machine) Execute(p ExecutedPayload) (Event, error) {
	if err := m.advance(core.CommandExecuted); err != nil {
		return Event{}, err
	}
	m.cmd.UpdateID = p.UpdateID
	m.cmd.CompletionOffset = p.CompletionOffset
	return Event{Status: core.CommandExecuted, CommandID: m.cmd.CommandID, Payload: p}, nil
}

// Fail moves a non-terminal command to failed.
func (m *Machine) Fail() (Event, error) {
	if err := m.advance(core.CommandFailed); err != nil {
		return Event{}, err
	}
	return Event{Status: core.CommandFailed, CommandID: m.cmd.CommandID}, nil
}

func (m *Machine) advance(to core.CommandStatus) error {
	if !CanTransition(m.cmd.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.cmd.Status, to)
	}
	m.cmd.Status = to
	m.history = append(m.history, to)
	return nil
}
