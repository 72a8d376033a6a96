package core

type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandSigned   CommandStatus = "signed"
	CommandExecuted CommandStatus = "executed"
	CommandFailed   CommandStatus = "failed"
)

func (s CommandStatus) Terminal() bool {
	return s == CommandExecuted || s == CommandFailed
}

// Command is the lifecycle record of one prepareExecute submission.
type Command struct {
	CommandID        CommandID     `json:"commandId"`
	Status           CommandStatus `json:"status"`
	Signature        Signature     `json:"signature,omitempty"`
	SignedBy         string        `json:"signedBy,omitempty"`
	Party            PartyID       `json:"party,omitempty"`
	UpdateID         string        `json:"updateId,omitempty"`
	CompletionOffset int64         `json:"completionOffset,omitempty"`
}
