package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

type ConnectParams struct {
	Network               string            `json:"network,omitempty"`
	AppName               string            `json:"appName,omitempty" validate:"max=128"`
	State                 string            `json:"state,omitempty" validate:"omitempty,hexadecimal,len=64"`
	RedirectURI           string            `json:"redirectUri,omitempty" validate:"omitempty,uri"`
	RequestedCapabilities []core.Capability `json:"requestedCapabilities,omitempty" validate:"dive,capability"`
}

type SignMessageParams struct {
	Message string `json:"message" validate:"required"`
}

// PrepareExecuteParams is the prepared transaction. The whole params object
// is handed to the wallet for signing.
type PrepareExecuteParams struct {
	Commands json.RawMessage `json:"commands" validate:"required"`
	ActAs    []string        `json:"actAs,omitempty" validate:"dive,required"`
	ReadAs   []string        `json:"readAs,omitempty" validate:"dive,required"`
}

type LedgerAPIParams = backend.LedgerRequest

type IsConnectedResult struct {
	IsConnected bool `json:"isConnected"`
}

type ProviderInfo struct {
	ID           core.WalletID      `json:"id"`
	Capabilities core.CapabilitySet `json:"capabilities"`
}

type StatusResult struct {
	IsConnected bool          `json:"isConnected"`
	Provider    *ProviderInfo `json:"provider,omitempty"`
	Network     *NetworkInfo  `json:"network,omitempty"`
	Session     *core.Session `json:"session,omitempty"`
}

type NetworkInfo struct {
	NetworkID core.NetworkID `json:"networkId"`
}

type ConnectResult struct {
	IsConnected  bool               `json:"isConnected"`
	PartyID      core.PartyID       `json:"partyId"`
	SessionID    core.SessionID     `json:"sessionId"`
	Network      NetworkInfo        `json:"network"`
	Capabilities core.CapabilitySet `json:"capabilities"`
	Accounts     core.Accounts      `json:"accounts"`
}

type SignMessageResult struct {
	Signature core.Signature `json:"signature"`
	SignedBy  string         `json:"signedBy,omitempty"`
	Party     core.PartyID   `json:"party,omitempty"`
}

type PrepareExecuteResult struct {
	CommandID        core.CommandID `json:"commandId"`
	UpdateID         string         `json:"updateId"`
	CompletionOffset int64          `json:"completionOffset"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("capability", func(fl validator.FieldLevel) bool {
		return core.Capability(fl.Field().String()).Valid()
	})
	return v
}

// decodeParams unmarshals raw into dst and validates it. Absent params decode
// as an empty object.
func (b *Bridge) decodeParams(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		return errcode.Wrap(errcode.RegistrySchemaInvalid, err, "invalid params: "+err.Error())
	}
	if err := b.validate.Struct(dst); err != nil {
		return errcode.Wrap(errcode.RegistrySchemaInvalid, err, "invalid params: "+describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(fields, "; ")
}
