package backend

import (
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

// ContractViolation is the detail reason set when a backend declares a
// capability without implementing it.
const ContractViolation = "contract_violation"

var implements = map[core.Capability]func(Backend) bool{
	core.CapRestore:           is[Restorer],
	core.CapSignMessage:       is[MessageSigner],
	core.CapSignTransaction:   is[TransactionSigner],
	core.CapSubmitTransaction: is[TransactionSubmitter],
	core.CapLedgerAPI:         is[LedgerProxy],
	core.CapEvents:            is[EventSource],
}

func is[T any](b Backend) bool {
	_, ok := any(b).(T)
	return ok
}

// Guard fails with CapabilityNotSupported unless b declares c and implements
// the interface c requires.
func Guard(b Backend, c core.Capability) error {
	if b == nil {
		return errcode.New(errcode.WalletNotFound, "no wallet selected")
	}
	if !b.Capabilities().Has(c) {
		return errcode.Newf(errcode.CapabilityNotSupported, "wallet %s does not support %s", b.ID(), c).
			WithDetail("capability", c).
			WithDetail("walletId", b.ID())
	}
	if check, ok := implements[c]; ok && !check(b) {
		return errcode.Newf(errcode.CapabilityNotSupported, "wallet %s declares %s but does not implement it", b.ID(), c).
			WithDetail("capability", c).
			WithDetail("walletId", b.ID()).
			WithDetail("reason", ContractViolation)
	}
	return nil
}

// As guards c and returns b as the interface that serves it.
func As[T any](b Backend, c core.Capability) (T, error) {
	var zero T
	if err := Guard(b, c); err != nil {
		return zero, err
	}
	impl, ok := any(b).(T)
	if !ok {
		return zero, errcode.Newf(errcode.CapabilityNotSupported, "wallet %s cannot serve %s", b.ID(), c).
			WithDetail("capability", c).
			WithDetail("reason", ContractViolation)
	}
	return impl, nil
}

// Validate checks every declared capability against the implemented
// interfaces and returns the first violation.
func Validate(b Backend) error {
	for _, c := range b.Capabilities().Keys() {
		if err := Guard(b, c); err != nil {
			return err
		}
	}
	return nil
}
