package core

import (
	"errors"
	"fmt"
	"strings"
)

// NetworkID is a CAIP-2 identifier of the form "<namespace>:<reference>".
type NetworkID string

// CantonNamespace is the CAIP-2 namespace of Canton networks.
const CantonNamespace = "canton"

const (
	NetworkMainnet NetworkID = "canton:da-mainnet"
	NetworkTestnet NetworkID = "canton:da-testnet"
	NetworkDevnet  NetworkID = "canton:da-devnet"
	NetworkLocal   NetworkID = "canton:local"
)

var ErrInvalidNetworkID = errors.New("invalid network id")

var shortNetworkNames = map[string]NetworkID{
	"mainnet": NetworkMainnet,
	"testnet": NetworkTestnet,
	"devnet":  NetworkDevnet,
	"local":   NetworkLocal,
}

// ParseNetworkID validates s as a CAIP-2 identifier.
func ParseNetworkID(s string) (NetworkID, error) {
	ns, ref, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("%w: %q has no namespace separator", ErrInvalidNetworkID, s)
	}
	if ns == "" || ref == "" {
		return "", fmt.Errorf("%w: %q has an empty namespace or reference", ErrInvalidNetworkID, s)
	}
	return NetworkID(s), nil
}

// ToNetworkID accepts a short network name ("mainnet") or a qualified id and
// returns the qualified id.
func ToNetworkID(s string) (NetworkID, error) {
	if id, ok := shortNetworkNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return id, nil
	}
	return ParseNetworkID(s)
}

// FromNetworkID returns the short name of a known network, or the id itself.
func FromNetworkID(id NetworkID) string {
	for short, known := range shortNetworkNames {
		if known == id {
			return short
		}
	}
	return string(id)
}

func (id NetworkID) Namespace() string {
	ns, _, _ := strings.Cut(string(id), ":")
	return ns
}

func (id NetworkID) Reference() string {
	_, ref, _ := strings.Cut(string(id), ":")
	return ref
}

func (id NetworkID) String() string { return string(id) }
