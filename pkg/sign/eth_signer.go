package sign

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	_ Signer    = (*EthereumSigner)(nil)
	_ PublicKey = EthereumPublicKey{}
	_ Address   = EthereumAddress{}
)

// ErrInvalidSignature is returned when a signature has the wrong shape.
var ErrInvalidSignature = errors.New("invalid signature length")

type EthereumAddress struct{ common.Address }

func (a EthereumAddress) String() string { return a.Hex() }

func (a EthereumAddress) Equals(other Address) bool {
	if o, ok := other.(EthereumAddress); ok {
		return a.Address == o.Address
	}
	return other != nil && strings.EqualFold(a.String(), other.String())
}

type EthereumPublicKey struct{ *ecdsa.PublicKey }

func (p EthereumPublicKey) Address() Address {
	return EthereumAddress{ethcrypto.PubkeyToAddress(*p.PublicKey)}
}

func (p EthereumPublicKey) Bytes() []byte { return ethcrypto.FromECDSAPub(p.PublicKey) }

// EthereumSigner signs with a secp256k1 key.
type EthereumSigner struct {
	key *ecdsa.PrivateKey
	pub EthereumPublicKey
}

// NewEthereumSigner parses a hex private key, with or without 0x.
func NewEthereumSigner(privateKeyHex string) (*EthereumSigner, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %w", err)
	}
	return newEthereumSigner(key), nil
}

// GenerateEthereumSigner creates a signer with a fresh random key.
func GenerateEthereumSigner() (*EthereumSigner, error) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return newEthereumSigner(key), nil
}

func newEthereumSigner(key *ecdsa.PrivateKey) *EthereumSigner {
	return &EthereumSigner{
		key: key,
		pub: EthereumPublicKey{&key.PublicKey},
	}
}

func (s *EthereumSigner) PublicKey() PublicKey { return s.pub }

// PrivateKey exposes the key for JWT signing.
func (s *EthereumSigner) PrivateKey() *ecdsa.PrivateKey { return s.key }

func (s *EthereumSigner) Sign(digest []byte) (Signature, error) {
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return nil, err
	}
	// V is 27/28 on the wire.
	sig[64] += 27
	return Signature(sig), nil
}

func (s *EthereumSigner) SignMessage(msg []byte) (Signature, error) {
	return s.Sign(MessageHash(msg))
}

// RecoverDigestSigner returns the address that produced sig over digest.
func RecoverDigestSigner(digest []byte, sig Signature) (Address, error) {
	if len(sig) != 65 {
		return nil, ErrInvalidSignature
	}
	raw := make([]byte, 65)
	copy(raw, sig)
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return nil, fmt.Errorf("signature recovery failed: %w", err)
	}
	return EthereumAddress{ethcrypto.PubkeyToAddress(*pub)}, nil
}

// RecoverMessageSigner returns the address that produced sig over msg.
func RecoverMessageSigner(msg []byte, sig Signature) (Address, error) {
	return RecoverDigestSigner(MessageHash(msg), sig)
}
