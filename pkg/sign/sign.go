package sign

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// MessagePrefix is prepended to every message before hashing so that a message
// signature can never be replayed as a transaction signature.
const MessagePrefix = "\x19Canton Signed Message:\n"

// Signer signs digests and wallet messages with a key it keeps private.
type Signer interface {
	PublicKey() PublicKey
	// Sign signs a 32 byte digest.
	Sign(digest []byte) (Signature, error)
	// SignMessage hashes msg with MessageHash and signs the result.
	SignMessage(msg []byte) (Signature, error)
}

// PublicKey is the public half of a Signer.
type PublicKey interface {
	Address() Address
	Bytes() []byte
}

// Address identifies a key holder.
type Address interface {
	fmt.Stringer
	Equals(other Address) bool
}

// Signature is a raw signature, hex encoded on the wire.
type Signature []byte

func (s Signature) String() string {
	return hexutil.Encode(s)
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	decoded, err := hexutil.Decode(str)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	*s = decoded
	return nil
}

// MessageHash returns Keccak256(MessagePrefix || len(msg) || msg).
func MessageHash(msg []byte) []byte {
	prefix := fmt.Sprintf("%s%d", MessagePrefix, len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

// Digest returns the Keccak256 digest of a transaction payload.
func Digest(payload []byte) []byte {
	return ethcrypto.Keccak256(payload)
}
