package sign

var _ Signer = (*MockSigner)(nil)

// MockSigner returns Keccak256(id || digest) as the signature, so equal inputs
// always give equal signatures.
type MockSigner struct {
	id string
}

func NewMockSigner(id string) *MockSigner {
	return &MockSigner{id: id}
}

func (m *MockSigner) PublicKey() PublicKey { return MockPublicKey(m.id) }

func (m *MockSigner) Sign(digest []byte) (Signature, error) {
	return Signature(Digest(append([]byte(m.id), digest...))), nil
}

func (m *MockSigner) SignMessage(msg []byte) (Signature, error) {
	return m.Sign(MessageHash(msg))
}

type MockPublicKey string

func (k MockPublicKey) Address() Address { return MockAddress(k) }
func (k MockPublicKey) Bytes() []byte    { return []byte(k) }

type MockAddress string

func (a MockAddress) String() string { return string(a) }

func (a MockAddress) Equals(other Address) bool {
	return other != nil && string(a) == other.String()
}
