package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	envelopeAlg     = "xchacha20poly1305"
	keySalt         = "cantonconnect/session/v1"
)

// ErrUndecryptable is returned when a blob was sealed for another origin or
// has been tampered with.
var ErrUndecryptable = errors.New("session blob cannot be decrypted")

// envelope is the stored form of a sealed session.
type envelope struct {
	V      int    `json:"v"`
	Alg    string `json:"alg"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

// Sealer encrypts session records for one origin at a time. The key is derived
// from the origin and an optional server secret, so the same origin always
// opens its own records and no other origin can.
type Sealer struct {
	secret []byte
}

func NewSealer(secret []byte) *Sealer {
	return &Sealer{secret: append([]byte(nil), secret...)}
}

// StorageKey is the store key of origin's session.
func StorageKey(origin string) string {
	sum := sha256.Sum256([]byte(origin))
	return hex.EncodeToString(sum[:])
}

func (s *Sealer) key(origin string) ([]byte, error) {
	ikm := make([]byte, 0, len(s.secret)+len(origin))
	ikm = append(ikm, s.secret...)
	ikm = append(ikm, origin...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, []byte(keySalt), []byte(origin)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext for origin. The origin is bound as associated data.
func (s *Sealer) Seal(origin string, plaintext []byte) ([]byte, error) {
	key, err := s.key(origin)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	return json.Marshal(envelope{
		V:      envelopeVersion,
		Alg:    envelopeAlg,
		Nonce:  nonce,
		Cipher: aead.Seal(nil, nonce, plaintext, []byte(origin)),
	})
}

// Open decrypts a blob sealed for origin.
func (s *Sealer) Open(origin string, blob []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecryptable, err)
	}
	if env.V != envelopeVersion || env.Alg != envelopeAlg {
		return nil, fmt.Errorf("%w: unsupported envelope v%d %s", ErrUndecryptable, env.V, env.Alg)
	}

	key, err := s.key(origin)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrUndecryptable)
	}

	pt, err := aead.Open(nil, env.Nonce, env.Cipher, []byte(origin))
	if err != nil {
		return nil, ErrUndecryptable
	}
	return pt, nil
}
