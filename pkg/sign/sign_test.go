package sign

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPrivKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddress = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

func TestEthereumSigner(t *testing.T) {
	t.Parallel()

	t.Run("parses keys with and without prefix", func(t *testing.T) {
		for _, key := range []string{testPrivKey, strings.TrimPrefix(testPrivKey, "0x")} {
			s, err := NewEthereumSigner(key)
			require.NoError(t, err)
			assert.True(t, strings.EqualFold(testAddress, s.PublicKey().Address().String()))
			assert.Len(t, s.PublicKey().Bytes(), 65)
		}
	})

	t.Run("rejects invalid key", func(t *testing.T) {
		_, err := NewEthereumSigner("0xnotakey")
		assert.Error(t, err)
	})

	t.Run("message signature recovers signer", func(t *testing.T) {
		s, err := NewEthereumSigner(testPrivKey)
		require.NoError(t, err)

		msg := []byte("connect to dapp.example")
		sig, err := s.SignMessage(msg)
		require.NoError(t, err)
		require.Len(t, sig, 65)
		assert.GreaterOrEqual(t, sig[64], byte(27))

		addr, err := RecoverMessageSigner(msg, sig)
		require.NoError(t, err)
		assert.True(t, addr.Equals(s.PublicKey().Address()))

		other, err := RecoverMessageSigner([]byte("something else"), sig)
		require.NoError(t, err)
		assert.False(t, other.Equals(s.PublicKey().Address()))
	})

	t.Run("digest signature recovers signer", func(t *testing.T) {
		s, err := GenerateEthereumSigner()
		require.NoError(t, err)

		digest := Digest([]byte(`{"commands":[]}`))
		sig, err := s.Sign(digest)
		require.NoError(t, err)

		addr, err := RecoverDigestSigner(digest, sig)
		require.NoError(t, err)
		assert.Equal(t, s.PublicKey().Address().String(), addr.String())
	})

	t.Run("short signature", func(t *testing.T) {
		_, err := RecoverDigestSigner(Digest([]byte("x")), Signature{1, 2, 3})
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})
}

func TestMessageHashIsDomainSeparated(t *testing.T) {
	t.Parallel()

	msg := []byte("payload")
	assert.NotEqual(t, Digest(msg), MessageHash(msg))
	assert.Len(t, MessageHash(msg), 32)
}

func TestSignatureJSON(t *testing.T) {
	t.Parallel()

	sig := Signature{0xde, 0xad, 0xbe, 0xef}
	raw, err := json.Marshal(sig)
	require.NoError(t, err)
	assert.Equal(t, `"0xdeadbeef"`, string(raw))

	var decoded Signature
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, sig, decoded)

	assert.Error(t, json.Unmarshal([]byte(`"zz"`), &decoded))
}

func TestMockSigner(t *testing.T) {
	t.Parallel()

	a := NewMockSigner("alice")
	b := NewMockSigner("bob")

	s1, err := a.SignMessage([]byte("hello"))
	require.NoError(t, err)
	s2, err := a.SignMessage([]byte("hello"))
	require.NoError(t, err)
	s3, err := b.SignMessage([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, s1, s2)
	assert.NotEqual(t, s1, s3)
	assert.Equal(t, "alice", a.PublicKey().Address().String())
	assert.True(t, a.PublicKey().Address().Equals(MockAddress("alice")))
}
