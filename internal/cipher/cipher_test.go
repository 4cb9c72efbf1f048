package cipher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	c, err := New("a-sufficiently-long-passphrase")
	require.NoError(t, err)

	plaintext := []byte(`{"host":"example","port":22}`)
	envelope, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(envelope, "v1."))
	assert.Len(t, strings.Split(envelope, "."), 4)

	got, err := c.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestShortPassphraseRejected(t *testing.T) {
	_, err := New("too-short")
	assert.ErrorIs(t, err, ErrShortPassphrase)
}

func TestTamperedEnvelopeFailsClosed(t *testing.T) {
	c, err := New("a-sufficiently-long-passphrase")
	require.NoError(t, err)

	envelope, err := c.Encrypt([]byte("secret-value"))
	require.NoError(t, err)

	parts := strings.Split(envelope, ".")
	// flip one byte of the ciphertext field
	mutated := []byte(parts[3])
	if mutated[0] == 'A' {
		mutated[0] = 'B'
	} else {
		mutated[0] = 'A'
	}
	parts[3] = string(mutated)
	tampered := strings.Join(parts, ".")

	_, err = c.Decrypt(tampered)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestMalformedEnvelopeRejected(t *testing.T) {
	c, err := New("a-sufficiently-long-passphrase")
	require.NoError(t, err)

	cases := []string{
		"",
		"v2.a.b.c",
		"v1.a.b",
		"not-an-envelope-at-all",
	}
	for _, envelope := range cases {
		_, err := c.Decrypt(envelope)
		assert.ErrorIs(t, err, ErrInvalidEnvelope, "envelope: %q", envelope)
	}
}

func TestEncryptJSONRoundTrip(t *testing.T) {
	c, err := New("a-sufficiently-long-passphrase")
	require.NoError(t, err)

	type intent struct {
		Provider string         `json:"provider"`
		Config   map[string]any `json:"config"`
	}
	in := intent{Provider: "hetzner", Config: map[string]any{"region": "fsn1"}}

	envelope, err := c.EncryptJSON(in)
	require.NoError(t, err)

	var out intent
	require.NoError(t, c.DecryptJSON(envelope, &out))
	assert.Equal(t, in, out)
}

func TestDifferentCiphersDoNotCrossDecrypt(t *testing.T) {
	a, err := New("passphrase-number-one-here")
	require.NoError(t, err)
	b, err := New("passphrase-number-two-here")
	require.NoError(t, err)

	envelope, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}
