package credcrypto

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisproxy/aegis/backend/internal/errdefs"
)

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("", SaltCertCredentials)
	assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("test-secret", SaltCertCredentials)
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple", "hello"},
		{"empty", ""},
		{"json payload", `{"api_key":"abc123","email":"admin@example.com"}`},
		{"binary-ish", "\x00\x01\xff bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := c.Encrypt([]byte(tt.plaintext))
			require.NoError(t, err)

			parts := strings.Split(envelope, ":")
			require.Len(t, parts, 3)
			iv, err := hex.DecodeString(parts[0])
			require.NoError(t, err)
			assert.Len(t, iv, 16)
			tag, err := hex.DecodeString(parts[1])
			require.NoError(t, err)
			assert.Len(t, tag, 16)

			got, err := c.Decrypt(envelope)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, string(got))
		})
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	c, err := New("test-secret", SaltCertCredentials)
	require.NoError(t, err)

	envelope, err := c.Encrypt([]byte("sensitive payload"))
	require.NoError(t, err)

	// Flip one nibble in each field in turn.
	parts := strings.Split(envelope, ":")
	for i, name := range []string{"iv", "tag", "ciphertext"} {
		t.Run(name, func(t *testing.T) {
			mutated := make([]string, 3)
			copy(mutated, parts)
			field := []byte(mutated[i])
			if field[0] == '0' {
				field[0] = '1'
			} else {
				field[0] = '0'
			}
			mutated[i] = string(field)

			_, err := c.Decrypt(strings.Join(mutated, ":"))
			assert.Error(t, err)
		})
	}
}

func TestDecryptRejectsMalformedEnvelopes(t *testing.T) {
	c, err := New("test-secret", SaltCertCredentials)
	require.NoError(t, err)

	tests := []struct {
		name     string
		envelope string
	}{
		{"empty", ""},
		{"one field", "deadbeef"},
		{"two fields", "deadbeef:deadbeef"},
		{"four fields", "aa:bb:cc:dd"},
		{"non-hex iv", "zz:" + strings.Repeat("ab", 16) + ":abcd"},
		{"short iv", "abcd:" + strings.Repeat("ab", 16) + ":abcd"},
		{"short tag", strings.Repeat("ab", 16) + ":abcd:abcd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.envelope)
			assert.ErrorIs(t, err, errdefs.ErrInvalidInput)
		})
	}
}

func TestSaltsAreDomainSeparated(t *testing.T) {
	totp, err := New("same-secret", SaltTOTP)
	require.NoError(t, err)
	creds, err := New("same-secret", SaltCertCredentials)
	require.NoError(t, err)

	envelope, err := totp.Encrypt([]byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	_, err = creds.Decrypt(envelope)
	assert.Error(t, err, "payload sealed under the TOTP salt must not open under the credential salt")
}

func TestEncryptJSONRoundTrip(t *testing.T) {
	c, err := New("test-secret", SaltCertCredentials)
	require.NoError(t, err)

	in := map[string]string{"token": "tok_123", "zone": "example.com"}
	envelope, err := c.EncryptJSON(in)
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, c.DecryptJSON(envelope, &out))
	assert.Equal(t, in, out)
}
