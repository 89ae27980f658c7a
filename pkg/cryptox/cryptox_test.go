package cryptox

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	tok, err := GenerateToken(TokenSize256)
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)
	require.Len(t, raw, TokenSize256)

	other, err := GenerateToken(TokenSize256)
	require.NoError(t, err)
	require.NotEqual(t, tok, other)

	_, err = GenerateToken(0)
	require.Error(t, err)
	_, err = GenerateToken(-1)
	require.Error(t, err)
}

func TestFingerprintTokenIsDeterministic(t *testing.T) {
	t.Parallel()

	fp := FingerprintToken("some-refresh-token")
	require.Equal(t, fp, FingerprintToken("some-refresh-token"))
	require.NotEqual(t, fp, FingerprintToken("some-other-token"))

	raw, err := base64.RawURLEncoding.DecodeString(fp)
	require.NoError(t, err)
	require.Len(t, raw, 32)
}

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("hunter2hunter2")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	require.NoError(t, VerifyPassword("hunter2hunter2", hash))
	require.ErrorIs(t, VerifyPassword("wrong-password", hash), ErrPasswordMismatch)

	// Salted: two hashes of the same input differ but both verify.
	hash2, err := HashPassword("hunter2hunter2")
	require.NoError(t, err)
	require.NotEqual(t, hash, hash2)
	require.NoError(t, VerifyPassword("hunter2hunter2", hash2))
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	t.Parallel()

	require.Error(t, VerifyPassword("x", ""))
	require.Error(t, VerifyPassword("x", "$bcrypt$something"))
	require.Error(t, VerifyPassword("x", "$argon2id$v=18$m=19456,t=2,p=1$c2FsdA$aGFzaA"))
}

func TestSignAndOpenBlob(t *testing.T) {
	t.Parallel()

	key := []byte("blob-test-key")
	signed := SignBlob(key, []byte(`{"device":"abc"}`))

	payload, err := OpenBlob(key, signed)
	require.NoError(t, err)
	require.JSONEq(t, `{"device":"abc"}`, string(payload))
}

func TestOpenBlobRejectsForgery(t *testing.T) {
	t.Parallel()

	key := []byte("blob-test-key")
	signed := SignBlob(key, []byte("payload"))

	_, err := OpenBlob([]byte("another-key"), signed)
	require.ErrorIs(t, err, ErrBadSignature)

	// Tampered payload keeps the old signature.
	dot := strings.IndexByte(signed, '.')
	tampered := base64.RawURLEncoding.EncodeToString([]byte("evil")) + signed[dot:]
	_, err = OpenBlob(key, tampered)
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = OpenBlob(key, "no-dot-in-here")
	require.ErrorIs(t, err, ErrBadSignature)
	_, err = OpenBlob(key, "!!!.???")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestSealerRoundTrip(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("Seal-Key-For-Tests-0123456789-abcdef")
	require.NoError(t, err)

	sealed, err := sealer.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	require.NotContains(t, sealed, "JBSWY3DPEHPK3PXP")

	plain, err := sealer.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, "JBSWY3DPEHPK3PXP", plain)

	// Nonce makes repeated seals distinct.
	sealed2, err := sealer.Seal("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	require.NotEqual(t, sealed, sealed2)
}

func TestSealerRejectsCorruptedCiphertext(t *testing.T) {
	t.Parallel()

	sealer, err := NewSealer("Seal-Key-For-Tests-0123456789-abcdef")
	require.NoError(t, err)

	sealed, err := sealer.Seal("secret")
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	_, err = sealer.Open(base64.RawURLEncoding.EncodeToString(raw))
	require.ErrorIs(t, err, ErrSealCorrupted)

	_, err = sealer.Open("not-base64!!!")
	require.ErrorIs(t, err, ErrSealCorrupted)
}

func TestNewSealerEnforcesKeyPolicy(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"short",
		strings.Repeat("a", 40),                 // no upper, no digit
		strings.Repeat("A", 40),                 // no lower, no digit
		"0123456789012345678901234567890123456", // no letters
	}
	for _, key := range cases {
		_, err := NewSealer(key)
		require.Error(t, err, "key %q should be rejected", key)
	}

	_, err := NewSealer("Valid-Seal-Key-0123456789-abcdefghij")
	require.NoError(t, err)
}
