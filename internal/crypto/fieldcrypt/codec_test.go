package fieldcrypt

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := New([]byte("test-secret-please-rotate"))
	require.NoError(t, err)
	return codec
}

func TestCodec_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	values := []string{
		"Nguyen Van A",
		"nguyen.a@example.com",
		"+84 901 234 567",
		"12 Lý Thường Kiệt, Hoàn Kiếm",
		strings.Repeat("long note ", 100),
	}
	for _, value := range values {
		enc, err := codec.Encrypt(value)
		require.NoError(t, err)
		assert.NotEqual(t, value, enc)
		assert.True(t, IsEnvelope(enc))

		dec, err := codec.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, value, dec)
	}
}

func TestCodec_EncryptIsIdempotent(t *testing.T) {
	codec := newTestCodec(t)

	enc, err := codec.Encrypt("secret street")
	require.NoError(t, err)

	again, err := codec.Encrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, enc, again, "already encrypted value must pass through")
}

func TestCodec_EncryptsEnvelopeShapedInput(t *testing.T) {
	codec := newTestCodec(t)

	forged := strings.Join([]string{
		"v1",
		encoding.EncodeToString(make([]byte, nonceSize)),
		encoding.EncodeToString([]byte("hi")),
		encoding.EncodeToString(make([]byte, tagSize)),
	}, ":")
	require.True(t, IsEnvelope(forged))

	enc, err := codec.Encrypt(forged)
	require.NoError(t, err)
	assert.NotEqual(t, forged, enc)

	dec, err := codec.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, forged, dec)

	foreign, err := New([]byte("another-secret"))
	require.NoError(t, err)
	sealedElsewhere, err := foreign.Encrypt("street")
	require.NoError(t, err)

	enc, err = codec.Encrypt(sealedElsewhere)
	require.NoError(t, err)
	dec, err = codec.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, sealedElsewhere, dec)
}

func TestCodec_DecryptPlaintextPassesThrough(t *testing.T) {
	codec := newTestCodec(t)

	for _, value := range []string{"", "plain", "v1:not:an:envelope", "a:b:c:d"} {
		got, err := codec.Decrypt(value)
		require.NoError(t, err)
		assert.Equal(t, value, got)
	}
}

func TestCodec_EmptyValueIsNotEncrypted(t *testing.T) {
	codec := newTestCodec(t)

	enc, err := codec.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", enc)
}

func TestCodec_TamperedEnvelopeFails(t *testing.T) {
	codec := newTestCodec(t)

	enc, err := codec.Encrypt("hello")
	require.NoError(t, err)

	other, err := New([]byte("another-secret"))
	require.NoError(t, err)

	_, err = other.Decrypt(enc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDecrypt))
}

func TestCodec_SealAndOpenFields(t *testing.T) {
	codec := newTestCodec(t)

	addr := domain.ShippingAddress{
		FullName: "Tran B",
		Phone:    "0912000111",
		Street:   "1 Trang Tien",
		WardCode: "20109",
	}

	require.NoError(t, codec.SealFields(addr.PIIFields()...))
	assert.True(t, IsEnvelope(addr.FullName))
	assert.True(t, IsEnvelope(addr.Phone))
	assert.Equal(t, "", addr.Email)
	assert.Equal(t, "20109", addr.WardCode)

	require.NoError(t, codec.OpenFields(addr.PIIFields()...))
	assert.Equal(t, "Tran B", addr.FullName)
	assert.Equal(t, "1 Trang Tien", addr.Street)
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrSecretRequired)
}
