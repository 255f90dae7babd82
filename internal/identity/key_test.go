package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "consentledger/pkg/domain-errors"
)

func TestDeriveKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		a, err := DeriveKey("foo@bar.com", KindEmail)
		require.NoError(t, err)
		b, err := DeriveKey("foo@bar.com", KindEmail)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a.String(), KeySize*2)
	})

	t.Run("email identity is case-insensitive", func(t *testing.T) {
		mixed, err := DeriveKey("Foo@Bar.com", KindEmail)
		require.NoError(t, err)
		lower, err := DeriveKey("foo@bar.com", KindEmail)
		require.NoError(t, err)
		assert.Equal(t, lower, mixed)
	})

	t.Run("phone is used as supplied", func(t *testing.T) {
		a, err := DeriveKey("+447700900123", KindPhone)
		require.NoError(t, err)
		b, err := DeriveKey("+447700900124", KindPhone)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("kind disambiguates equal text", func(t *testing.T) {
		assert.NotEqual(t, digest("+447700900123", KindEmail), digest("+447700900123", KindPhone))
	})

	t.Run("rejects malformed values", func(t *testing.T) {
		_, err := DeriveKey("not-an-email", KindEmail)
		assert.True(t, dErrors.Is(err, dErrors.CodeValidation))

		_, err = DeriveKey("07700 900123", KindPhone)
		assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
	})
}

func TestContactResolve(t *testing.T) {
	tests := []struct {
		name    string
		contact Contact
		kind    Kind
		value   string
		wantErr bool
	}{
		{name: "email only", contact: Contact{Email: " Foo@Bar.com "}, kind: KindEmail, value: "foo@bar.com"},
		{name: "phone only", contact: Contact{Phone: "+14155550100"}, kind: KindPhone, value: "+14155550100"},
		{name: "both set", contact: Contact{Email: "foo@bar.com", Phone: "+14155550100"}, wantErr: true},
		{name: "neither set", contact: Contact{}, wantErr: true},
		{name: "whitespace only", contact: Contact{Email: "   "}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.contact.Resolve()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, id.Kind)
			assert.Equal(t, tt.value, id.Value)

			want, err := DeriveKey(tt.value, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, want, id.Key)
		})
	}
}

func TestKeyRoundTrip(t *testing.T) {
	k, err := DeriveKey("foo@bar.com", KindEmail)
	require.NoError(t, err)

	parsed, err := ParseKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	fromBytes, err := KeyFromBytes(k.Bytes())
	require.NoError(t, err)
	assert.Equal(t, k, fromBytes)

	_, err = KeyFromBytes([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestFromValueAndMask(t *testing.T) {
	assert.Equal(t, Contact{Phone: "+14155550100"}, FromValue("+14155550100"))
	assert.Equal(t, Contact{Email: "foo@bar.com"}, FromValue("foo@bar.com"))

	assert.Equal(t, "fo...@...r.com", Mask("foo@bar.com"))
	assert.Equal(t, "+14...00", Mask("+14155550100"))
}
