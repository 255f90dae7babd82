package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consentledger/internal/hawk"
	dErrors "consentledger/pkg/domain-errors"
	"consentledger/pkg/platform/sentinel"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemory()

	secret, err := GenerateSecret()
	require.NoError(t, err)

	t.Run("create and lookup", func(t *testing.T) {
		err := store.Create(ctx, &hawk.Credential{ID: "forms-api", Key: secret, Capabilities: []string{CapabilityRead}})
		require.NoError(t, err)

		c, err := store.Lookup(ctx, "forms-api")
		require.NoError(t, err)
		assert.Equal(t, hawk.SHA256, c.Algorithm)
		assert.True(t, c.Can(CapabilityRead))
		assert.False(t, c.Can(CapabilityCreate))
	})

	t.Run("duplicate id", func(t *testing.T) {
		err := store.Create(ctx, &hawk.Credential{ID: "forms-api", Key: secret})
		assert.ErrorIs(t, err, sentinel.ErrAlreadyUsed)
	})

	t.Run("lookup returns a copy", func(t *testing.T) {
		c, err := store.Lookup(ctx, "forms-api")
		require.NoError(t, err)
		c.Capabilities[0] = CapabilityCreate

		again, err := store.Lookup(ctx, "forms-api")
		require.NoError(t, err)
		assert.Equal(t, []string{CapabilityRead}, again.Capabilities)
	})

	t.Run("rotate", func(t *testing.T) {
		require.NoError(t, store.Rotate(ctx, "forms-api", "rotated-secret-value-1234"))
		c, err := store.Lookup(ctx, "forms-api")
		require.NoError(t, err)
		assert.Equal(t, "rotated-secret-value-1234", c.Key)

		assert.ErrorIs(t, store.Rotate(ctx, "missing", "rotated-secret-value-1234"), sentinel.ErrNotFound)
	})

	t.Run("revoke", func(t *testing.T) {
		require.NoError(t, store.Revoke(ctx, "forms-api"))
		_, err := store.Lookup(ctx, "forms-api")
		assert.ErrorIs(t, err, sentinel.ErrRevoked)
		assert.NoError(t, store.Revoke(ctx, "forms-api"), "revoking twice is a no-op")
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := store.Lookup(ctx, "nobody")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("list blanks secrets", func(t *testing.T) {
		list, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Empty(t, list[0].Key)
		assert.NotNil(t, list[0].RevokedAt)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cred hawk.Credential
	}{
		{"bad id", hawk.Credential{ID: "has space", Key: "0123456789abcdef"}},
		{"short secret", hawk.Credential{ID: "ok", Key: "short"}},
		{"unknown algorithm", hawk.Credential{ID: "ok", Key: "0123456789abcdef", Algorithm: "md5"}},
		{"unknown capability", hawk.Credential{ID: "ok", Key: "0123456789abcdef", Capabilities: []string{"delete"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cred)
			require.Error(t, err)
			assert.True(t, dErrors.Is(err, dErrors.CodeValidation))
		})
	}
}
