package credentials

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/secrets/localsecrets"
)

const testKeeperURL = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="

func TestSecretProvider_SealAndDecrypt(t *testing.T) {
	ctx := context.Background()

	sealed, err := Seal(ctx, testKeeperURL, &Credentials{Type: CredentialTypeUserPassword, User: "bus", Password: "s3cret"})
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "s3cret")

	provider, err := NewSecretProvider(ctx, testKeeperURL, sealed)
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bus", creds.User)
	assert.Equal(t, "s3cret", creds.Password)
	assert.NotContains(t, creds.String(), "s3cret")
}

func TestSecretProvider_RefreshesFromSource(t *testing.T) {
	ctx := context.Background()

	first, err := Seal(ctx, testKeeperURL, &Credentials{Type: CredentialTypeToken, Token: "one"})
	require.NoError(t, err)
	second, err := Seal(ctx, testKeeperURL, &Credentials{Type: CredentialTypeToken, Token: "two"})
	require.NoError(t, err)

	var reads atomic.Int32
	provider, err := NewSecretProvider(ctx, testKeeperURL, nil,
		WithCacheTTL(time.Hour),
		WithSealedSource(func(context.Context) ([]byte, error) {
			if reads.Add(1) == 1 {
				return first, nil
			}
			return second, nil
		}),
	)
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", creds.Token, "cached value is reused within the TTL")

	provider.Invalidate()
	creds, err = provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", creds.Token)
}

func TestSecretProvider_WrongKeyFails(t *testing.T) {
	ctx := context.Background()

	sealed, err := Seal(ctx, testKeeperURL, &Credentials{Type: CredentialTypeToken, Token: "t"})
	require.NoError(t, err)

	_, err = NewSecretProvider(ctx, "base64key://AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=", sealed)
	require.Error(t, err)
}

func TestSecretProvider_Closed(t *testing.T) {
	ctx := context.Background()

	sealed, err := Seal(ctx, testKeeperURL, &Credentials{Type: CredentialTypeToken, Token: "t"})
	require.NoError(t, err)
	provider, err := NewSecretProvider(ctx, testKeeperURL, sealed)
	require.NoError(t, err)

	require.NoError(t, provider.Close())
	_, err = provider.GetCredentials(ctx)
	require.ErrorIs(t, err, ErrProviderClosed)
}

func TestCredentials_Validate(t *testing.T) {
	tests := []struct {
		name  string
		creds Credentials
		ok    bool
	}{
		{"token", Credentials{Type: CredentialTypeToken, Token: "t"}, true},
		{"token missing", Credentials{Type: CredentialTypeToken}, false},
		{"user password", Credentials{Type: CredentialTypeUserPassword, User: "u", Password: "p"}, true},
		{"password missing", Credentials{Type: CredentialTypeUserPassword, User: "u"}, false},
		{"jwt", Credentials{Type: CredentialTypeJWT, JWT: "j", Seed: "s"}, true},
		{"no type", Credentials{}, false},
		{"unknown type", Credentials{Type: "mtls"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.creds.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
			}
		})
	}
}

func TestStaticAndEnvProviders(t *testing.T) {
	ctx := context.Background()

	creds, err := NewStaticTokenProvider("abc").GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", creds.Token)

	t.Setenv("BUS_USER", "bus")
	t.Setenv("BUS_PASSWORD", "pw")
	creds, err = NewEnvUserPasswordProvider("BUS_USER", "BUS_PASSWORD").GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bus", creds.User)

	_, err = NewEnvTokenProvider("BUS_TOKEN_UNSET").GetCredentials(ctx)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}
