// Package credentials supplies the credentials the event bus uses to
// authenticate against NATS.
//
// Credentials are kept sealed with a gocloud.dev/secrets keeper, so the same
// code decrypts them with AWS KMS, GCP KMS, Azure Key Vault, HashiCorp Vault
// or a local base64 key in development:
//
//	sealed, err := credentials.Seal(ctx, "base64key://...", creds)
//	provider, err := credentials.NewSecretProvider(ctx, "base64key://...", sealed)
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCredentialsExpired is returned when credentials have expired
	ErrCredentialsExpired = errors.New("credentials expired")

	// ErrInvalidCredentials is returned when credentials are malformed
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrProviderClosed is returned when attempting to use a closed provider
	ErrProviderClosed = errors.New("provider is closed")
)

// CredentialType defines the type of credential
type CredentialType string

const (
	CredentialTypeToken        CredentialType = "token"
	CredentialTypeUserPassword CredentialType = "user_password"
	CredentialTypeJWT          CredentialType = "jwt"
)

// Credentials authenticate a NATS connection.
type Credentials struct {
	Type CredentialType `json:"type"`

	Token string `json:"token,omitempty"`

	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`

	// JWT and Seed are a NATS user JWT and its nkey seed
	JWT  string `json:"jwt,omitempty"`
	Seed string `json:"seed,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired checks if the credentials have expired
func (c *Credentials) IsExpired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// Validate ensures credentials are well-formed for their type
func (c *Credentials) Validate() error {
	switch c.Type {
	case CredentialTypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalidCredentials)
		}
	case CredentialTypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
		}
	case CredentialTypeJWT:
		if c.JWT == "" || c.Seed == "" {
			return fmt.Errorf("%w: jwt and seed are required", ErrInvalidCredentials)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidCredentials)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidCredentials, c.Type)
	}
	return nil
}

// String redacts secrets so credentials can be logged.
func (c *Credentials) String() string {
	return fmt.Sprintf("credentials{type=%s user=%s}", c.Type, c.User)
}

// Provider supplies the current credentials.
type Provider interface {
	GetCredentials(ctx context.Context) (*Credentials, error)
	Close() error
}

func encode(creds *Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(creds)
}

func decode(data []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &creds, nil
}
