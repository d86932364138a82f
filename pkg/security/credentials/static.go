package credentials

import (
	"context"
	"fmt"
	"os"
)

// StaticProvider returns fixed credentials. Intended for development and tests.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticTokenProvider creates a provider with a static token
func NewStaticTokenProvider(token string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{Type: CredentialTypeToken, Token: token}}
}

// NewStaticUserPasswordProvider creates a provider with static username/password
func NewStaticUserPasswordProvider(user, password string) *StaticProvider {
	return &StaticProvider{creds: &Credentials{Type: CredentialTypeUserPassword, User: user, Password: password}}
}

func (p *StaticProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	if p.creds.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.creds, p.creds.Validate()
}

func (p *StaticProvider) Close() error { return nil }

// EnvProvider reads credentials from environment variables on every call.
type EnvProvider struct {
	tokenVar    string
	userVar     string
	passwordVar string
}

// NewEnvTokenProvider reads a token from tokenVar.
func NewEnvTokenProvider(tokenVar string) *EnvProvider {
	return &EnvProvider{tokenVar: tokenVar}
}

// NewEnvUserPasswordProvider reads a user and password from two variables.
func NewEnvUserPasswordProvider(userVar, passwordVar string) *EnvProvider {
	return &EnvProvider{userVar: userVar, passwordVar: passwordVar}
}

func (p *EnvProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	var creds *Credentials
	if p.tokenVar != "" {
		creds = &Credentials{Type: CredentialTypeToken, Token: os.Getenv(p.tokenVar)}
	} else {
		creds = &Credentials{Type: CredentialTypeUserPassword, User: os.Getenv(p.userVar), Password: os.Getenv(p.passwordVar)}
	}
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("credentials from environment: %w", err)
	}
	return creds, nil
}

func (p *EnvProvider) Close() error { return nil }
