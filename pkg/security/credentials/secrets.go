package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gocloud.dev/secrets"
)

// DefaultCacheTTL is how long decrypted credentials are reused.
const DefaultCacheTTL = 5 * time.Minute

// Seal encrypts creds with the keeper at keeperURL.
func Seal(ctx context.Context, keeperURL string, creds *Credentials) ([]byte, error) {
	plaintext, err := encode(creds)
	if err != nil {
		return nil, err
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("open keeper: %w", err)
	}
	defer keeper.Close()

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}
	return ciphertext, nil
}

// SecretProvider decrypts sealed credentials with a gocloud.dev keeper and
// caches the result for a TTL.
type SecretProvider struct {
	keeper *secrets.Keeper
	sealed func(ctx context.Context) ([]byte, error)
	ttl    time.Duration

	mu      sync.Mutex
	cached  *Credentials
	expires time.Time
	closed  bool
}

// SecretOption configures a SecretProvider.
type SecretOption func(*SecretProvider)

// WithCacheTTL sets how long decrypted credentials are reused.
func WithCacheTTL(ttl time.Duration) SecretOption {
	return func(p *SecretProvider) {
		p.ttl = ttl
	}
}

// WithSealedSource re-reads the ciphertext from fn on every cache refresh,
// so rotated secrets are picked up without a restart.
func WithSealedSource(fn func(ctx context.Context) ([]byte, error)) SecretOption {
	return func(p *SecretProvider) {
		p.sealed = fn
	}
}

// NewSecretProvider opens the keeper and decrypts sealed once to fail fast.
func NewSecretProvider(ctx context.Context, keeperURL string, sealed []byte, opts ...SecretOption) (*SecretProvider, error) {
	if keeperURL == "" {
		return nil, fmt.Errorf("keeper URL is required")
	}

	keeper, err := secrets.OpenKeeper(ctx, keeperURL)
	if err != nil {
		return nil, fmt.Errorf("open keeper: %w", err)
	}

	p := &SecretProvider{
		keeper: keeper,
		sealed: func(context.Context) ([]byte, error) { return sealed, nil },
		ttl:    DefaultCacheTTL,
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.GetCredentials(ctx); err != nil {
		keeper.Close()
		return nil, err
	}
	return p, nil
}

func (p *SecretProvider) GetCredentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClosed
	}

	if p.cached == nil || time.Now().After(p.expires) {
		ciphertext, err := p.sealed(ctx)
		if err != nil {
			return nil, fmt.Errorf("read sealed credentials: %w", err)
		}
		plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt credentials: %w", err)
		}
		creds, err := decode(plaintext)
		if err != nil {
			return nil, err
		}
		p.cached = creds
		p.expires = time.Now().Add(p.ttl)
	}

	if p.cached.IsExpired() {
		return nil, ErrCredentialsExpired
	}
	return p.cached, nil
}

// Invalidate drops the cached credentials so the next call decrypts again.
func (p *SecretProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}
