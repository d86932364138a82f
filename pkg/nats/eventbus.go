// Package nats implements the change feed on NATS JetStream.
//
// Committed events are published to events.<aggregate type>.<event type>
// with the event ID as JetStream message ID, so a republish of the same
// event inside the duplicate window is dropped by the server. Each consumer
// is a durable pull consumer: it resumes where it left off after a restart
// and sees every event published while it was away.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/security/credentials"
)

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// Name identifies the connection on the server
	Name string

	// StreamName is the JetStream stream name for events
	StreamName string

	// SubjectPrefix is the first subject token of every event
	SubjectPrefix string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// DuplicateWindow is how long the server remembers message IDs
	DuplicateWindow time.Duration

	// AckWait is how long the server waits for an ack before redelivering
	AckWait time.Duration

	// NakDelay delays redelivery of nacked events
	NakDelay time.Duration

	// FetchBatch is the number of messages pulled per request
	FetchBatch int

	// FetchWait bounds a single pull request
	FetchWait time.Duration
}

// DefaultConfig returns defaults for a local server.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		Name:            "eventsourcing",
		StreamName:      "EVENTS",
		SubjectPrefix:   "events",
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		DuplicateWindow: 2 * time.Minute,
		AckWait:         30 * time.Second,
		NakDelay:        500 * time.Millisecond,
		FetchBatch:      16,
		FetchWait:       time.Second,
	}
}

// EventBus publishes committed events and hands out durable subscriptions.
// It implements eventsourcing.EventPublisher and eventsourcing.EventBus.
type EventBus struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger
	creds  credentials.Provider
	closed chan struct{}
}

// Option configures an EventBus.
type Option func(*EventBus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *EventBus) {
		b.logger = logger
	}
}

// WithCredentials authenticates the connection with credentials from p.
func WithCredentials(p credentials.Provider) Option {
	return func(b *EventBus) {
		b.creds = p
	}
}

func authOption(ctx context.Context, p credentials.Provider) (nats.Option, error) {
	creds, err := p.GetCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	switch creds.Type {
	case credentials.CredentialTypeToken:
		return nats.Token(creds.Token), nil
	case credentials.CredentialTypeUserPassword:
		return nats.UserInfo(creds.User, creds.Password), nil
	case credentials.CredentialTypeJWT:
		return nats.UserJWTAndSeed(creds.JWT, creds.Seed), nil
	default:
		return nil, fmt.Errorf("%w: unsupported type %q", credentials.ErrInvalidCredentials, creds.Type)
	}
}

// Connect connects to NATS and creates or updates the event stream.
func Connect(ctx context.Context, config Config, opts ...Option) (*EventBus, error) {
	b := &EventBus{
		config: config,
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	natsOpts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(b.closed)
		}),
	}
	if b.creds != nil {
		auth, err := authOption(ctx, b.creds)
		if err != nil {
			return nil, err
		}
		natsOpts = append(natsOpts, auth)
	}

	nc, err := nats.Connect(config.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b.nc = nc
	b.js = js

	if err := b.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	return b, nil
}

func (b *EventBus) ensureStream(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:       b.config.StreamName,
		Subjects:   []string{b.config.SubjectPrefix + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     b.config.MaxAge,
		MaxBytes:   b.config.MaxBytes,
		Duplicates: b.config.DuplicateWindow,
		Storage:    nats.FileStorage,
		Replicas:   1,
	}

	stream, err := b.js.StreamInfo(b.config.StreamName, nats.Context(ctx))
	if errors.Is(err, nats.ErrStreamNotFound) {
		if _, err := b.js.AddStream(streamConfig, nats.Context(ctx)); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stream info: %w", err)
	}

	if stream.Config.MaxAge != b.config.MaxAge || stream.Config.MaxBytes != b.config.MaxBytes {
		if _, err := b.js.UpdateStream(streamConfig, nats.Context(ctx)); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
	}
	return nil
}

// Subject returns the subject an event is published on.
func (b *EventBus) Subject(e *eventsourcing.Event) string {
	return fmt.Sprintf("%s.%s.%s", b.config.SubjectPrefix, subjectToken(e.AggregateType), subjectToken(e.EventType))
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}

// Publish publishes events in order and waits for each to be stored.
func (b *EventBus) Publish(ctx context.Context, events []*eventsourcing.Event) error {
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}

		if _, err := b.js.Publish(b.Subject(e), data, nats.MsgId(e.ID), nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish event %s: %w", e.ID, err)
		}
	}
	return nil
}

// Subscribe binds to the durable consumer opts.Consumer, creating it on first
// use. Events whose type is not in opts.EventTypes are acknowledged and
// skipped by the subscription.
func (b *EventBus) Subscribe(ctx context.Context, opts eventsourcing.SubscribeOptions) (eventsourcing.Subscription, error) {
	if opts.Consumer == "" {
		return nil, fmt.Errorf("subscribe: consumer name is required")
	}

	if err := b.ensureConsumer(ctx, opts.Consumer); err != nil {
		return nil, err
	}

	// Binding to a consumer we created ourselves keeps Unsubscribe from
	// deleting it.
	sub, err := b.js.PullSubscribe("", opts.Consumer, nats.Bind(b.config.StreamName, opts.Consumer))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", opts.Consumer, err)
	}

	return &subscription{
		bus:  b,
		sub:  sub,
		opts: opts,
	}, nil
}

func (b *EventBus) ensureConsumer(ctx context.Context, name string) error {
	_, err := b.js.ConsumerInfo(b.config.StreamName, name, nats.Context(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("consumer info %s: %w", name, err)
	}

	_, err = b.js.AddConsumer(b.config.StreamName, &nats.ConsumerConfig{
		Durable:       name,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckWait:       b.config.AckWait,
		MaxDeliver:    -1,
		FilterSubject: b.config.SubjectPrefix + ".>",
	}, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", name, err)
	}
	return nil
}

// Healthy reports whether the connection is up.
func (b *EventBus) Healthy() error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection %s", status)
	}
	return nil
}

// Close drains the connection, letting in-flight acks reach the server,
// and waits for it to close or for ctx to end.
func (b *EventBus) Close(ctx context.Context) error {
	if b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats: %w", err)
	}

	select {
	case <-b.closed:
		return nil
	case <-ctx.Done():
		b.nc.Close()
		return ctx.Err()
	}
}

var (
	_ eventsourcing.EventPublisher = (*EventBus)(nil)
	_ eventsourcing.EventBus       = (*EventBus)(nil)
)
