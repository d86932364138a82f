// Command eventsourcing runs the bank account example end to end: it opens
// the sqlite event store, starts the NATS change feed and the projection
// listener, executes a few commands and prints the resulting read model.
//
// Configuration comes from ES_* environment variables, see pkg/config.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/plaenen/eventsourcing/examples/bankaccount"
	"github.com/plaenen/eventsourcing/pkg/blobsink"
	"github.com/plaenen/eventsourcing/pkg/config"
	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
	"github.com/plaenen/eventsourcing/pkg/listener"
	"github.com/plaenen/eventsourcing/pkg/middleware"
	"github.com/plaenen/eventsourcing/pkg/observability"
	"github.com/plaenen/eventsourcing/pkg/runner"
	"github.com/plaenen/eventsourcing/pkg/runtime/eventbus"
	"github.com/plaenen/eventsourcing/pkg/security/credentials"
	"github.com/plaenen/eventsourcing/pkg/sqlite"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format).
		With(slog.String("service", cfg.ServiceName))
	slog.SetDefault(logger)

	tel, err := observability.Init(ctx, observability.Config{
		ServiceName:     cfg.ServiceName,
		ServiceVersion:  cfg.Telemetry.ServiceVersion,
		Environment:     cfg.Environment,
		TraceSampleRate: cfg.Telemetry.SampleRate,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	store, err := sqlite.NewEventStore(ctx, cfg.SQLiteOptions()...)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	busOpts := []eventbus.Option{
		eventbus.WithConfig(cfg.NATS()),
		eventbus.WithLogger(logger),
		eventbus.WithTracer(tel.Tracer("eventbus")),
	}
	if cfg.Bus.Embedded {
		busOpts = append(busOpts, eventbus.WithEmbeddedServer(cfg.Bus.StoreDir))
	}
	if cfg.Bus.KeeperURL != "" {
		provider, err := credentials.NewSecretProvider(ctx, cfg.Bus.KeeperURL, nil,
			credentials.WithSealedSource(func(context.Context) ([]byte, error) {
				return os.ReadFile(cfg.Bus.CredentialsFile)
			}),
		)
		if err != nil {
			return fmt.Errorf("load bus credentials: %w", err)
		}
		defer provider.Close()
		busOpts = append(busOpts, eventbus.WithCredentials(provider))
	}
	bus := eventbus.New(busOpts...)

	app := &bank{
		cfg:    cfg,
		store:  store,
		bus:    bus,
		tel:    tel,
		logger: logger,
	}

	r := runner.New([]runner.Service{bus, app}, runner.WithLogger(logger))
	return r.Run(ctx)
}

// bank wires the command side and the projection listener once the bus is
// connected, then runs a short scenario.
type bank struct {
	cfg    config.Config
	store  *sqlite.EventStore
	bus    *eventbus.Service
	tel    *observability.Telemetry
	logger *slog.Logger

	listener    *listener.Service
	deadLetters *blobsink.Sink
}

func (b *bank) Name() string {
	return "bank"
}

func (b *bank) Start(ctx context.Context) error {
	checkpoints, err := sqlite.NewCheckpointStore(ctx, b.store.DB())
	if err != nil {
		return err
	}
	views := sqlite.NewRepository[bankaccount.AccountView](b.store.DB(), bankaccount.ProjectionName)

	var sink eventsourcing.DeadLetterSink = sqlite.NewDeadLetterStore(b.store.DB())
	if b.cfg.Listener.DeadLetterURL != "" {
		b.deadLetters, err = blobsink.Open(ctx, b.cfg.Listener.DeadLetterURL, b.cfg.Listener.DeadLetterPath)
		if err != nil {
			return err
		}
		sink = b.deadLetters
	}

	listenerOpts := append(b.cfg.ListenerOptions(),
		listener.WithDeadLetterSink(sink),
		listener.WithLogger(b.logger),
		listener.WithTracer(b.tel.Tracer("listener")),
		listener.WithMetrics(b.tel.Metrics),
	)
	l := listener.New(b.bus.EventBus(), checkpoints,
		[]eventsourcing.Projection{bankaccount.NewAccountViewProjection(views)},
		listenerOpts...,
	)
	b.listener = listener.NewService(l)
	if err := b.listener.Start(ctx); err != nil {
		return err
	}

	handlerOpts := append(b.cfg.HandlerOptions(),
		eventsourcing.WithEventPublisher(b.bus.EventBus()),
		eventsourcing.WithHandlerLogger(b.logger),
		eventsourcing.WithHandlerTracer(b.tel.Tracer("commands")),
		eventsourcing.WithHandlerMetrics(b.tel.Metrics),
	)
	if strategy := b.cfg.SnapshotStrategy(); strategy != nil {
		handlerOpts = append(handlerOpts, eventsourcing.WithSnapshots(sqlite.NewSnapshotStore(b.store.DB()), strategy))
	}
	handler := eventsourcing.NewCommandHandler(b.store, eventsourcing.NewRegistry(bankaccount.Aggregate), handlerOpts...)

	exec := eventsourcing.Chain(handler,
		middleware.Recovery(b.logger),
		middleware.Logging(b.logger),
		middleware.Tracing("commands"),
		middleware.Validation(nil),
	)

	if err := b.scenario(ctx, exec, bankaccount.NewAccountQuery(views)); err != nil {
		return errors.Join(err, b.Stop(context.WithoutCancel(ctx)))
	}
	return nil
}

func (b *bank) scenario(ctx context.Context, exec eventsourcing.Executor, accounts *eventsourcing.QueryHandler[bankaccount.GetAccount, bankaccount.AccountView, bankaccount.AccountView]) error {
	id := "acct-" + time.Now().UTC().Format("20060102150405")
	steps := []any{
		bankaccount.OpenAccount{Owner: "Ada Lovelace"},
		bankaccount.Deposit{Amount: decimal.NewFromInt(100)},
		bankaccount.Withdraw{Amount: decimal.NewFromInt(150)},
		bankaccount.Withdraw{Amount: decimal.NewFromInt(40)},
	}

	for i, intent := range steps {
		cmd := bankaccount.NewCommand(id, intent)
		cmd.Metadata = eventsourcing.CommandMetadata{
			CommandID:   fmt.Sprintf("%s-%d", id, i),
			PrincipalID: "demo",
		}
		version, err := exec.Execute(ctx, cmd)
		switch {
		case eventsourcing.IsDomainError(err):
			b.logger.InfoContext(ctx, "command rejected", slog.String("command", cmd.Name()), slog.String("rule", err.Error()))
		case err != nil:
			return err
		default:
			b.logger.InfoContext(ctx, "command committed", slog.String("command", cmd.Name()), slog.Int64("version", version))
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		view, err := accounts.Execute(ctx, bankaccount.GetAccount{ID: id})
		if err == nil && view.Version == 3 {
			b.logger.InfoContext(ctx, "account view",
				slog.String("id", view.ID),
				slog.String("owner", view.Owner),
				slog.String("balance", view.Balance.String()),
				slog.Int("transactions", view.Transactions),
			)
			return nil
		}
		if time.Now().After(deadline) {
			b.logger.WarnContext(ctx, "account view not caught up yet", slog.String("id", id))
			return nil
		}
		if err := eventsourcing.Sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}
}

func (b *bank) Stop(ctx context.Context) error {
	var err error
	if b.listener != nil {
		err = b.listener.Stop(ctx)
	}
	if b.deadLetters != nil {
		if closeErr := b.deadLetters.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

var _ runner.Service = (*bank)(nil)
