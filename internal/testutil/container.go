package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	postgresImage = "postgres:16-alpine"
	mailpitImage  = "ghcr.io/axllent/mailpit:latest"
)

// PostgresContainer wraps a postgres testcontainer.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// MailpitContainer wraps a Mailpit testcontainer: an SMTP sink with a REST
// API for reading what was delivered.
type MailpitContainer struct {
	testcontainers.Container
	SMTPHost string
	SMTPPort int
	APIHost  string
	APIPort  int
}

// Stack is the set of containers the integration suite runs against.
type Stack struct {
	Postgres *PostgresContainer
	Mailpit  *MailpitContainer
}

// StartStack starts PostgreSQL and Mailpit concurrently. On failure every
// container that did start is terminated.
func StartStack(ctx context.Context) (*Stack, error) {
	stack := &Stack{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := NewPostgresContainer(gctx)
		stack.Postgres = c
		return err
	})
	g.Go(func() error {
		c, err := NewMailpitContainer(gctx)
		stack.Mailpit = c
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, multierr.Append(err, stack.Terminate(context.Background()))
	}
	return stack, nil
}

// Terminate stops every started container.
func (s *Stack) Terminate(ctx context.Context) error {
	var errs error
	if s.Postgres != nil {
		errs = multierr.Append(errs, s.Postgres.Terminate(ctx))
	}
	if s.Mailpit != nil {
		errs = multierr.Append(errs, s.Mailpit.Terminate(ctx))
	}
	return errs
}

// NewPostgresContainer creates a new PostgreSQL container for testing.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase("maillist"),
		postgres.WithUsername("maillist"),
		postgres.WithPassword("maillist"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("get connection string: %w", err), container.Terminate(ctx))
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionString:  connStr,
	}, nil
}

// NewMailpitContainer creates a new Mailpit container for testing.
func NewMailpitContainer(ctx context.Context) (*MailpitContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        mailpitImage,
		ExposedPorts: []string{"1025/tcp", "8025/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("1025/tcp"),
			wait.ForHTTP("/api/v1/info").WithPort("8025/tcp"),
		).WithDeadline(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("start mailpit container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("get mailpit host: %w", err), container.Terminate(ctx))
	}

	smtpPort, err := container.MappedPort(ctx, "1025/tcp")
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("get smtp port: %w", err), container.Terminate(ctx))
	}

	apiPort, err := container.MappedPort(ctx, "8025/tcp")
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("get api port: %w", err), container.Terminate(ctx))
	}

	return &MailpitContainer{
		Container: container,
		SMTPHost:  host,
		SMTPPort:  smtpPort.Int(),
		APIHost:   host,
		APIPort:   apiPort.Int(),
	}, nil
}
