package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	postgresImage  = "postgres:16"
	stressDatabase = "trustgate_stress"
	stressRole     = "testuser"
	stressPassword = "testpass"
)

// Postgres is a throwaway database for one stress run.
type Postgres struct {
	container *postgres.PostgresContainer
	DSN       string
}

// StartPostgres runs a Postgres 16 container holding the stress database and
// waits until it accepts connections.
func StartPostgres(ctx context.Context, log logrus.FieldLogger) (*Postgres, error) {
	started := time.Now()
	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase(stressDatabase),
		postgres.WithUsername(stressRole),
		postgres.WithPassword(stressPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("infra: run %s: %w", postgresImage, err)
	}
	dsn, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = c.Terminate(ctx)
		return nil, fmt.Errorf("infra: container dsn: %w", err)
	}
	log.WithFields(logrus.Fields{
		"image":   postgresImage,
		"startup": time.Since(started).Round(time.Millisecond),
	}).Info("infra: postgres container ready")
	return &Postgres{container: c, DSN: dsn}, nil
}

// Close terminates the container. Databases the harness did not start are
// left alone.
func (p *Postgres) Close(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}
