package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/next-trace/jitney/codec"
	berr "github.com/next-trace/jitney/contract/errors"
)

// NewWithPool connects a pgx pool to dsn, creates the tables when missing and returns the
// backend plus a cleanup closing the pool.
func NewWithPool(ctx context.Context, dsn string, registry *codec.Registry) (*Backend, func(), error) {
	if dsn == "" {
		return nil, nil, fmt.Errorf("%w: postgres dsn required", berr.ErrNotConnected)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres open: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return New(pool, registry), pool.Close, nil
}
