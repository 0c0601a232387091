/*
 * Vellum
 * Copyright (C) 2025  Vellum Labs, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package tenantdb routes pooled Postgres connections to tenant schemas.
//
// Tenant state never lives in the pool: every checkout takes an explicit
// schema, applies it with SET search_path, and resets the search path before
// the connection returns to the pool. A connection that cannot be reset is
// destroyed rather than reused. Callers resolve the schema from their
// request context and pass it down, so a missing tenant binding fails before
// any connection is touched.
package tenantdb

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vellumlabs/vellum/lib/tenancy"
)

// Config configures a Pool.
type Config struct {
	// ConnString is a Postgres connection string, URL or DSN form.
	ConnString string
	// Logger emits pool logs.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnString == "" {
		return trace.BadParameter("missing ConnString")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Pool wraps a pgx pool with tenant schema routing.
type Pool struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New connects to Postgres and returns a schema-routing pool.
func New(ctx context.Context, cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, trace.Wrap(err, "parsing connection string")
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, trace.Wrap(err, "connecting to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, trace.Wrap(err, "pinging database")
	}
	return &Pool{
		pool:   pool,
		logger: cfg.Logger,
	}, nil
}

// WrapPool adapts an existing pgx pool, used by tests that manage their own
// database lifecycle.
func WrapPool(pool *pgxpool.Pool, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{pool: pool, logger: logger}
}

// Close releases all pooled connections.
func (p *Pool) Close() {
	p.pool.Close()
}

// WithSchema checks out a connection, applies the given tenant schema, and
// runs fn on it.
func (p *Pool) WithSchema(ctx context.Context, schema string, fn func(conn *pgxpool.Conn) error) error {
	return trace.Wrap(p.withSearchPath(ctx, schema, fn))
}

// RunInTx checks out a connection, applies the given tenant schema, and runs
// fn inside a transaction on it. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (p *Pool) RunInTx(ctx context.Context, schema string, fn func(tx pgx.Tx) error) error {
	return trace.Wrap(p.withSearchPath(ctx, schema, func(conn *pgxpool.Conn) error {
		return trace.Wrap(runTx(ctx, conn, fn))
	}))
}

// Public checks out a connection pinned to the public schema and runs fn on
// it. The customer registry lives there.
func (p *Pool) Public(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	return trace.Wrap(p.withSearchPath(ctx, tenancy.PublicSchema, fn))
}

// PublicTx runs fn inside a transaction on the public schema.
func (p *Pool) PublicTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return trace.Wrap(p.withSearchPath(ctx, tenancy.PublicSchema, func(conn *pgxpool.Conn) error {
		return trace.Wrap(runTx(ctx, conn, fn))
	}))
}

func (p *Pool) withSearchPath(ctx context.Context, schema string, fn func(conn *pgxpool.Conn) error) error {
	// The schema ends up interpolated into SET search_path, so it is
	// validated even when it came from a trusted row.
	if schema != tenancy.PublicSchema {
		if err := tenancy.CheckSchema(schema); err != nil {
			return trace.Wrap(err)
		}
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return trace.Wrap(err, "acquiring connection")
	}
	defer p.releaseClean(ctx, conn)

	setPath := "SET search_path TO " + pgx.Identifier{schema}.Sanitize() + ", public"
	if schema == tenancy.PublicSchema {
		setPath = "SET search_path TO public"
	}
	if _, err := conn.Exec(ctx, setPath); err != nil {
		return trace.Wrap(err, "applying search_path for schema %q", schema)
	}
	return trace.Wrap(fn(conn))
}

// releaseClean resets the search path before the connection re-enters the
// pool. A connection that cannot be reset is closed instead of reused.
func (p *Pool) releaseClean(ctx context.Context, conn *pgxpool.Conn) {
	if _, err := conn.Exec(context.WithoutCancel(ctx), "RESET search_path"); err != nil {
		p.logger.WarnContext(ctx, "Failed to reset search_path, destroying connection.", "error", err)
		_ = conn.Conn().Close(context.WithoutCancel(ctx))
	}
	conn.Release()
}

func runTx(ctx context.Context, conn *pgxpool.Conn, fn func(tx pgx.Tx) error) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return trace.Wrap(err, "beginning transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return trace.NewAggregate(err, rbErr)
		}
		return trace.Wrap(err)
	}
	return trace.Wrap(tx.Commit(ctx))
}
