// Package tenant binds the current tenant to a unit of work and to the
// database session the unit of work runs on. Row-level security policies in
// Postgres read the same marker, so an unbound session matches no rows.
package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNoTenant = errors.New("no tenant bound to context")

type ctxKey struct{}

// WithTenant returns a context carrying the tenant id for this unit of work.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, tenantID)
}

// FromContext reads the bound tenant id. ok is false when none was bound;
// callers must treat that as a hard stop, not a wildcard.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Scope hands out pooled connections with the tenant marker set for the
// connection's checkout lifetime.
type Scope struct {
	Pool *pgxpool.Pool
}

// Acquire checks out a connection and binds the context's tenant id to it via
// set_config. The returned release func clears the marker and returns the
// connection to the pool; it must run on every exit path. Acquire fails
// closed when the context carries no tenant.
func (s *Scope) Acquire(ctx context.Context) (*pgxpool.Conn, func(), error) {
	tenantID, ok := FromContext(ctx)
	if !ok {
		return nil, nil, ErrNoTenant
	}

	conn, err := s.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}

	if _, err := conn.Exec(ctx, `SELECT set_config('app.tenant_id', $1, false)`, tenantID); err != nil {
		conn.Release()
		return nil, nil, err
	}

	release := func() {
		// The marker must not survive into the next checkout even if the
		// caller's context is already cancelled.
		clearCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(clearCtx, `RESET app.tenant_id`); err != nil {
			// A connection we could not clear is not safe to reuse.
			conn.Conn().Close(clearCtx)
		}
		conn.Release()
	}
	return conn, release, nil
}

// WithContext is the scoped-execution helper: it binds tenantID, acquires a
// scoped connection, runs fn, and guarantees the marker is cleared on all
// exit paths.
func (s *Scope) WithContext(ctx context.Context, tenantID string, fn func(ctx context.Context, conn *pgxpool.Conn) error) error {
	ctx = WithTenant(ctx, tenantID)
	conn, release, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx, conn)
}
