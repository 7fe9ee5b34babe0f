package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/stock-holds-and-orders/internal/domain"
	"github.com/robertarktes/stock-holds-and-orders/internal/observability"
)

const (
	serializationFailureCode = "40001"
	deadlockDetectedCode     = "40P01"
	lockNotAvailableCode     = "55P03"
)

type txKey struct{}

// txCarrier is the per-transaction state carried on the context: the handle
// itself plus callbacks deferred until the outermost commit.
type txCarrier struct {
	tx    pgx.Tx
	after []func()
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn inside a transaction carried on the context. A nested call
// joins the caller's transaction, so multi-service operations form one atomic
// unit and share row-lock visibility.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if carrierFromContext(ctx) != nil {
		return fn(ctx)
	}

	start := time.Now()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return mapError(err)
	}

	carrier := &txCarrier{tx: tx}
	txCtx := context.WithValue(ctx, txKey{}, carrier)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return mapError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err)
	}

	observability.DBTxDuration.Observe(time.Since(start).Seconds())
	for _, hook := range carrier.after {
		hook()
	}
	return nil
}

// WithSavepoint runs fn inside a savepoint on the carried transaction, so a
// failing fn rolls back only its own writes while the outer transaction stays
// open. Without a transaction in flight it is equivalent to WithTx.
func (r *Repository) WithSavepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	parent := carrierFromContext(ctx)
	if parent == nil {
		return r.WithTx(ctx, fn)
	}

	sp, err := parent.tx.Begin(ctx)
	if err != nil {
		return mapError(err)
	}
	child := &txCarrier{tx: sp}
	spCtx := context.WithValue(ctx, txKey{}, child)
	if err := fn(spCtx); err != nil {
		_ = sp.Rollback(ctx)
		return mapError(err)
	}
	if err := sp.Commit(ctx); err != nil {
		return mapError(err)
	}
	parent.after = append(parent.after, child.after...)
	return nil
}

// AfterCommit defers fn until the outermost transaction on ctx commits; a
// rolled-back transaction or savepoint drops it. With no transaction in
// flight fn runs immediately.
func (r *Repository) AfterCommit(ctx context.Context, fn func()) {
	if carrier := carrierFromContext(ctx); carrier != nil {
		carrier.after = append(carrier.after, fn)
		return
	}
	fn()
}

func carrierFromContext(ctx context.Context) *txCarrier {
	carrier, _ := ctx.Value(txKey{}).(*txCarrier)
	return carrier
}

func txFromContext(ctx context.Context) pgx.Tx {
	if carrier := carrierFromContext(ctx); carrier != nil {
		return carrier.tx
	}
	return nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// mapError marks lock and serialization conflicts as transient so callers can
// distinguish them from logical rejections.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case serializationFailureCode, deadlockDetectedCode, lockNotAvailableCode:
			return errors.Mark(err, domain.ErrTransient)
		}
	}
	return err
}
