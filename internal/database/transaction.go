package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txStatusKey = TxContextKey("txStatus")
const txKey = TxContextKey("tx-context-key")

// txStatusJoined marks a context handed to a callee that joined an already
// open transaction. Commit and Rollback no-op on such contexts; the opener's
// context carries txStatusOwner, so its deferred Rollback is live.
const (
	txStatusOwner  = "owner"
	txStatusJoined = "joined"
)

// Tx is the subset of sqlx.Tx the repositories use inside transactions.
// Commit and Rollback are context-aware: a transaction opened higher up the
// call stack (and stored in the context) is left for its opener to close.
type Tx interface {
	IsOpen() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// txCloser is the commit/rollback surface of sqlx.Tx.
type txCloser interface {
	Commit() error
	Rollback() error
}

// Transaction wraps sqlx.Tx and tracks whether it is still open.
type Transaction struct {
	*sqlx.Tx
	closer   txCloser
	logger   ectologger.Logger
	isClosed bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) Tx {
	return &Transaction{
		Tx:       tx,
		closer:   tx,
		logger:   logger,
		isClosed: false,
	}
}

// TxFromContext returns the open transaction carried by the context, if any.
func TxFromContext(ctx context.Context) (Tx, bool) {
	tx, ok := ctx.Value(txKey).(Tx)
	if ok && tx != nil && tx.IsOpen() {
		return tx, true
	}
	return nil, false
}

// GetTx returns the transaction stored in the context if one is open,
// otherwise it begins a new one and stores it. A joined caller gets a
// context marked so its Commit/Rollback defer to the opener; only the
// opener's context closes the transaction for real.
func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	ctxTx, ok := ctx.Value(txKey).(Tx)
	if ok && ctxTx != nil && ctxTx.IsOpen() {
		return context.WithValue(ctx, txStatusKey, txStatusJoined), ctxTx, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction")
	}

	newTx := NewTx(tx, logger)

	ctx = context.WithValue(ctx, txStatusKey, txStatusOwner)
	ctx = context.WithValue(ctx, txKey, newTx)
	return ctx, newTx, nil
}

func (t *Transaction) IsOpen() bool {
	return !t.isClosed
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	status, ok := ctx.Value(txStatusKey).(string)
	if ok && status == txStatusJoined {
		return nil // joined an outer transaction; the opener closes it
	}

	err := t.closer.Rollback()
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction")
	}

	t.isClosed = true
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if t.isClosed {
		return nil
	}

	status, ok := ctx.Value(txStatusKey).(string)
	if ok && status == txStatusJoined {
		return nil // joined an outer transaction; the opener closes it
	}

	err := t.closer.Commit()
	if err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction")
	}

	t.isClosed = true
	return nil
}
