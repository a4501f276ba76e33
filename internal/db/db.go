// Package db owns the embedded sqlite database backing the durable state
// store and service registry: connection setup, schema migrations, and a
// retrying transaction executor.
package db

import (
	"context"
	"database/sql"
	"time"
)

const (
	// DefaultNumTxRetries is how many times a transaction is retried when
	// it fails with a serialization or deadlock error.
	DefaultNumTxRetries = 10

	// DefaultInitialRetryDelay seeds the retry backoff. The actual delay
	// is randomized between 50% and 150% of this value and doubled per
	// attempt, so concurrent writers hitting the same busy database don't
	// retry in lockstep.
	DefaultInitialRetryDelay = time.Millisecond * 40

	// DefaultMaxRetryDelay caps the backoff between retries.
	DefaultMaxRetryDelay = time.Second * 3
)

// TxOptions describes the transaction a caller wants. With sqlite in WAL
// mode, read-only transactions can proceed concurrently with a writer.
type TxOptions interface {
	// ReadOnly returns true if the transaction should be read-only.
	ReadOnly() bool
}

// BaseTxOptions is the plain implementation of TxOptions.
type BaseTxOptions struct {
	readOnly bool
}

// ReadOnly returns true if the transaction should be read only.
//
// NOTE: This implements the TxOptions interface.
func (o *BaseTxOptions) ReadOnly() bool {
	return o.readOnly
}

// ReadTxOption returns a TxOptions that indicates a read-only transaction.
func ReadTxOption() *BaseTxOptions {
	return &BaseTxOptions{readOnly: true}
}

// WriteTxOption returns a TxOptions that indicates a write transaction.
func WriteTxOption() *BaseTxOptions {
	return &BaseTxOptions{readOnly: false}
}

// BatchedTx executes a body of queries against storage interface Q inside a
// single atomic transaction. The state store's compare-and-set path leans on
// this atomicity.
type BatchedTx[Q any] interface {
	// ExecTx runs txBody against a Q scoped to one transaction.
	ExecTx(ctx context.Context, txOptions TxOptions,
		txBody func(Q) error) error
}

// QueryCreator builds the storage interface Q around an open transaction, so
// every query txBody issues is bound to it.
type QueryCreator[Q any] func(*sql.Tx) Q

// BatchedQuerier can open transactions described by TxOptions.
type BatchedQuerier interface {
	// BeginTx creates a new database transaction given the set of
	// transaction options.
	BeginTx(ctx context.Context, options TxOptions) (*sql.Tx, error)
}

// BaseDB wraps the raw connection with the TxOptions-aware BeginTx that the
// transaction executor consumes.
type BaseDB struct {
	*sql.DB
}

// NewBaseDB creates a new BaseDB instance from a sql.DB connection.
func NewBaseDB(db *sql.DB) *BaseDB {
	return &BaseDB{DB: db}
}

// BeginTx maps the abstract TxOptions onto the concrete sql.TxOptions and
// opens the transaction.
func (s *BaseDB) BeginTx(ctx context.Context,
	opts TxOptions) (*sql.Tx, error) {

	sqlOptions := sql.TxOptions{
		ReadOnly: opts.ReadOnly(),
	}

	return s.DB.BeginTx(ctx, &sqlOptions)
}
