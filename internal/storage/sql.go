package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// SQLProvider implements Provider over any database/sql driver. Queries are
// written with ? placeholders and rebound for the driver.
type SQLProvider struct {
	db *sqlx.DB
	// ext is db, or the transaction when created by InTx.
	ext sqlx.ExtContext

	// dialect names the migrations directory.
	dialect string

	logger *slog.Logger
}

func NewSQLProvider(db *sqlx.DB, dialect string) *SQLProvider {
	return &SQLProvider{
		db:      db,
		ext:     db,
		dialect: dialect,
		logger:  slog.With("component", "storage", "dialect", dialect),
	}
}

func (p *SQLProvider) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

func (p *SQLProvider) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// DB exposes the underlying handle for maintenance commands.
func (p *SQLProvider) DB() *sqlx.DB {
	return p.db
}

func (p *SQLProvider) inTx() bool {
	_, ok := p.ext.(*sqlx.Tx)
	return ok
}

func (p *SQLProvider) InTx(ctx context.Context, fn func(Store) error) (err error) {
	// Nested calls join the running transaction.
	if p.inTx() {
		return fn(p)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			p.logger.Warn("Failed to roll back transaction", "error", rbErr)
		}
	}()

	txp := &SQLProvider{db: p.db, ext: tx, dialect: p.dialect, logger: p.logger}
	if err = fn(txp); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *SQLProvider) get(ctx context.Context, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, p.ext, dest, p.ext.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (p *SQLProvider) selectAll(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, p.ext, dest, p.ext.Rebind(query), args...)
}

// selectIn expands slice arguments of an IN (?) clause before selecting.
func (p *SQLProvider) selectIn(ctx context.Context, dest any, query string, args ...any) error {
	expanded, inArgs, err := sqlx.In(query, args...)
	if err != nil {
		return err
	}
	return p.selectAll(ctx, dest, expanded, inArgs...)
}

// exec runs a statement and returns the number of affected rows.
func (p *SQLProvider) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := p.ext.ExecContext(ctx, p.ext.Rebind(query), args...)
	if err != nil {
		return 0, p.classify(err)
	}
	return res.RowsAffected()
}

// insert runs a named INSERT with the fields of arg.
func (p *SQLProvider) insert(ctx context.Context, query string, arg any) error {
	if _, err := sqlx.NamedExecContext(ctx, p.ext, query, arg); err != nil {
		return p.classify(err)
	}
	return nil
}

func (p *SQLProvider) classify(err error) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return isSQLiteUniqueViolation(err) || isPostgresUniqueViolation(err)
}
