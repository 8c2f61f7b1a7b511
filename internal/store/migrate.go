package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationError reports inconsistent migration bookkeeping. It is fatal
// at startup: a database whose `_migration` cell disagrees with the
// compiled-in migration list must not be served.
type MigrationError struct {
	Problem string
}

func (e *MigrationError) Error() string {
	return "bad migration state: " + e.Problem
}

// migration is one schema step: a name (recorded in `_migration` for
// error-checking) and the statements that perform it.
type migration struct {
	name       string
	statements []string
}

// migrations is the ordered list of schema steps. Append-only: entry i
// is migration number i+1, and the recorded name of the latest applied
// migration must match its position here.
func migrations() []migration {
	return []migration{
		{
			name: "create_merge_tables",
			statements: []string{
				`CREATE TABLE pull_request (
					owner VARCHAR(255) NOT NULL,
					repo VARCHAR(255) NOT NULL,
					number BIGINT NOT NULL,
					commit_hash VARCHAR(255) NOT NULL,
					state VARCHAR(32) NOT NULL,
					timestamp BIGINT NOT NULL,
					UNIQUE (owner, repo, number)
				)`,
				`CREATE TABLE merge_attempt (
					id VARCHAR(64) PRIMARY KEY,
					owner VARCHAR(255) NOT NULL,
					repo VARCHAR(255) NOT NULL,
					branch_name VARCHAR(255) NOT NULL DEFAULT '',
					state VARCHAR(32) NOT NULL,
					timestamp BIGINT NOT NULL
				)`,
				`CREATE TABLE attempt_pull_request (
					attempt_id VARCHAR(64) NOT NULL,
					owner VARCHAR(255) NOT NULL,
					repo VARCHAR(255) NOT NULL,
					pr_number BIGINT NOT NULL,
					PRIMARY KEY (attempt_id, pr_number)
				)`,
			},
		},
	}
}

// initialName is the recorded name before any migration has run.
const initialName = "_initial"

// Migrate brings the schema up to date. `_migration` is a singleton
// cell (number of migrations applied, name of the latest) checked
// against the compiled-in list before anything runs; each pending
// migration and its bookkeeping update commit in one transaction.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	known := migrations()

	slog.Info("initializing migration table")

	if err := runInTx(ctx, pool, []string{
		`CREATE TABLE IF NOT EXISTS _migration (
			number INTEGER NOT NULL,
			name VARCHAR(255) NOT NULL
		)`,
	}); err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	number, name, err := currentState(ctx, pool)
	if err != nil {
		return err
	}

	if number < 0 || number > int64(len(known)) {
		return &MigrationError{Problem: fmt.Sprintf(
			"expected number in range [0, %d], got %d", len(known), number)}
	}

	expected := initialName
	if number > 0 {
		expected = known[number-1].name
	}

	if expected != name {
		return &MigrationError{Problem: fmt.Sprintf(
			"bad migration name: expected %q, got %q", expected, name)}
	}

	for i := number; i < int64(len(known)); i++ {
		m := known[i]
		slog.Info("running migration", "number", i+1, "name", m.name)

		if err := applyMigration(ctx, pool, i+1, m); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
	}

	return nil
}

// applyMigration runs one migration's statements and the bookkeeping
// update in a single transaction.
func applyMigration(ctx context.Context, pool *pgxpool.Pool, number int64, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Warn("rollback failed", "error", rbErr)
		}
	}()

	for _, stmt := range m.statements {
		slog.Debug("sql", "statement", stmt)

		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE _migration SET number = $1, name = $2`, number, m.name); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}

	return tx.Commit(ctx)
}

// currentState reads the `_migration` cell, inserting the initial state
// when the table is empty.
func currentState(ctx context.Context, pool *pgxpool.Pool) (int64, string, error) {
	rows, err := pool.Query(ctx, `SELECT number, name FROM _migration`)
	if err != nil {
		return 0, "", fmt.Errorf("read migration state: %w", err)
	}

	type cell struct {
		number int64
		name   string
	}

	cells, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (cell, error) {
		var c cell
		err := row.Scan(&c.number, &c.name)
		return c, err
	})
	if err != nil {
		return 0, "", &MigrationError{Problem: fmt.Sprintf("invalid row: %v", err)}
	}

	switch len(cells) {
	case 0:
		slog.Info("no existing migration state; inserting initial state")

		_, err := pool.Exec(ctx,
			`INSERT INTO _migration (number, name) VALUES ($1, $2)`, 0, initialName)
		if err != nil {
			return 0, "", fmt.Errorf("insert initial migration state: %w", err)
		}

		return 0, initialName, nil
	case 1:
		return cells[0].number, cells[0].name, nil
	default:
		return 0, "", &MigrationError{Problem: fmt.Sprintf(
			"expected 0 or 1 rows in _migration, got %d", len(cells))}
	}
}

// runInTx executes statements inside one transaction.
func runInTx(ctx context.Context, pool *pgxpool.Pool, statements []string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			slog.Warn("rollback failed", "error", rbErr)
		}
	}()

	for _, stmt := range statements {
		slog.Debug("sql", "statement", stmt)

		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute statement: %w", err)
		}
	}

	return tx.Commit(ctx)
}
