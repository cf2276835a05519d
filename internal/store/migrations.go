package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// revision pairs an ordinal with the SQL script that brings the audit schema
// up to it. Scripts run inside one transaction each and are never re-applied.
type revision struct {
	ordinal int
	name    string
	script  string
}

var revisions = []revision{
	{ordinal: 1, name: "initial_schema", script: initialSchema},
}

// applySchema brings the database to the latest revision, creating the
// bookkeeping table on first use.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_revisions (
		ordinal INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return storeError("create schema_revisions", err)
	}

	var current int
	err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), 0) FROM schema_revisions`).Scan(&current)
	if err != nil {
		return storeError("read schema revision", err)
	}

	for _, rev := range revisions {
		if rev.ordinal <= current {
			continue
		}
		if err := applyRevision(ctx, db, rev); err != nil {
			return err
		}
	}
	return nil
}

func applyRevision(ctx context.Context, db *sql.DB, rev revision) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return storeError("begin schema revision", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range sqlStatements(rev.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return storeError(fmt.Sprintf("apply schema revision %d (%s)", rev.ordinal, rev.name), err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_revisions (ordinal, name) VALUES (?, ?)`, rev.ordinal, rev.name); err != nil {
		return storeError("record schema revision", err)
	}
	if err := tx.Commit(); err != nil {
		return storeError("commit schema revision", err)
	}
	return nil
}

// sqlStatements splits a script on semicolons into executable statements,
// stripping comment lines and dropping fragments with no SQL left.
func sqlStatements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		var b strings.Builder
		for _, line := range strings.Split(chunk, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			b.WriteString(trimmed)
			b.WriteByte('\n')
		}
		if stmt := strings.TrimSpace(b.String()); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
