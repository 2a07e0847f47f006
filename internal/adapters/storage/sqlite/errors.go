package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hylla/icsforms/internal/app"
)

// translate maps driver and database/sql failures onto categorized errors.
// Already categorized errors pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var ce *app.Error
	if errors.As(err, &ce) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return app.Transient(app.CategoryPerformance, "operation timed out", err)
	case errors.Is(err, context.Canceled):
		return app.NewError(app.CategoryTransaction, "operation canceled", err)
	case errors.Is(err, sql.ErrConnDone):
		return app.Transient(app.CategoryConnection, "connection closed", err)
	case errors.Is(err, sql.ErrTxDone):
		return app.NewError(app.CategoryTransaction, "transaction already finished", err)
	}

	var se *sqlite.Error
	if !errors.As(err, &se) {
		return app.NewError(app.CategoryInternal, "sqlite", err)
	}
	code := se.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return app.Transient(app.CategoryTransaction, "database is busy", err)
	case sqlite3.SQLITE_SCHEMA:
		return app.Transient(app.CategoryTransaction, "schema changed during statement", err)
	case sqlite3.SQLITE_IOERR:
		return app.Transient(app.CategoryConnection, "disk i/o error", err)
	case sqlite3.SQLITE_FULL:
		e := app.NewError(app.CategoryConnection, "disk is full", err)
		e.Severity = app.SeverityCritical
		return e
	case sqlite3.SQLITE_CANTOPEN:
		return app.NewError(app.CategoryConnection, "cannot open database file", err)
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
		e := app.NewError(app.CategoryIntegrity, "database file is corrupt", err)
		e.Severity = app.SeverityCritical
		return e
	case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH:
		return app.NewError(app.CategorySecurity, "database access denied", err)
	case sqlite3.SQLITE_CONSTRAINT:
		e := app.NewError(app.CategoryIntegrity, constraintMessage(code), err)
		e.Details = constraintDetail(se.Error())
		return e
	case sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_RANGE:
		return app.NewError(app.CategoryValidation, "value rejected by database", err)
	}
	return app.NewError(app.CategoryInternal, "sqlite", err)
}

// constraintMessage names the violated constraint family from an extended code.
func constraintMessage(code int) string {
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return "unique constraint violated"
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return "foreign key constraint violated"
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return "check constraint violated"
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return "not null constraint violated"
	}
	return "constraint violated"
}

// constraintDetail extracts the "table.column" or check name from the driver
// message, dropping the trailing "(code)" the driver appends.
func constraintDetail(msg string) string {
	i := strings.LastIndex(msg, "failed: ")
	if i < 0 {
		return ""
	}
	detail := msg[i+len("failed: "):]
	if j := strings.LastIndex(detail, " ("); j >= 0 && strings.HasSuffix(detail, ")") {
		detail = detail[:j]
	}
	return strings.TrimSpace(detail)
}

// isBusy reports whether err is a lock contention failure.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// isUniqueViolation reports whether err is a unique or primary key violation.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
