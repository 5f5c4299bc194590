// Package migrations embeds the backend schema and applies it with goose.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var files embed.FS

const tableName = "schema_migrations"

// slogLogger forwards goose output to slog
type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Printf(format string, v ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, v...))
}

// Fatalf logs without exiting; the error is returned by Up
func (l *slogLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}

// Up applies every pending migration
func Up(db *sql.DB, logger *slog.Logger) error {
	goose.SetBaseFS(files)
	goose.SetLogger(&slogLogger{logger: logger.With(slog.String("component", "migrations"))})
	goose.SetTableName(tableName)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
