package dbmigrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/apex/log"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/metroai/defect-hub/migrations"
)

// Commands accepted by Run.
var Commands = []string{"up", "down", "status", "version", "redo"}

// Run applies a goose command. An empty migrationsDir uses the SQL files
// embedded in the binary; otherwise the directory on disk is read.
func Run(ctx context.Context, command string, dbURL string, migrationsDir string) error {
	if dbURL == "" {
		return fmt.Errorf("database URL is empty")
	}
	if !validCommand(command) {
		return fmt.Errorf("unsupported command %q (allowed: %v)", command, Commands)
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetLogger(gooseLogger{log.WithField("component", "migrate")})

	dir := migrationsDir
	if dir == "" {
		goose.SetBaseFS(migrations.FS)
		defer goose.SetBaseFS(nil)
		dir = "."
	}

	if err := goose.RunContext(ctx, command, db, dir); err != nil {
		return fmt.Errorf("goose %s failed: %w", command, err)
	}
	return nil
}

// Embedded lists the migration files compiled into the binary.
func Embedded() ([]string, error) {
	return fs.Glob(migrations.FS, "*.sql")
}

func validCommand(cmd string) bool {
	for _, c := range Commands {
		if c == cmd {
			return true
		}
	}
	return false
}

// gooseLogger routes goose output through apex/log.
type gooseLogger struct{ l log.Interface }

func (g gooseLogger) Printf(format string, v ...interface{}) { g.l.Infof(format, v...) }
func (g gooseLogger) Fatalf(format string, v ...interface{}) { g.l.Fatalf(format, v...) }
