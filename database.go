package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"golang.org/x/exp/slog"
	"gopkg.in/yaml.v3"
)

var (
	//go:embed schema.sql
	postgresSchema string

	//go:embed schema_sqlite.sql
	sqliteSchema string

	//go:embed sections.yaml
	defaultSectionsYAML []byte
)

var (
	ErrAlreadyVoted  = errors.New("database: user already voted for this photo")
	ErrDuplicateName  = errors.New("database: name already taken")
	ErrDuplicateEmail = errors.New("database: email already taken")
)

// SQLDatabase runs the same queries against PostgreSQL or SQLite. Queries are
// written with `?` placeholders and rebound for the active dialect.
type SQLDatabase struct {
	db     *sql.DB
	driver string
}

func NewDatabase(ctx context.Context, cfg *Config) (*SQLDatabase, error) {
	switch cfg.DBDriver {
	case DriverPostgres:
		return OpenDatabase(ctx, DriverPostgres, cfg.DatabaseURL)
	case DriverSQLite:
		return OpenDatabase(ctx, DriverSQLite, cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.DBDriver)
	}
}

// OpenDatabase connects, applies the schema and seeds default sections.
func OpenDatabase(ctx context.Context, driver, dsn string) (*SQLDatabase, error) {
	var (
		db     *sql.DB
		schema string
		err    error
	)

	switch driver {
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
		schema = postgresSchema
	case DriverSQLite:
		db, err = sql.Open("sqlite3", "file:"+dsn+"?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL")
		schema = sqliteSchema
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", driver, err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLDatabase{db: db, driver: driver}
	if err := s.db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: ping %s: %w", driver, err)
	}

	slog.Debug("Database pinged", "driver", driver)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: apply schema: %w", err)
	}

	if err := s.seedSections(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("Database ready", "driver", driver)

	return s, nil
}

func (s *SQLDatabase) Close() error {
	return s.db.Close()
}

func (s *SQLDatabase) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites `?` placeholders to `$1..$n` for PostgreSQL.
func (s *SQLDatabase) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}

	return rebindDollar(query)
}

func rebindDollar(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)

	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}

func (s *SQLDatabase) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("Failed to roll back transaction", "error", rbErr)
		}
		return err
	}

	return tx.Commit()
}

type seedFile struct {
	Sections []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
	} `yaml:"sections"`
}

func (s *SQLDatabase) seedSections(ctx context.Context) error {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sections`).Scan(&count); err != nil {
		return fmt.Errorf("database: count sections: %w", err)
	}
	if count > 0 {
		return nil
	}

	var seed seedFile
	if err := yaml.Unmarshal(defaultSectionsYAML, &seed); err != nil {
		return fmt.Errorf("database: parse default sections: %w", err)
	}

	for _, sec := range seed.Sections {
		if _, err := s.CreateSection(ctx, sec.Name, sec.Description); err != nil && !errors.Is(err, ErrDuplicateName) {
			return fmt.Errorf("database: seed section %q: %w", sec.Name, err)
		}
	}

	slog.Info("Inserted default sections", "count", len(seed.Sections))

	return nil
}

// uniqueViolationOn reports whether err is a unique violation on column.
// PostgreSQL names the constraint <table>_<column>_key and SQLite names the
// column as <table>.<column> in its message.
func uniqueViolationOn(err error, column string) bool {
	if !isUniqueViolation(err) {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return strings.HasSuffix(pqErr.Constraint, "_"+column+"_key")
	}

	return strings.Contains(err.Error(), "."+column)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	return false
}
