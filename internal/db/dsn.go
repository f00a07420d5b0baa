package db

import (
	"fmt"
	"net/url"
	"strings"
)

// Dialect selects SQL flavour and driver for a DSN.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) driver() string {
	if d == Postgres {
		return "pgx"
	}
	return "sqlite"
}

// ParseDSN detects the dialect of dsn and returns a DSN ready for sql.Open.
// postgres:// and postgresql:// URLs select Postgres; anything else is a SQLite
// path (optionally prefixed with sqlite:// or file:).
func ParseDSN(dsn string) (Dialect, string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return 0, "", fmt.Errorf("empty DSN")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return 0, "", err
		}
		if strings.Trim(u.Path, "/") == "" {
			return 0, "", fmt.Errorf("postgres DSN %q has no database", u.Redacted())
		}
		return Postgres, u.String(), nil
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == ":memory:" {
		return SQLite, path, nil
	}
	if strings.Contains(path, "?") {
		return SQLite, path, nil
	}
	// Foreign keys are off by default in SQLite; busy_timeout covers a second process.
	return SQLite, path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
}
