package messages

import (
	"fmt"
	"strings"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendMemory   Backend = "memory"
)

// ParseDSN classifies a DATABASE_URL.
//
// target is what the backend constructor expects: the URL itself for Postgres,
// a filesystem path (or ":memory:" / "file:" URI) for SQLite, empty for memory.
//
//	postgres://..., postgresql://...     -> postgres, unchanged
//	sqlite:////abs/path                  -> sqlite, /abs/path
//	sqlite:///rel/path, sqlite://rel.db  -> sqlite, relative path
//	sqlite+aiosqlite:///./data/app.db    -> sqlite, ./data/app.db
//	sqlite::memory:                      -> sqlite, :memory:
//	file:app.db?mode=rwc                 -> sqlite, unchanged
//	memory://, memory                    -> memory
func ParseDSN(raw string) (backend Backend, target string, err error) {
	dsn := strings.TrimSpace(raw)
	if dsn == "" {
		return "", "", fmt.Errorf("%w: empty", ErrUnsupportedDSN)
	}

	scheme, rest, ok := strings.Cut(dsn, ":")
	if !ok {
		if strings.EqualFold(dsn, "memory") {
			return BackendMemory, "", nil
		}
		return "", "", fmt.Errorf("%w: missing scheme", ErrUnsupportedDSN)
	}
	scheme = strings.ToLower(scheme)

	switch {
	case scheme == "postgres" || scheme == "postgresql":
		return BackendPostgres, dsn, nil
	case scheme == "memory":
		return BackendMemory, "", nil
	case scheme == "file":
		return BackendSQLite, dsn, nil
	case scheme == "sqlite" || strings.HasPrefix(scheme, "sqlite+") || scheme == "sqlite3":
		path := sqlitePath(rest)
		if path == "" {
			return "", "", fmt.Errorf("%w: sqlite url without path", ErrUnsupportedDSN)
		}
		return BackendSQLite, path, nil
	default:
		return "", "", fmt.Errorf("%w: scheme %q", ErrUnsupportedDSN, scheme)
	}
}

// sqlitePath follows the SQLAlchemy URL convention: the host part is empty, so
// sqlite:///./a.db is "./a.db" and sqlite:////tmp/a.db is "/tmp/a.db".
func sqlitePath(rest string) string {
	if after, ok := strings.CutPrefix(rest, "//"); ok {
		rest = strings.TrimPrefix(after, "/")
	}
	return rest
}
