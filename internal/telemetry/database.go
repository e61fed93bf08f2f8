package telemetry

import (
	"database/sql"
	"net/url"
	"strings"

	"github.com/XSAM/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// OpenDB opens a traced Postgres pool whose connections all resolve unqualified
// table names in schema, and reports pool statistics as metrics.
func OpenDB(driverName, dsn, schema string) (*sql.DB, error) {
	db, err := otelsql.Open(driverName, WithSearchPath(dsn, schema),
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, err
	}

	if _, err := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// WithSearchPath sets the search_path connection parameter on a lib/pq DSN in
// either URL or key=value form. An existing search_path is left alone.
func WithSearchPath(dsn, schema string) string {
	if schema == "" {
		return dsn
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		if q.Get("search_path") != "" {
			return dsn
		}
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String()
	}

	if strings.Contains(dsn, "search_path=") {
		return dsn
	}
	return strings.TrimSpace(dsn + " search_path=" + schema)
}
