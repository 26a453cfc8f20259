package locate

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/paulmach/orb"
)

const defaultTreeTable = "trees"

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OpenPostgres opens and pings a PostgreSQL connection.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// LoadTreesFromPostgres reads reference trees from a table with Easting,
// Northing, Species and DBH columns. Rows with a NULL in any of them are
// dropped and counted. orderBy names a key column fixing the load order, and
// with it the tie-break between equally likely trees; when empty, rows are
// ordered by Easting, Northing, Species and DBH.
func LoadTreesFromPostgres(ctx context.Context, db *sql.DB, table, orderBy string) ([]ReferencePoint, DatasetSummary, error) {
	var summary DatasetSummary

	query, err := buildTreeQuery(table, orderBy)
	if err != nil {
		return nil, summary, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, summary, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []ReferencePoint
	for rows.Next() {
		var east, north, dbh sql.NullFloat64
		var species sql.NullString
		if err := rows.Scan(&east, &north, &species, &dbh); err != nil {
			return nil, summary, fmt.Errorf("failed to scan row %d: %w", summary.Rows, err)
		}
		summary.Rows++

		rec, ok := treeFromColumns(east, north, species, dbh)
		if !ok {
			summary.Dropped++
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, summary, fmt.Errorf("rows error: %w", err)
	}
	summary.Kept = len(records)

	return records, summary, nil
}

// treeFromColumns builds a record from nullable columns, reporting false when
// any column is NULL or the species is blank.
func treeFromColumns(east, north sql.NullFloat64, species sql.NullString, dbh sql.NullFloat64) (ReferencePoint, bool) {
	if !east.Valid || !north.Valid || !species.Valid || !dbh.Valid {
		return ReferencePoint{}, false
	}
	sp := strings.TrimSpace(species.String)
	if sp == "" {
		return ReferencePoint{}, false
	}
	return ReferencePoint{
		Position: orb.Point{east.Float64, north.Float64},
		Category: sp,
		Size:     dbh.Float64,
	}, true
}

// buildTreeQuery returns the SELECT for a table name (optionally
// schema-qualified) and an optional ORDER BY column, defaulting to the
// selected columns. Both are quoted; names outside [A-Za-z0-9_] are rejected.
func buildTreeQuery(table, orderBy string) (string, error) {
	if table == "" {
		table = defaultTreeTable
	}

	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("%w: postgres table %q", ErrInvalidConfig, table)
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if !identifierPattern.MatchString(p) {
			return "", fmt.Errorf("%w: postgres table %q", ErrInvalidConfig, table)
		}
		quoted[i] = pq.QuoteIdentifier(p)
	}

	cols := make([]string, 0, 4)
	for _, c := range []string{ColumnEasting, ColumnNorthing, ColumnSpecies, ColumnDBH} {
		cols = append(cols, pq.QuoteIdentifier(c))
	}

	// Without a key column, order by every selected column so the load order
	// (and with it the tie-break) does not depend on the heap scan.
	order := strings.Join(cols, ", ")
	if orderBy != "" {
		if !identifierPattern.MatchString(orderBy) {
			return "", fmt.Errorf("%w: postgres orderBy %q", ErrInvalidConfig, orderBy)
		}
		order = pq.QuoteIdentifier(orderBy)
	}

	return fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(cols, ", "), strings.Join(quoted, "."), order), nil
}
