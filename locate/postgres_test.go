package locate

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func TestBuildTreeQuery(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		orderBy string
		want    string
		wantErr bool
	}{
		{
			name: "default table orders by every column",
			want: `SELECT "Easting", "Northing", "Species", "DBH" FROM "trees" ORDER BY "Easting", "Northing", "Species", "DBH"`,
		},
		{
			name:  "schema qualified",
			table: "gis.street_trees",
			want:  `SELECT "Easting", "Northing", "Species", "DBH" FROM "gis"."street_trees" ORDER BY "Easting", "Northing", "Species", "DBH"`,
		},
		{
			name:    "ordered",
			table:   "trees",
			orderBy: "tree_id",
			want:    `SELECT "Easting", "Northing", "Species", "DBH" FROM "trees" ORDER BY "tree_id"`,
		},
		{name: "injection in table", table: "trees; DROP TABLE trees", wantErr: true},
		{name: "quote in table", table: `tr"ees`, wantErr: true},
		{name: "too many parts", table: "a.b.c", wantErr: true},
		{name: "empty schema", table: ".trees", wantErr: true},
		{name: "leading digit", table: "1trees", wantErr: true},
		{name: "bad order column", orderBy: "id desc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildTreeQuery(tt.table, tt.orderBy)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildTreeQuery failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("query = %s\nwant   %s", got, tt.want)
			}
		})
	}
}

func TestTreeFromColumns(t *testing.T) {
	f := func(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }
	s := func(v string) sql.NullString { return sql.NullString{String: v, Valid: true} }

	rec, ok := treeFromColumns(f(512.5), f(1033), s(" Quercus "), f(0.42))
	if !ok {
		t.Fatal("complete row should be kept")
	}
	want := ReferencePoint{Position: orb.Point{512.5, 1033}, Category: "Quercus", Size: 0.42}
	if rec != want {
		t.Errorf("record = %+v, want %+v", rec, want)
	}

	tests := []struct {
		name    string
		east    sql.NullFloat64
		north   sql.NullFloat64
		species sql.NullString
		dbh     sql.NullFloat64
	}{
		{"null easting", sql.NullFloat64{}, f(1), s("Fagus"), f(0.1)},
		{"null northing", f(1), sql.NullFloat64{}, s("Fagus"), f(0.1)},
		{"null species", f(1), f(1), sql.NullString{}, f(0.1)},
		{"blank species", f(1), f(1), s("   "), f(0.1)},
		{"null dbh", f(1), f(1), s("Fagus"), sql.NullFloat64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := treeFromColumns(tt.east, tt.north, tt.species, tt.dbh); ok {
				t.Error("row should be dropped")
			}
		})
	}
}

// TestLoadTreesFromPostgres runs against a live database named by
// TREEFIX_TEST_POSTGRES_DSN.
func TestLoadTreesFromPostgres(t *testing.T) {
	dsn := os.Getenv("TREEFIX_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("Skipping PostgreSQL test (set TREEFIX_TEST_POSTGRES_DSN to run)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	stmts := []string{
		`DROP TABLE IF EXISTS treefix_test_trees`,
		`CREATE TABLE treefix_test_trees (id serial PRIMARY KEY, "Easting" double precision, "Northing" double precision, "Species" text, "DBH" double precision)`,
		`INSERT INTO treefix_test_trees ("Easting", "Northing", "Species", "DBH") VALUES
			(10, 20, 'Quercus', 0.5),
			(11, 21, NULL, 0.3),
			(12, 22, 'Fagus', 0.2)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("setup %q failed: %v", stmt, err)
		}
	}
	defer func() { _, _ = db.ExecContext(context.Background(), `DROP TABLE IF EXISTS treefix_test_trees`) }()

	records, summary, err := LoadTreesFromPostgres(ctx, db, "treefix_test_trees", "id")
	if err != nil {
		t.Fatalf("LoadTreesFromPostgres failed: %v", err)
	}
	if summary.Rows != 3 || summary.Kept != 2 || summary.Dropped != 1 {
		t.Errorf("summary = %+v, want 3 rows, 2 kept, 1 dropped", summary)
	}
	if len(records) != 2 || records[0].Category != "Quercus" || records[1].Category != "Fagus" {
		t.Errorf("records = %+v", records)
	}
}
