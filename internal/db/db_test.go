package db

import "testing"

func TestRebind(t *testing.T) {
	cases := []struct {
		dialect Dialect
		in      string
		want    string
	}{
		{SQLite, `SELECT * FROM t WHERE a=? AND b=?`, `SELECT * FROM t WHERE a=? AND b=?`},
		{Postgres, `SELECT * FROM t WHERE a=? AND b=?`, `SELECT * FROM t WHERE a=$1 AND b=$2`},
		{Postgres, `SELECT '?' FROM t WHERE a=?`, `SELECT '?' FROM t WHERE a=$1`},
	}
	for _, tc := range cases {
		if got := tc.dialect.Rebind(tc.in); got != tc.want {
			t.Fatalf("%s rebind %q: got %q want %q", tc.dialect, tc.in, got, tc.want)
		}
	}
}

func TestParseDialect(t *testing.T) {
	if ParseDialect("") != SQLite {
		t.Fatalf("empty driver should default to sqlite")
	}
	if ParseDialect("PostgreSQL") != Postgres {
		t.Fatalf("postgresql should map to postgres")
	}
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	if _, _, err := Open(Config{Driver: "postgres"}); err == nil {
		t.Fatalf("expected dsn error")
	}
}
