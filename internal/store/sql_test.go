package store

import (
	"strings"
	"testing"
	"time"
)

func TestDialectByName(t *testing.T) {
	tests := []struct {
		name    string
		want    Dialect
		wantErr bool
	}{
		{"sqlite", SQLite, false},
		{"sqlite3", SQLite, false},
		{"postgres", Postgres, false},
		{"postgresql", Postgres, false},
		{"pgx", Postgres, false},
		{"mysql", Dialect{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DialectByName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DialectByName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("DialectByName() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDialect_Rebind(t *testing.T) {
	query := "SELECT * FROM tasks WHERE id = ? AND version = ?"

	if got := SQLite.rebind(query); got != query {
		t.Errorf("SQLite.rebind() = %q, want unchanged", got)
	}

	want := "SELECT * FROM tasks WHERE id = $1 AND version = $2"
	if got := Postgres.rebind(query); got != want {
		t.Errorf("Postgres.rebind() = %q, want %q", got, want)
	}
}

func TestBuildClaimQuery_Postgres(t *testing.T) {
	s := NewSQLStore(nil, Postgres)
	now := time.Now()

	query, args := s.buildClaimQuery(ClaimOptions{
		OwnerID: "owner",
		Size:    5,
		Types:   []string{"a", "b"},
		Now:     now,
		RetryAt: now.Add(time.Minute),
	})

	if !strings.Contains(query, "FOR UPDATE SKIP LOCKED") {
		t.Errorf("query missing lock clause:\n%s", query)
	}
	if !strings.Contains(query, "task_type IN ($6, $7)") {
		t.Errorf("query missing type filter:\n%s", query)
	}
	if !strings.Contains(query, "LIMIT $8") {
		t.Errorf("query missing numbered limit:\n%s", query)
	}
	if strings.Contains(query, "?") {
		t.Errorf("query still has ? placeholders:\n%s", query)
	}

	if len(args) != 8 {
		t.Fatalf("len(args) = %d, want 8", len(args))
	}
	if args[0] != "owner" {
		t.Errorf("args[0] = %v, want owner", args[0])
	}
	if args[7] != 5 {
		t.Errorf("args[7] = %v, want 5", args[7])
	}
}

func TestBuildClaimQuery_SQLite(t *testing.T) {
	s := NewSQLStore(nil, SQLite)

	query, args := s.buildClaimQuery(ClaimOptions{OwnerID: "owner", Size: 1, Now: time.Now()})

	if strings.Contains(query, "FOR UPDATE") {
		t.Errorf("sqlite query must not lock rows:\n%s", query)
	}
	if strings.Contains(query, "task_type IN") {
		t.Errorf("query should not filter types:\n%s", query)
	}
	if len(args) != 6 {
		t.Errorf("len(args) = %d, want 6", len(args))
	}
}

func TestMillisRoundTrip(t *testing.T) {
	if got := toMillis(time.Time{}); got != 0 {
		t.Errorf("toMillis(zero) = %d, want 0", got)
	}
	if got := fromMillis(0); !got.IsZero() {
		t.Errorf("fromMillis(0) = %v, want zero", got)
	}

	now := time.Now()
	if got := fromMillis(toMillis(now)); !got.Equal(truncate(now)) {
		t.Errorf("round trip = %v, want %v", got, truncate(now))
	}
}

func TestInsertTaskSQL_IgnoresConflicts(t *testing.T) {
	// duplicate IDs are detected from RowsAffected, not a prior read
	query := Postgres.rebind(insertTaskSQL)
	if !strings.HasSuffix(query, "ON CONFLICT (id) DO NOTHING") {
		t.Errorf("insert = %q, want ON CONFLICT (id) DO NOTHING", query)
	}
	if !strings.Contains(query, "$15") {
		t.Errorf("insert = %q, want 15 numbered placeholders", query)
	}
}
