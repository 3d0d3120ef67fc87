package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// storeFactories returns every backend available in this environment.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("OpenSQLiteStore failed: %v", err)
			}
			return store
		},
	}

	if dbURL := os.Getenv("TEST_DATABASE_URL"); dbURL != "" {
		factories["postgres"] = func(t *testing.T) Store {
			cfg := shared.StoreConfig{MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute, PingTimeout: 5 * time.Second}
			db, err := Connect(dbURL, &cfg)
			if err != nil {
				t.Skipf("Skipping postgres store tests - database not available: %v", err)
			}
			if err := Migrate(db, postgresSchema); err != nil {
				t.Fatalf("Migrate failed: %v", err)
			}
			return NewPostgresStore(db)
		}
	}
	return factories
}

// sameJSON compares documents structurally; JSONB reformats stored values.
func sameJSON(got []byte, want string) bool {
	var a, b any
	if json.Unmarshal(got, &a) != nil || json.Unmarshal([]byte(want), &b) != nil {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()
			prefix := "test_" + uuid.NewString() + "_"

			entries := map[string][]byte{
				prefix + "1": []byte(`{"identifier":"1"}`),
				prefix + "2": []byte(`{"identifier":"2"}`),
				"other_3":    []byte(`{"identifier":"3"}`),
			}
			if err := store.SetMany(ctx, entries); err != nil {
				t.Fatalf("SetMany failed: %v", err)
			}

			got, err := store.GetMany(ctx, []string{prefix + "1", prefix + "missing"})
			if err != nil {
				t.Fatalf("GetMany failed: %v", err)
			}
			if len(got) != 1 || !sameJSON(got[prefix+"1"], `{"identifier":"1"}`) {
				t.Errorf("GetMany returned %v", got)
			}

			all, err := store.GetAllWithPrefix(ctx, prefix)
			if err != nil {
				t.Fatalf("GetAllWithPrefix failed: %v", err)
			}
			if len(all) != 2 {
				t.Errorf("Expected 2 prefixed keys, got %d", len(all))
			}

			if err := store.SetMany(ctx, map[string][]byte{prefix + "1": []byte(`{"identifier":"1","v":2}`)}); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			got, _ = store.GetMany(ctx, []string{prefix + "1"})
			if !sameJSON(got[prefix+"1"], `{"identifier":"1","v":2}`) {
				t.Errorf("overwrite not visible: %s", got[prefix+"1"])
			}

			if err := store.DeleteMany(ctx, []string{prefix + "1", prefix + "2"}); err != nil {
				t.Fatalf("DeleteMany failed: %v", err)
			}
			all, _ = store.GetAllWithPrefix(ctx, prefix)
			if len(all) != 0 {
				t.Errorf("Expected prefix to be empty after delete, got %d keys", len(all))
			}

			got, _ = store.GetMany(ctx, []string{"other_3"})
			if len(got) != 1 {
				t.Errorf("Unrelated key was removed")
			}
			_ = store.DeleteMany(ctx, []string{"other_3"})
		})
	}
}

func TestStoreEmptyInputs(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			ctx := context.Background()

			got, err := store.GetMany(ctx, nil)
			if err != nil || len(got) != 0 {
				t.Errorf("GetMany(nil) = %v, %v", got, err)
			}
			if err := store.SetMany(ctx, nil); err != nil {
				t.Errorf("SetMany(nil) failed: %v", err)
			}
			if err := store.DeleteMany(ctx, nil); err != nil {
				t.Errorf("DeleteMany(nil) failed: %v", err)
			}
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cache.db")

	store, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	if err := store.SetMany(context.Background(), map[string][]byte{"k": []byte("v")}); err != nil {
		t.Fatalf("SetMany failed: %v", err)
	}
	store.Close()

	reopened, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetMany(context.Background(), []string{"k"})
	if err != nil {
		t.Fatalf("GetMany failed: %v", err)
	}
	if string(got["k"]) != "v" {
		t.Errorf("Expected persisted value, got %q", got["k"])
	}
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	store := NewMemoryStore()
	value := []byte("original")
	_ = store.SetMany(context.Background(), map[string][]byte{"k": value})
	value[0] = 'X'

	got, _ := store.GetMany(context.Background(), []string{"k"})
	if string(got["k"]) != "original" {
		t.Errorf("store aliased caller slice: %q", got["k"])
	}
	got["k"][0] = 'Y'
	again, _ := store.GetMany(context.Background(), []string{"k"})
	if string(again["k"]) != "original" {
		t.Errorf("store aliased returned slice: %q", again["k"])
	}
}

func TestMemoryStoreHonorsCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.GetMany(ctx, []string{"k"}); err == nil {
		t.Error("Expected error for cancelled context")
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	store, err := Open(shared.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("Open(memory) failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("Expected *MemoryStore, got %T", store)
	}

	store, err = Open(shared.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	if err != nil {
		t.Fatalf("Open(sqlite) failed: %v", err)
	}
	if backed, ok := store.(SQLBacked); !ok || backed.DB() == nil {
		t.Errorf("Expected sqlite store to expose *sql.DB")
	}
	store.Close()

	if _, err := Open(shared.StoreConfig{Driver: "redis"}); err == nil {
		t.Error("Expected error for unknown driver")
	}
	if _, err := Open(shared.StoreConfig{Driver: "postgres"}); err == nil {
		t.Error("Expected error for postgres without DATABASE_URL")
	}
}

func TestHealthCheckNilDB(t *testing.T) {
	var db *sql.DB
	if err := HealthCheck(context.Background(), db); err == nil {
		t.Error("Expected error for nil database")
	}
}

func TestParseSQLStatements(t *testing.T) {
	sqlContent := `
-- comment
CREATE TABLE a (
    id INT
);

CREATE INDEX i ON a (id);
SELECT 1`

	got := parseSQLStatements(sqlContent)
	want := []string{
		"CREATE TABLE a ( id INT )",
		"CREATE INDEX i ON a (id)",
		"SELECT 1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseSQLStatements() = %#v, want %#v", got, want)
	}

	if n := len(parseSQLStatements(postgresSchema)); n != 2 {
		t.Errorf("Expected 2 postgres schema statements, got %d", n)
	}
}

func TestMemoryStorePrefixProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("prefix scan returns exactly the prefixed keys", prop.ForAll(
		func(suffixes []string) bool {
			store := NewMemoryStore()
			ctx := context.Background()
			entries := make(map[string][]byte)
			for _, s := range suffixes {
				entries["p_"+s] = []byte(s)
				entries["q_"+s] = []byte(s)
			}
			_ = store.SetMany(ctx, entries)

			all, err := store.GetAllWithPrefix(ctx, "p_")
			if err != nil {
				return false
			}
			for key := range all {
				if key[:2] != "p_" {
					return false
				}
			}
			return len(all) == len(entries)/2
		},
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
