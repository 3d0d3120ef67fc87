package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/app"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/config"
)

func newTestBuilder(t *testing.T) builder {
	t.Helper()
	sources := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results": {"bindings": []}}`)
	}))
	t.Cleanup(sources.Close)

	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "cache.db"))
	t.Setenv("VERIFY_STORE_LINKS", "false")
	t.Setenv("STRUCTURED_DATA_ENDPOINT", sources.URL)
	t.Setenv("COMPLETION_TIME_BASE_URL", sources.URL)
	t.Setenv("REVIEW_SCORE_BASE_URL", sources.URL)
	t.Setenv("LOG_LEVEL", "error")

	return func() (*app.App, error) {
		return app.Build(config.FromEnvironment())
	}
}

func run(t *testing.T, build builder, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(build)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestResolveStatsClear(t *testing.T) {
	build := newTestBuilder(t)

	out, err := run(t, build, "resolve", "99999", "Obscure Game")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	var resolution map[string]any
	if err := json.Unmarshal([]byte(out), &resolution); err != nil {
		t.Fatalf("resolve output is not JSON: %q", out)
	}
	if resolution["data"].(map[string]any)["provenance"] != "fallback" {
		t.Errorf("Expected fallback record: %v", resolution)
	}

	out, err = run(t, build, "stats")
	if err != nil || !strings.Contains(out, `"count": 1`) {
		t.Errorf("Expected one record across invocations, got %q (%v)", out, err)
	}

	out, err = run(t, build, "clear")
	if err != nil || strings.TrimSpace(out) != "removed 1 records" {
		t.Errorf("Unexpected clear output %q (%v)", out, err)
	}
}

func TestRefreshAndHealth(t *testing.T) {
	build := newTestBuilder(t)

	if _, err := run(t, build, "refresh", "367520", "Hollow Knight"); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	out, err := run(t, build, "health")
	if err != nil || !strings.Contains(out, "store: ok (sqlite)") {
		t.Errorf("Unexpected health output %q (%v)", out, err)
	}
}

func TestArgumentValidation(t *testing.T) {
	build := newTestBuilder(t)
	if _, err := run(t, build, "resolve", "only-one-arg"); err == nil {
		t.Error("Expected an error for missing name")
	}
}
