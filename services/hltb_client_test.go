package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/keyunjie96/steam-wishlist-plus-sub002/database"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/models"
	"github.com/keyunjie96/steam-wishlist-plus-sub002/shared"
)

const hltbHomePage = `<!DOCTYPE html><html><head>
<script src="/_next/static/chunks/framework-1.js"></script>
<script src="/_next/static/chunks/pages/_app-0a1b2c.js"></script>
</head><body></body></html>`

const hltbAppBundle = `function s(e){return fetch("/api/seek/".concat("4b4f2a").concat("9e1d"),{method:"POST",body:JSON.stringify(e)})}`

const hltbSearchResults = `{"data": [
  {"game_id": 1, "game_name": "Hollow Knight: Voidheart Edition", "comp_main": 90000, "comp_plus": 144000, "comp_100": 226800, "comp_all": 140000, "profile_steam": 0},
  {"game_id": 26286, "game_name": "Hollow Knight", "comp_main": 97740, "comp_plus": 151560, "comp_100": 231480, "comp_all": 147600, "profile_steam": 367520},
  {"game_id": 3, "game_name": "Hollow", "comp_main": 18000, "comp_plus": 0, "comp_100": 0, "comp_all": 18000, "profile_steam": 0}
]}`

type hltbServer struct {
	*httptest.Server
	searches    int32
	discoveries int32
	searchPath  string
	results     string
}

func newHLTBServer(t *testing.T) *hltbServer {
	s := &hltbServer{searchPath: "/api/seek/4b4f2a9e1d", results: hltbSearchResults}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&s.discoveries, 1)
		fmt.Fprint(w, hltbHomePage)
	})
	mux.HandleFunc("/_next/static/chunks/pages/_app-0a1b2c.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, hltbAppBundle)
	})
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != s.searchPath {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&s.searches, 1)
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var payload hltbSearchRequest
		if err := json.Unmarshal(body, &payload); err != nil || len(payload.SearchTerms) == 0 {
			t.Errorf("Unexpected search payload: %s", body)
		}
		fmt.Fprint(w, s.results)
	})
	s.Server = httptest.NewServer(mux)
	return s
}

func newTestHLTBClient(server *hltbServer) *HLTBClient {
	return NewHLTBClient(testServiceConfig(server.URL), server.Client(), nil, NewNameMatcher(DefaultMatchThreshold, nil), shared.NewServiceMetrics("HLTBClient"))
}

func TestHLTBPrefersCrossReference(t *testing.T) {
	server := newHLTBServer(t)
	defer server.Close()
	client := newTestHLTBClient(server)

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight Voidheart Edition"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result == nil || result.ID != 26286 {
		t.Fatalf("Expected cross-referenced game 26286, got %+v", result)
	}
	if result.MainHours != 27.2 || result.ExtraHours != 42.1 || result.CompletionistHours != 64.3 || result.AllStylesHours != 41 {
		t.Errorf("Unexpected hours: %+v", result)
	}
	if result.CrossRefID == nil || *result.CrossRefID != 367520 {
		t.Errorf("Expected cross reference 367520, got %v", result.CrossRefID)
	}
	if client.metrics.Counter("crossref_matches") != 1 {
		t.Error("Expected cross-reference match to be counted")
	}
}

func TestHLTBFallsBackToFuzzyMatch(t *testing.T) {
	server := newHLTBServer(t)
	defer server.Close()
	client := newTestHLTBClient(server)

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "1", Name: "Hollow Knight: Voidheart Edition"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if result == nil || result.ID != 1 {
		t.Fatalf("Expected exact-name match, got %+v", result)
	}
	if result.CrossRefID != nil {
		t.Error("Expected no cross reference")
	}
}

func TestHLTBNoAcceptableMatch(t *testing.T) {
	server := newHLTBServer(t)
	defer server.Close()
	client := newTestHLTBClient(server)

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "5", Name: "Completely Different Title"})
	if err != nil || result != nil {
		t.Fatalf("Expected nil, nil; got %+v, %v", result, err)
	}
}

func TestHLTBCachesDiscoveredPath(t *testing.T) {
	server := newHLTBServer(t)
	defer server.Close()
	client := newTestHLTBClient(server)

	for i := 0; i < 3; i++ {
		if _, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"}); err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
	}
	if got := atomic.LoadInt32(&server.discoveries); got != 1 {
		t.Errorf("Expected one discovery, got %d", got)
	}
	if got := atomic.LoadInt32(&server.searches); got != 3 {
		t.Errorf("Expected 3 searches, got %d", got)
	}
}

func TestHLTBRediscoversAfterNotFound(t *testing.T) {
	server := newHLTBServer(t)
	defer server.Close()
	client := newTestHLTBClient(server)
	client.searchPath = "/api/stale/abc"

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"})
	if err != nil || result == nil {
		t.Fatalf("Expected result after rediscovery, got %+v, %v", result, err)
	}
	if client.searchPath != server.searchPath {
		t.Errorf("Expected discovered path %s, got %s", server.searchPath, client.searchPath)
	}
}

func TestHLTBDiscoveryOutageIsTransient(t *testing.T) {
	var searches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		atomic.AddInt32(&searches, 1)
		http.NotFound(w, r)
	}))
	defer server.Close()
	client := NewHLTBClient(testServiceConfig(server.URL), server.Client(), nil, NewNameMatcher(DefaultMatchThreshold, nil), shared.NewServiceMetrics("HLTBClient"))

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"})
	if result != nil || !shared.IsTransientError(err) {
		t.Fatalf("Expected transient error, got %+v, %v", result, err)
	}
	if got := atomic.LoadInt32(&searches); got != 0 {
		t.Errorf("Expected no search while discovery is down, got %d", got)
	}

	store := database.NewMemoryStore()
	resolver := NewResolver(store, &fakePlatformSource{results: map[string]*models.SourceResult{}}, client, nil,
		NewOverrideTable(nil), NewStoreURLBuilder(nil, false), shared.NewServiceMetrics("Resolver"),
		ResolverConfig{KeyPrefix: testPrefix, TTLDays: models.DefaultTTLDays})
	value, err := resolver.CompletionTime(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"})
	if err != nil || value != nil {
		t.Fatalf("Expected no data without error, got %+v, %v", value, err)
	}
	raw, err := store.GetMany(context.Background(), []string{testPrefix + "367520"})
	if err != nil {
		t.Fatal(err)
	}
	record, err := models.DecodeRecord(raw[testPrefix+"367520"])
	if err != nil {
		t.Fatal(err)
	}
	if record.CompletionTime != nil {
		t.Errorf("Outage must not be memoized, got %+v", record.CompletionTime)
	}
}

func TestHLTBMovedSearchEndpointIsTransient(t *testing.T) {
	server := newHLTBServer(t)
	defer server.Close()
	server.searchPath = "/api/moved/ffff"
	client := newTestHLTBClient(server)

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"})
	if result != nil || !shared.IsTransientError(err) {
		t.Fatalf("Expected transient error, got %+v, %v", result, err)
	}
	if got := atomic.LoadInt32(&server.discoveries); got != 2 {
		t.Errorf("Expected discovery and one rediscovery, got %d", got)
	}
	if client.searchPath != "" {
		t.Errorf("Expected unusable path to be forgotten, got %q", client.searchPath)
	}
}

func TestHLTBMalformedResponseIsNegative(t *testing.T) {
	server := newHLTBServer(t)
	defer server.Close()
	server.results = `{"unexpected": true}`
	client := newTestHLTBClient(server)

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"})
	if err != nil || result != nil {
		t.Fatalf("Expected nil, nil; got %+v, %v", result, err)
	}
}

type stubTransport struct {
	paths []string
	err   error
	body  string
}

func (s *stubTransport) PostJSON(ctx context.Context, path string, payload []byte) ([]byte, error) {
	s.paths = append(s.paths, path)
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

func TestHLTBUsesInjectedTransport(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	transport := &stubTransport{body: hltbSearchResults}
	client := NewHLTBClient(testServiceConfig(server.URL), server.Client(), transport, NewNameMatcher(0.5, nil), nil)

	result, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"})
	if err != nil || result == nil {
		t.Fatalf("Resolve failed: %+v, %v", result, err)
	}
	if len(transport.paths) != 1 || transport.paths[0] != defaultHLTBSearchPath {
		t.Errorf("Expected default search path when discovery fails, got %v", transport.paths)
	}

	transport.err = shared.NewTransientError(shared.ErrorCategoryTimeout, "RELAY_TIMEOUT", "BrowserRelay", "PostJSON", context.DeadlineExceeded)
	if _, err := client.Resolve(context.Background(), models.GameRef{Identifier: "367520", Name: "Hollow Knight"}); !shared.IsTransientError(err) {
		t.Errorf("Expected transient relay error to propagate, got %v", err)
	}
}

func TestExtractSearchPath(t *testing.T) {
	tests := map[string]string{
		hltbAppBundle: "/api/seek/4b4f2a9e1d",
		`fetch("/api/find/".concat("abc123"),{})`: "/api/find/abc123",
		`fetch("/api/search",{})`:                 "",
	}
	for script, want := range tests {
		if got := extractSearchPath(script); got != want {
			t.Errorf("extractSearchPath(%q) = %q, want %q", script, got, want)
		}
	}
}

func TestSecondsToHours(t *testing.T) {
	tests := map[int]float64{0: 0, 3600: 1, 5400: 1.5, 97740: 27.2, 179: 0, 180: 0.1}
	for seconds, want := range tests {
		if got := secondsToHours(seconds); got != want {
			t.Errorf("secondsToHours(%d) = %v, want %v", seconds, got, want)
		}
	}
}

func TestBuildRelayScriptEscapesPayload(t *testing.T) {
	script, err := buildRelayScript("/api/seek/x", []byte(`{"searchTerms":["a\"b"]}`))
	if err != nil {
		t.Fatalf("buildRelayScript failed: %v", err)
	}
	if want := `body: "{\"searchTerms\":[\"a\\\"b\"]}"`; !strings.Contains(script, want) {
		t.Errorf("Script does not embed payload as a string literal:\n%s", script)
	}
}
