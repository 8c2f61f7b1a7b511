package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// writeJSON encodes v as JSON to w, failing the test on error.
// Safe to call from httptest handler goroutines (uses t.Error, not t.Fatal).
func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("failed to encode JSON response: %v", err)
	}
}

// installationRoutes answers the two token-minting endpoints so repo-tier
// calls can proceed, then delegates everything else to next.
func installationRoutes(t *testing.T, next http.HandlerFunc) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/installation"):
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				t.Errorf("installation lookup must carry the app JWT, got %q", auth)
			}
			writeJSON(t, w, map[string]int64{"id": 186853002})
		case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/app/installations/"):
			if r.URL.Path != "/app/installations/186853002/access_tokens" {
				t.Errorf("unexpected token path: %s", r.URL.Path)
			}
			writeJSON(t, w, map[string]any{
				"token":      "v1.installation-token",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			})
		default:
			next(w, r)
		}
	}
}

func TestPRInfo(t *testing.T) {
	repo := Repository{ID: 186853002, Owner: "Codertocat", Repo: "Hello-World"}

	srv := httptest.NewServer(installationRoutes(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/Codertocat/Hello-World/pulls/42" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}

		if got := r.Header.Get("Authorization"); got != "Bearer v1.installation-token" {
			t.Errorf("expected installation token, got %q", got)
		}

		if got := r.Header.Get("Accept"); got != acceptHeader {
			t.Errorf("accept header: got %q", got)
		}

		if got := r.Header.Get("User-Agent"); got != "cryslith/cherry" {
			t.Errorf("user agent: got %q", got)
		}

		writeJSON(t, w, map[string]any{
			"state":  "open",
			"merged": false,
			"draft":  true,
			"head":   map[string]string{"sha": "abc123"},
		})
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	pr, err := client.PRInfo(context.Background(), repo, 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pr.State != PRStateOpen || !pr.Draft || pr.Merged {
		t.Errorf("unexpected PR info: %+v", pr)
	}

	if pr.CommitHash != "abc123" {
		t.Errorf("commit hash: got %q, want abc123", pr.CommitHash)
	}
}

func TestInstallationTokenReused(t *testing.T) {
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}

	var lookups int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/installation"):
			lookups++
			writeJSON(t, w, map[string]int64{"id": 7})
		case strings.HasPrefix(r.URL.Path, "/app/installations/"):
			writeJSON(t, w, map[string]any{
				"token":      "v1.tok",
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			})
		default:
			writeJSON(t, w, map[string]string{"state": "success"})
		}
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	for range 3 {
		if _, err := client.CombinedStatus(context.Background(), repo, "abc"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if lookups != 1 {
		t.Errorf("expected a single installation lookup, got %d", lookups)
	}
}

func TestCommentOnPR(t *testing.T) {
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}

	var posted string

	srv := httptest.NewServer(installationRoutes(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/org/app/issues/7/comments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}

		var payload struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode comment payload: %v", err)
		}

		posted = payload.Body
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	if err := client.CommentOnPR(context.Background(), repo, 7, "pong!"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if posted != "pong!" {
		t.Errorf("comment body: got %q, want %q", posted, "pong!")
	}
}

func TestResponseOKStructuredError(t *testing.T) {
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}

	srv := httptest.NewServer(installationRoutes(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found", "errors": []}`))
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	_, err := client.PRInfo(context.Background(), repo, 1)
	if err == nil {
		t.Fatal("expected error")
	}

	if !IsNotFound(err) {
		t.Fatalf("expected 404 APIError, got %v", err)
	}

	if !strings.Contains(err.Error(), "Not Found") {
		t.Errorf("expected parsed message in error text, got %q", err.Error())
	}
}

func TestResponseOKRawBodyFallback(t *testing.T) {
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}

	srv := httptest.NewServer(installationRoutes(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("plain text denial"))
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	_, err := client.PRInfo(context.Background(), repo, 1)
	if err == nil {
		t.Fatal("expected error")
	}

	if !strings.Contains(err.Error(), "plain text denial") {
		t.Errorf("expected raw body in error text, got %q", err.Error())
	}
}

func TestMergeBranchConflict(t *testing.T) {
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}

	srv := httptest.NewServer(installationRoutes(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/org/app/merges" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message": "Merge conflict"}`))
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	_, err := client.MergeBranch(context.Background(), repo, "cherry/attempt/1234", "abc123")
	if err == nil {
		t.Fatal("expected conflict error")
	}

	if !IsMergeConflict(err) {
		t.Fatalf("expected merge conflict, got %v", err)
	}
}

func TestMergeBranchNothingToMerge(t *testing.T) {
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}

	srv := httptest.NewServer(installationRoutes(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	sha, err := client.MergeBranch(context.Background(), repo, "base", "head")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sha != "" {
		t.Errorf("expected empty sha for 204, got %q", sha)
	}
}

func TestCallRetriesServerErrors(t *testing.T) {
	repo := Repository{ID: 1, Owner: "org", Repo: "app"}

	var attempts int

	srv := httptest.NewServer(installationRoutes(t, func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(t, w, map[string]string{"state": "success"})
	}))
	defer srv.Close()

	client := NewClient(testCredentials(t), NewTokenCache(), srv.URL)

	state, err := client.CombinedStatus(context.Background(), repo, "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if state != "success" {
		t.Errorf("state: got %q", state)
	}

	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRepositoryUnmarshal(t *testing.T) {
	var repo Repository
	payload := `{"id": 186853002, "owner": {"login": "Codertocat"}, "name": "Hello-World", "full_name": "Codertocat/Hello-World"}`

	if err := json.Unmarshal([]byte(payload), &repo); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := Repository{ID: 186853002, Owner: "Codertocat", Repo: "Hello-World"}
	if repo != want {
		t.Errorf("got %+v, want %+v", repo, want)
	}

	if repo.String() != "Codertocat/Hello-World" {
		t.Errorf("String: got %q", repo.String())
	}
}
