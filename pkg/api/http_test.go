package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/NeatMonster/IDAConnect/pkg/models"
	"github.com/NeatMonster/IDAConnect/pkg/registry"
	"github.com/NeatMonster/IDAConnect/pkg/store"
)

func newAPI(t *testing.T) (*store.Store, *registry.Registry, http.Handler) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	reg := registry.New(st)
	h := Handler(st, reg, http.NotFoundHandler())
	return st, reg, h
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("invalid json response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	_, _, h := newAPI(t)
	rec, out := doJSON(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("healthz: code=%d body=%v", rec.Code, out)
	}
}

func TestHealthzReflectsStoreState(t *testing.T) {
	st, _, h := newAPI(t)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	rec, _ := doJSON(t, h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz with closed store: code=%d, want 503", rec.Code)
	}
}

func TestListProjectsEmpty(t *testing.T) {
	_, _, h := newAPI(t)
	rec, out := doJSON(t, h, http.MethodGet, "/v1/projects", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if projects, ok := out["projects"].([]any); ok && len(projects) != 0 {
		t.Fatalf("expected no projects, got %v", out["projects"])
	}
}

func TestCreateAndListBranches(t *testing.T) {
	_, _, h := newAPI(t)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/projects/kernel32/branches", `{"name":"main"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: code=%d body=%v", rec.Code, out)
	}
	if out["project"] != "kernel32" || out["name"] != "main" {
		t.Fatalf("created meta = %v", out)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/v1/projects", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list projects: code=%d", rec.Code)
	}
	projects := out["projects"].([]any)
	if len(projects) != 1 {
		t.Fatalf("projects = %v", projects)
	}
	if projects[0].(map[string]any)["name"] != "kernel32" {
		t.Fatalf("projects = %v", projects)
	}

	rec, out = doJSON(t, h, http.MethodGet, "/v1/projects/kernel32/branches", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list branches: code=%d body=%v", rec.Code, out)
	}
	branches := out["branches"].([]any)
	if len(branches) != 1 || branches[0].(map[string]any)["name"] != "main" {
		t.Fatalf("branches = %v", branches)
	}
}

func TestCreateBranchIdempotent(t *testing.T) {
	st, _, h := newAPI(t)

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/projects/p/branches", `{"name":"main"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first create: code=%d", rec.Code)
	}
	rec, _ = doJSON(t, h, http.MethodPost, "/v1/projects/p/branches", `{"name":"main"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("second create: code=%d", rec.Code)
	}
	branches, err := st.ListBranches("p")
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("duplicate branch records: %v", branches)
	}
}

func TestCreateBranchRejectsBadNames(t *testing.T) {
	_, _, h := newAPI(t)
	for _, body := range []string{`{"name":"../etc"}`, `{"name":""}`, `not json`} {
		rec, _ := doJSON(t, h, http.MethodPost, "/v1/projects/p/branches", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: code=%d, want 400", body, rec.Code)
		}
	}
}

func TestListBranchesUnknownProject(t *testing.T) {
	_, _, h := newAPI(t)
	rec, _ := doJSON(t, h, http.MethodGet, "/v1/projects/nope/branches", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", rec.Code)
	}
}

func TestBranchMetaReflectsActivity(t *testing.T) {
	st, reg, h := newAPI(t)
	br, err := reg.ResolveOrCreate("p", "main")
	if err != nil {
		t.Fatalf("ResolveOrCreate: %v", err)
	}
	err = br.Sequence(func(seq uint64) error {
		return st.AppendEvent("p", "main", models.Event{Seq: seq, Origin: "a", Payload: json.RawMessage(`{}`)})
	})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if err := st.SaveBranchMeta(br.Meta()); err != nil {
		t.Fatalf("SaveBranchMeta: %v", err)
	}

	rec, out := doJSON(t, h, http.MethodGet, "/v1/projects/p/branches", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	meta := out["branches"].([]any)[0].(map[string]any)
	if meta["last_seq"].(float64) != 1 {
		t.Fatalf("last_seq = %v, want 1", meta["last_seq"])
	}
}
